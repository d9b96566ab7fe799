// Package identity gives one validator node its signing keypair, used to
// cast HotStuff votes and sign NewView/catch-up messages over internal/p2p.
//
// Grounded on the teacher's core/security.go Sign/Verify (crypto/ed25519
// behind a narrow op-specific wrapper, not a generic "crypto provider"
// abstraction), trimmed to the single scheme this module needs.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// KeyPair signs on behalf of one validator.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate returns a fresh random keypair, used when no seed is configured
// (single-node development or test runs).
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// FromSeedHex derives a deterministic keypair from a hex-encoded 32-byte
// ed25519 seed, the form operators record in Consensus.NodeSeedHex so a
// validator's identity survives restarts.
func FromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("identity: decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Sign returns a signature over msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// Verify reports whether sig is a valid signature by pubKey over msg.
func Verify(pubKey, msg, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

// ParseCommittee hex-decodes a list of public keys, the form
// Consensus.Validators is configured in (spec.md §4.5 committee membership).
func ParseCommittee(hexPubKeys []string) ([][]byte, error) {
	out := make([][]byte, 0, len(hexPubKeys))
	for _, h := range hexPubKeys {
		pk, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("identity: decode committee member %q: %w", h, err)
		}
		out = append(out, pk)
	}
	return out, nil
}
