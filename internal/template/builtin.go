package template

import "shardbft/internal/types"

// Built-in templates are hard-coded at fixed addresses and are always
// active (spec.md §4.2). Their "binary" is a sentinel marker; the WASM
// engine adapter recognises these addresses and dispatches to native Go
// implementations rather than interpreting bytes.
var builtinAddresses = map[types.SubstateId]string{
	accountAddr():    "Account",
	accountNftAddr(): "AccountNft",
	xtrFaucetAddr():  "XtrFaucet",
}

func fixedTemplateId(name string) types.SubstateId {
	var id types.SubstateId
	id.Kind = types.KindTemplate
	h := types.HashBytes([]byte("builtin-template:" + name))
	copy(id.Ref[:], h[:])
	return id
}

func accountAddr() types.SubstateId    { return fixedTemplateId("Account") }
func accountNftAddr() types.SubstateId { return fixedTemplateId("AccountNft") }
func xtrFaucetAddr() types.SubstateId  { return fixedTemplateId("XtrFaucet") }

// IsBuiltin reports whether addr names one of the three hard-coded
// templates, and if so its name.
func IsBuiltin(addr types.SubstateId) (string, bool) {
	name, ok := builtinAddresses[addr]
	return name, ok
}

// BuiltinAddresses returns the fixed addresses of the three built-in
// templates, keyed by name, for callers that need to reference them (e.g.
// the executor resolving a CreateAccount instruction).
func BuiltinAddresses() map[string]types.SubstateId {
	return map[string]types.SubstateId{
		"Account":    accountAddr(),
		"AccountNft": accountNftAddr(),
		"XtrFaucet":  xtrFaucetAddr(),
	}
}
