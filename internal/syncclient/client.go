// Package syncclient is the HTTP implementation of syncsvc.Peer, dialing
// another validator's internal/rpcserver endpoints instead of a stub
// transport. It is the concrete collaborator cmd/validatornode wires into
// syncsvc.Manager.Start/SyncOnce; tests for the sync manager itself use a
// hand-rolled fake peer instead, the same split the teacher keeps between
// core/blockchain_synchronization.go's Replicator interface and its real
// network-backed implementation.
package syncclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"shardbft/internal/syncsvc"
	"shardbft/internal/types"
)

// Client dials one peer's RPC server over HTTP.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New builds a Client addressing the peer's rpcserver at baseURL, e.g.
// "http://10.0.0.4:8645".
func New(name, baseURL string) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) FetchCheckpoint(ctx context.Context, epoch uint64) (*types.EpochCheckpoint, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/checkpoints/%d", epoch))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("syncclient: %s: checkpoint epoch %d: status %d", c.name, epoch, resp.StatusCode)
	}
	var cp types.EpochCheckpoint
	if err := json.NewDecoder(resp.Body).Decode(&cp); err != nil {
		return nil, fmt.Errorf("syncclient: %s: decode checkpoint: %w", c.name, err)
	}
	return &cp, nil
}

// FetchStateBatch reads one NDJSON page from /sync/state. The server always
// serves fixed-size syncsvc.BatchSize pages, so "more" is inferred from
// whether the page came back full, the same convention the manager's
// in-process fake peers use in tests.
func (c *Client) FetchStateBatch(ctx context.Context, shard types.Shard, after syncsvc.StateTransitionId, currentEpoch uint64, batchSize int) ([]syncsvc.StateTransition, bool, error) {
	q := url.Values{}
	q.Set("shard", strconv.FormatUint(uint64(shard), 10))
	q.Set("start_epoch", strconv.FormatUint(after.Epoch, 10))
	q.Set("start_seq", strconv.FormatUint(after.Seq, 10))
	q.Set("current_epoch", strconv.FormatUint(currentEpoch, 10))

	resp, err := c.get(ctx, "/sync/state?"+q.Encode())
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("syncclient: %s: sync state: status %d", c.name, resp.StatusCode)
	}

	var batch []syncsvc.StateTransition
	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for dec.More() {
		var t syncsvc.StateTransition
		if err := dec.Decode(&t); err != nil {
			return nil, false, fmt.Errorf("syncclient: %s: decode state transition: %w", c.name, err)
		}
		batch = append(batch, t)
	}
	return batch, len(batch) >= batchSize, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}
