package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const heightCacheTTL = 10 * time.Second

// UpstreamRPC is the external upstream-chain RPC collaborator's
// contract (spec.md §1, §6): get_dynamic_global_properties and
// get_block. This package implements it over plain JSON-RPC HTTP since
// no upstream-chain client library appears anywhere in the retrieval
// pack; every other boundary in this repo prefers a pack-grounded
// library, but here the stdlib net/http + encoding/json pairing is the
// only option available and is documented as such in DESIGN.md.
type UpstreamRPC interface {
	GetLatestHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, n int64) (UpstreamBlock, error)
}

// httpUpstreamRPC is a single endpoint's JSON-RPC 2.0 client.
type httpUpstreamRPC struct {
	endpoint string
	client   *http.Client
}

func newHTTPUpstreamRPC(endpoint string, timeout time.Duration) *httpUpstreamRPC {
	return &httpUpstreamRPC{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpUpstreamRPC) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpc %s error: %s", method, rr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

func (c *httpUpstreamRPC) GetLatestHeight(ctx context.Context) (int64, error) {
	var out struct {
		HeadBlockNumber int64 `json:"head_block_number"`
	}
	if err := c.call(ctx, "get_dynamic_global_properties", nil, &out); err != nil {
		return 0, err
	}
	return out.HeadBlockNumber, nil
}

func (c *httpUpstreamRPC) GetBlock(ctx context.Context, n int64) (UpstreamBlock, error) {
	var out struct {
		Timestamp    string `json:"timestamp"`
		Transactions []struct {
			TransactionID string     `json:"transaction_id"`
			Operations    [][2]any   `json:"operations"`
		} `json:"transactions"`
	}
	if err := c.call(ctx, "get_block", []any{n}, &out); err != nil {
		return UpstreamBlock{}, err
	}
	ts, err := time.Parse(time.RFC3339, out.Timestamp+"Z")
	if err != nil {
		ts, err = time.Parse("2006-01-02T15:04:05", out.Timestamp)
		if err != nil {
			return UpstreamBlock{}, fmt.Errorf("parse block timestamp %q: %w", out.Timestamp, err)
		}
	}
	block := UpstreamBlock{Number: n, Timestamp: ts.UTC()}
	for _, tx := range out.Transactions {
		utx := UpstreamTx{TransactionID: tx.TransactionID}
		for _, op := range tx.Operations {
			opType, _ := op[0].(string)
			opData, _ := op[1].(map[string]any)
			utx.Operations = append(utx.Operations, UpstreamOp{Type: opType, Data: opData})
		}
		block.Transactions = append(block.Transactions, utx)
	}
	return block, nil
}

type endpointState struct {
	rpc               UpstreamRPC
	lastErrorAt       time.Time
	consecutiveErrors int
	lastKnownHeight   int64
}

// UpstreamPool maintains a list of upstream RPC endpoints with a
// current index, per-endpoint health, and a 10s latest-height cache.
// Health state is updated inline by each RPC call under the pool's
// mutex; there is no background sweep.
type UpstreamPool struct {
	mu             sync.Mutex
	endpoints      []*endpointState
	current        int
	cachedHeight   int64
	cachedAt       time.Time
	logger         *logrus.Logger
}

// NewUpstreamPool builds a pool from a list of endpoint URLs.
func NewUpstreamPool(urls []string, timeout time.Duration, logger *logrus.Logger) (*UpstreamPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("upstream pool requires at least one endpoint")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &UpstreamPool{logger: logger}
	for _, u := range urls {
		p.endpoints = append(p.endpoints, &endpointState{rpc: newHTTPUpstreamRPC(u, timeout)})
	}
	return p, nil
}

// GetLatestHeight returns a cached height if younger than 10s and
// positive, otherwise performs an RPC call with one retry against the
// next endpoint on failure.
func (p *UpstreamPool) GetLatestHeight(ctx context.Context) (int64, error) {
	p.mu.Lock()
	if p.cachedHeight > 0 && time.Since(p.cachedAt) < heightCacheTTL {
		h := p.cachedHeight
		p.mu.Unlock()
		return h, nil
	}
	ep := p.currentLocked()
	p.mu.Unlock()

	h, err := ep.rpc.GetLatestHeight(ctx)
	if err != nil {
		p.recordFailure(ep)
		p.switchToNextEndpoint()
		ep2 := p.currentEndpoint()
		h, err = ep2.rpc.GetLatestHeight(ctx)
		if err != nil {
			p.recordFailure(ep2)
			return 0, fmt.Errorf("get_latest_height: both attempts failed: %w", err)
		}
		ep = ep2
	}
	p.recordSuccess(ep, h)
	p.mu.Lock()
	p.cachedHeight = h
	p.cachedAt = time.Now()
	p.mu.Unlock()
	return h, nil
}

// GetBlock fetches block n, retrying once against the next endpoint on
// error or an empty response.
func (p *UpstreamPool) GetBlock(ctx context.Context, n int64) (UpstreamBlock, error) {
	ep := p.currentEndpoint()
	b, err := ep.rpc.GetBlock(ctx, n)
	if err != nil {
		p.recordFailure(ep)
		p.switchToNextEndpoint()
		ep2 := p.currentEndpoint()
		b, err = ep2.rpc.GetBlock(ctx, n)
		if err != nil {
			p.recordFailure(ep2)
			return UpstreamBlock{}, fmt.Errorf("get_block(%d): both attempts failed: %w", n, err)
		}
		ep = ep2
	}
	p.recordSuccess(ep, b.Number)
	return b, nil
}

func (p *UpstreamPool) currentLocked() *endpointState {
	return p.endpoints[p.current]
}

func (p *UpstreamPool) currentEndpoint() *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

// switchToNextEndpoint advances the current index, preferring the
// endpoint with the highest known height when any endpoint has
// reported one; otherwise round-robins.
func (p *UpstreamPool) switchToNextEndpoint() {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	var bestHeight int64 = -1
	for i, ep := range p.endpoints {
		if i == p.current {
			continue
		}
		if ep.lastKnownHeight > bestHeight {
			bestHeight = ep.lastKnownHeight
			best = i
		}
	}
	if best >= 0 && bestHeight > 0 {
		p.current = best
		return
	}
	p.current = (p.current + 1) % len(p.endpoints)
}

func (p *UpstreamPool) recordFailure(ep *endpointState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.lastErrorAt = time.Now()
	ep.consecutiveErrors++
	p.logger.WithField("consecutive_errors", ep.consecutiveErrors).Warn("upstream endpoint failure")
}

func (p *UpstreamPool) recordSuccess(ep *endpointState, height int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.consecutiveErrors = 0
	if height > 0 {
		ep.lastKnownHeight = height
	}
}
