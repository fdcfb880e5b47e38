package blockchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RPC method names
const (
	MethodGetFarm         = "getFarm"
	MethodGetBlock        = "getBlock"
	MethodGetPail         = "getPail"
	MethodSendTransaction = "sendTransaction"
	MethodGetTransaction  = "getTransaction"
	MethodGetBalances     = "getBalances"
)

// RPCConfig configures an RPCClient
type RPCConfig struct {
	URL           string
	Contract      string
	Timeout       time.Duration
	PollInterval  time.Duration
	SubmitTimeout time.Duration
	RateLimit     float64
	Burst         int
	Relay         RelayConfig
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Envelope is a signed invocation as sent to the RPC node or relay
type Envelope struct {
	Contract  string `json:"contract"`
	Signer    string `json:"signer"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type sendResult struct {
	Status      TxStatus `json:"status"`
	Hash        string   `json:"hash"`
	ErrorResult string   `json:"errorResult,omitempty"`
}

// RPCClient talks JSON-RPC 2.0 to a contract RPC node
type RPCClient struct {
	cfg       RPCConfig
	http      *http.Client
	keys      *Keyring
	limiter   *rate.Limiter
	logger    *zap.Logger
	onCredits func(credits int64)
}

// NewRPCClient creates a new RPC client signing with keys
func NewRPCClient(cfg RPCConfig, keys *Keyring, logger *zap.Logger) *RPCClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		keys:    keys,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}
}

// OnCredits registers a hook receiving the relay credit balance after each
// relayed submission.
func (c *RPCClient) OnCredits(fn func(credits int64)) {
	c.onCredits = fn
}

// call performs a single JSON-RPC request and decodes its result into out
func (c *RPCClient) call(ctx context.Context, method string, params, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %v", ErrTransport, err)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: http %d: %s", ErrTransport, method, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrTransport, method, err)
	}
	if rr.Error != nil {
		if code, ok := DecodeContractError(rr.Error.Message); ok {
			return &ContractError{Code: code}
		}
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, rr.Error)
	}
	if out == nil || len(rr.Result) == 0 || string(rr.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrTransport, method, err)
	}
	return nil
}

// CurrentBlock returns the farm index and the entropy when exposed
func (c *RPCClient) CurrentBlock(ctx context.Context) (FarmIndex, error) {
	var idx FarmIndex
	err := c.call(ctx, MethodGetFarm, map[string]string{"contract": c.cfg.Contract}, &idx)
	return idx, err
}

// BlockDetails returns the details of block, or nil when absent
func (c *RPCClient) BlockDetails(ctx context.Context, block uint32) (*BlockDetails, error) {
	var details *BlockDetails
	params := map[string]interface{}{"contract": c.cfg.Contract, "block": block}
	if err := c.call(ctx, MethodGetBlock, params, &details); err != nil {
		return nil, err
	}
	return details, nil
}

// Pail returns the pail of farmer at block, or nil when absent
func (c *RPCClient) Pail(ctx context.Context, farmer string, block uint32) (*Pail, error) {
	var pail *Pail
	params := map[string]interface{}{"contract": c.cfg.Contract, "farmer": farmer, "block": block}
	if err := c.call(ctx, MethodGetPail, params, &pail); err != nil {
		return nil, err
	}
	return pail, nil
}

// Balances returns the asset balances of farmer
func (c *RPCClient) Balances(ctx context.Context, farmer string) (Balances, error) {
	balances := Balances{}
	params := map[string]string{"contract": c.cfg.Contract, "account": farmer}
	if err := c.call(ctx, MethodGetBalances, params, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// Submit signs inv with the farmer key and waits for its final status
func (c *RPCClient) Submit(ctx context.Context, inv Invocation) (*Response, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	env, err := c.envelope(inv)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	var resp *Response
	if c.cfg.Relay.URL != "" {
		resp, err = c.relay(ctx, env)
	} else {
		resp, err = c.sendAndPoll(ctx, env)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("transaction final",
		zap.String("op", string(inv.Op)),
		zap.String("farmer", inv.Farmer),
		zap.String("tx", resp.TxHash),
		zap.String("status", string(resp.Status)),
		zap.Int64("fee", resp.FeeCharged))

	if resp.Status != StatusSuccess {
		return nil, resultError(inv.Op, resp)
	}
	return resp, nil
}

func (c *RPCClient) envelope(inv Invocation) (Envelope, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode invocation: %w", err)
	}
	sig, err := c.keys.Sign(inv.Farmer, payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Contract:  c.cfg.Contract,
		Signer:    inv.Farmer,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func (c *RPCClient) sendAndPoll(ctx context.Context, env Envelope) (*Response, error) {
	var sent sendResult
	if err := c.call(ctx, MethodSendTransaction, env, &sent); err != nil {
		return nil, err
	}
	switch sent.Status {
	case StatusError, StatusTryAgainLater:
		return &Response{Status: sent.Status, TxHash: sent.Hash, ResultError: sent.ErrorResult}, nil
	}
	if sent.Hash == "" {
		return nil, fmt.Errorf("%w: sendTransaction returned no hash", ErrTransport)
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var resp Response
		err := c.call(ctx, MethodGetTransaction, map[string]string{"hash": sent.Hash}, &resp)
		if err != nil && !errors.Is(err, ErrTransport) {
			return nil, err
		}
		if err == nil && resp.Status.Final() {
			if resp.TxHash == "" {
				resp.TxHash = sent.Hash
			}
			return &resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %v", ErrTransport, sent.Hash, ctx.Err())
		case <-ticker.C:
		}
	}
}
