package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RelayConfig points submissions at a fee-sponsoring relay instead of the
// RPC node. A zero URL disables the relay.
type RelayConfig struct {
	URL   string
	Token string
}

type relayResponse struct {
	Response
	Credits *int64 `json:"credits,omitempty"`
}

// relay posts env to the relay, which answers with the final response
func (c *RPCClient) relay(ctx context.Context, env Envelope) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %v", ErrTransport, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Relay.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: relay: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Relay.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Relay.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: relay: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: relay: read: %v", ErrTransport, err)
	}

	// The relay reports contract failures as a 400 with a diagnostic body.
	if resp.StatusCode != http.StatusOK {
		if code, ok := DecodeContractError(string(raw)); ok {
			return &Response{Status: StatusFailed, ResultError: fmt.Sprintf("Error(Contract, #%d)", code)}, nil
		}
		return nil, fmt.Errorf("%w: relay: http %d: %s", ErrTransport, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var rr relayResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("%w: relay: decode: %v", ErrTransport, err)
	}
	if rr.Credits != nil && c.onCredits != nil {
		c.onCredits(*rr.Credits)
	}
	if rr.Status == "" {
		rr.Status = StatusSuccess
	}
	return &rr.Response, nil
}
