// Package rpc implements the authenticated request/response channel between
// the two channel endpoints.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/R3E-Network/paychan/internal/errors"
	"github.com/R3E-Network/paychan/pkg/logger"
)

// TokenSource supplies the bearer secret for outbound calls.
type TokenSource func() string

// request is the wire form of an outbound call.
type request struct {
	Method string            `json:"method"`
	Prefix string            `json:"prefix"`
	Args   []json.RawMessage `json:"args"`
}

// response is the wire form of a reply.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls methods on the peer. The URI list is ordered: the first
// endpoint that answers wins, and a call fails only after every endpoint has
// been attempted.
type Client struct {
	uris       []string
	prefix     string
	token      TokenSource
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a client for the given peer endpoints.
func NewClient(uris []string, prefix string, token TokenSource, log *logger.Logger) (*Client, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("at least one RPC URI required")
	}
	if log == nil {
		log = logger.NewDefault("rpc-client")
	}
	return &Client{
		uris:       uris,
		prefix:     prefix,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}, nil
}

// Call invokes method with the given positional arguments. A transport
// failure triggers failover to the next URI; an error envelope from the peer
// is an answer and is returned as-is.
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		encoded[i] = raw
	}

	body, err := json.Marshal(request{Method: method, Prefix: c.prefix, Args: encoded})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for _, uri := range c.uris {
		result, err := c.post(ctx, uri, body)
		if err == nil {
			return result, nil
		}
		if se := errors.Get(err); se != nil {
			// The peer answered with a protocol error; failover would
			// only replay the same rejection.
			return nil, err
		}
		c.log.WithError(err).Warnf("rpc %s to %s failed", method, uri)
		lastErr = err
	}
	return nil, fmt.Errorf("rpc %s failed on all endpoints: %w", method, lastErr)
}

func (c *Client) post(ctx context.Context, uri string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, errors.FromWire(parsed.Error.Name, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parsed.Result, nil
}
