// Package api is the REST half of the backend contract: a thin JSON client
// with bearer auth and uniform error classification. 401/403 anywhere
// triggers the auth store's logout fanout so the whole app session tears
// down the same way regardless of which call tripped it.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/auth"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

const defaultTimeout = 15 * time.Second

// Client issues authenticated JSON requests against the pairing backend.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *auth.Store
	log     zerolog.Logger
}

// NewClient builds a Client for the given base URL. creds supplies the
// bearer token and receives the forced logout on auth failures.
func NewClient(baseURL string, creds *auth.Store, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		creds:   creds,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Delete issues a DELETE and decodes the JSON response into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindTransient, Message: fmt.Sprintf("encode request: %v", err), cause: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindTransient, Message: fmt.Sprintf("build request: %v", err), cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return &Error{Kind: KindTransient, Message: fmt.Sprintf("%s %s: %v", method, path, err), cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindTransient, Status: resp.StatusCode, cause: err}
	}

	if resp.StatusCode >= 400 {
		return c.classify(method, path, resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), cause: err}
		}
	}
	return nil
}

// classify maps a non-2xx response onto the error taxonomy. The reveal
// gate is carved out of 403 before the generic auth-expired path.
func (c *Client) classify(method, path string, status int, raw []byte) error {
	var body models.APIError
	_ = json.Unmarshal(raw, &body)

	switch {
	case status == http.StatusForbidden && body.Code == RevealAckRequiredCode:
		return &Error{Kind: KindRevealGate, Status: status, Code: body.Code, Message: body.Message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.log.Warn().Int("status", status).Str("path", path).Msg("auth rejected, forcing logout")
		c.creds.Logout()
		return &Error{Kind: KindAuthExpired, Status: status, Code: body.Code, Message: body.Message}
	case status == http.StatusNotFound:
		return &Error{Kind: KindMissingContext, Status: status, Code: body.Code, Message: body.Message}
	default:
		return &Error{Kind: KindTransient, Status: status, Code: body.Code,
			Message: fmt.Sprintf("%s %s: status %d", method, path, status)}
	}
}
