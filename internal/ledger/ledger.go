// Package ledger tracks the spendable token balance. The authoritative
// value lives on the remote ledger service; locally the last confirmed
// value is overlaid with the deltas of in-flight operations so the UI can
// react before the server answers. A server-reported value always wins
// over any optimistic guess.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// ErrNoCheckoutURL is returned when a purchase response carries no
// checkout URL under any of its known field names.
var ErrNoCheckoutURL = errors.New("ledger: checkout URL missing from purchase response")

// Client wraps the balance and purchase endpoints and the optimistic
// overlay on top of them.
type Client struct {
	api *api.Client
	log zerolog.Logger

	mu        sync.Mutex
	confirmed int
	pending   int // sum of unconfirmed in-flight deltas
	gen       int // bumped on authoritative confirm; older mutations are stale
}

// NewClient builds a ledger client starting from a zero confirmed balance;
// call Refresh to load the real one.
func NewClient(apiClient *api.Client, log zerolog.Logger) *Client {
	return &Client{
		api: apiClient,
		log: log.With().Str("component", "ledger").Logger(),
	}
}

// Balance returns the locally observed balance: last confirmed value plus
// unconfirmed in-flight deltas.
func (c *Client) Balance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed + c.pending
}

// Unconfirmed reports whether any optimistic delta is still in flight.
func (c *Client) Unconfirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != 0
}

// Mutation is one optimistic balance change: applied immediately, then
// either rolled back on failure or confirmed by an authoritative server
// value. Each terminal call is effective at most once, and a mutation
// outlived by an authoritative confirm is a no-op — its delta was already
// absorbed into the confirmed value.
type Mutation struct {
	ledger *Client
	delta  int
	gen    int
	done   bool // guarded by ledger.mu
}

// Apply records an optimistic delta and returns the command object that
// settles it.
func (c *Client) Apply(delta int) *Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending += delta
	return &Mutation{ledger: c, delta: delta, gen: c.gen}
}

// Rollback undoes the optimistic delta. No-op if already settled or if an
// authoritative confirm superseded the mutation.
func (m *Mutation) Rollback() {
	c := m.ledger
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.done {
		return
	}
	m.done = true
	if m.gen != c.gen {
		return // pending was already dropped by an authoritative confirm
	}
	c.pending -= m.delta
}

// Confirm settles the mutation against an authoritative server balance.
// The server value replaces the confirmed balance outright, whether or not
// it matches the optimistic guess. No-op if already settled or superseded
// by a newer authoritative confirm.
func (m *Mutation) Confirm(serverValue int) {
	c := m.ledger
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.done {
		return
	}
	m.done = true
	if m.gen != c.gen {
		return
	}
	c.pending -= m.delta
	c.confirmed = serverValue
}

// Confirm replaces the confirmed balance with a server-reported value and
// drops every pending delta: after an authoritative read nothing is
// unconfirmed anymore. Mutations still outstanding become stale; settling
// them later must not move the balance again.
func (c *Client) Confirm(serverValue int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = serverValue
	c.pending = 0
	c.gen++
}

// Refresh reads GET /tokens/balance and confirms the result. Returns the
// fresh balance.
func (c *Client) Refresh(ctx context.Context) (int, error) {
	var resp models.BalanceResponse
	if err := c.api.Get(ctx, "/tokens/balance", &resp); err != nil {
		return c.Balance(), err
	}
	c.Confirm(resp.TokenBalance)
	return resp.TokenBalance, nil
}

// Checkout is the handle returned by a started purchase; the caller opens
// URL in the payment provider's surface.
type Checkout struct {
	URL       string
	SessionID string
}

// Purchase starts a token pack purchase and returns its checkout handle.
func (c *Client) Purchase(ctx context.Context, packID string) (Checkout, error) {
	var resp models.PurchaseResponse
	if err := c.api.Post(ctx, "/tokens/purchase", models.PurchaseRequest{PackID: packID}, &resp); err != nil {
		return Checkout{}, err
	}
	url := resp.CheckoutTarget()
	if url == "" {
		return Checkout{}, ErrNoCheckoutURL
	}
	c.log.Debug().Str("pack", packID).Msg("checkout started")
	return Checkout{URL: url, SessionID: resp.SessionID}, nil
}
