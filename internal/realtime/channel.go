// Package realtime delivers backend push events to subscribers. One
// connection exists per logical namespace (control-plane, chat); every
// coordinator sharing a namespace shares that connection and must not tear
// it down for the others. Events arrive as JSON envelopes on a per-user
// subject and are dispatched in arrival order; a transport reconnect is a
// resume from an unknown gap, never a replay.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Namespaces.
const (
	NamespaceControl = "control"
	NamespaceChat    = "chat"
)

// Credential identifies one authenticated connection.
type Credential struct {
	Token  string
	UserID string
}

// Subscription is an active transport subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the minimal transport surface a Channel needs. The production
// implementation wraps a NATS connection; tests inject a fake.
type Conn interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	IsConnected() bool
	Close()
}

// DialFunc establishes a Conn for a credential. onStatus is invoked by the
// transport on disconnect/reconnect with the new connected state.
type DialFunc func(cred Credential, onStatus func(connected bool)) (Conn, error)

// Handler receives the raw JSON payload of one event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id int
	fn Handler
}

type statusEntry struct {
	id int
	fn func(connected bool)
}

// Channel owns the single connection for one namespace and the subscriber
// registry on top of it. Changing the credential tears the connection down
// and, when the new credential is non-empty, re-establishes it with all
// live subscriptions re-attached.
type Channel struct {
	namespace string
	dial      DialFunc
	log       zerolog.Logger
	connected atomic.Bool

	mu       sync.Mutex
	conn     Conn
	sub      Subscription
	cred     Credential
	handlers map[string][]handlerEntry
	watchers []statusEntry
	nextID   int
}

// NewChannel builds a Channel for one namespace. No connection is made
// until Connect.
func NewChannel(namespace string, dial DialFunc, log zerolog.Logger) *Channel {
	return &Channel{
		namespace: namespace,
		dial:      dial,
		log:       log.With().Str("component", "realtime").Str("namespace", namespace).Logger(),
		handlers:  map[string][]handlerEntry{},
	}
}

// Subject returns the push subject for a user in this namespace.
func (c *Channel) Subject(userID string) string {
	return fmt.Sprintf("pairing.%s.%s", c.namespace, userID)
}

// Connect establishes (or re-establishes) the connection for cred. Any
// existing connection is torn down first; registered handlers survive the
// swap and keep firing on the new connection.
func (c *Channel) Connect(cred Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	if cred.Token == "" {
		return nil
	}

	conn, err := c.dial(cred, func(connected bool) {
		c.connected.Store(connected)
		c.log.Debug().Bool("connected", connected).Msg("transport status")
		c.notifyStatus(connected)
	})
	if err != nil {
		return fmt.Errorf("dial %s namespace: %w", c.namespace, err)
	}

	sub, err := conn.Subscribe(c.Subject(cred.UserID), c.dispatch)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s namespace: %w", c.namespace, err)
	}

	c.conn = conn
	c.sub = sub
	c.cred = cred
	c.connected.Store(conn.IsConnected())
	return nil
}

// Disconnect tears down the connection. Handlers stay registered and
// resume on the next Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Channel) teardownLocked() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.cred = Credential{}
	c.connected.Store(false)
}

// Connected reports the transport state.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Subscribe registers handler for event and returns its unsubscribe func.
// Deprecated event aliases are accepted but registered under the canonical
// name, so a subscriber to match:non_mutual also sees match:rejected.
func (c *Channel) Subscribe(event string, handler Handler) func() {
	event = canonicalEvent(event)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[event]
		for i, e := range entries {
			if e.id == id {
				c.handlers[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// OnStatus registers fn for transport connect/disconnect flips and returns
// its unsubscribe func. Only transport-reported flips notify; an explicit
// Disconnect does not, since the caller initiated it.
func (c *Channel) OnStatus(fn func(connected bool)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers = append(c.watchers, statusEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.watchers {
			if e.id == id {
				c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
				break
			}
		}
	}
}

func (c *Channel) notifyStatus(connected bool) {
	c.mu.Lock()
	watchers := make([]statusEntry, len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	for _, e := range watchers {
		e.fn(connected)
	}
}

// dispatch decodes one envelope and invokes the handlers registered for
// its canonical event name, in registration order. Called by the transport
// in arrival order; no reordering or coalescing happens here.
func (c *Channel) dispatch(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("dropping undecodable push frame")
		return
	}
	event := canonicalEvent(env.Event)

	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.mu.Unlock()

	for _, e := range entries {
		e.fn(env.Data)
	}
}

// canonicalEvent folds deprecated event aliases onto their canonical
// names. match:rejected is kept for one compatibility window only.
func canonicalEvent(event string) string {
	switch event {
	case models.EventRejectedAlias:
		return models.EventNonMutual
	case models.EventMatchLegacy:
		return models.EventMatchFound
	default:
		return event
	}
}
