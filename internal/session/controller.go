// Package session is the top-level driver of one pairing attempt: it
// consumes the queue's match offer, hands the channel credentials to the
// external video transport, funnels every way a call can end into a single
// transition, runs the decision exchange and performs the reveal-gated
// hand-off into chat.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/chat"
	"github.com/jawaracloud/live-pairing/internal/decision"
	"github.com/jawaracloud/live-pairing/internal/queue"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Lifecycle stages.
const (
	StageIdle     = "idle"
	StageInCall   = "in_call"
	StageDeciding = "deciding"
	StageReveal   = "reveal" // mutual outcome, acknowledgment still pending
	StageChat     = "chat"
)

// DefaultCallDuration is the fixed on-screen length of a live call.
const DefaultCallDuration = 45 * time.Second

// Callbacks are the transport events surfaced during a call. They update
// status text only; none of them ends the session.
type Callbacks struct {
	OnJoinSuccess     func()
	OnUserJoined      func(uid int)
	OnUserOffline     func(uid int)
	OnTokenWillExpire func()
}

// VideoTransport is the external real-time media engine, consumed only
// through join/leave and its callbacks.
type VideoTransport interface {
	Join(ctx context.Context, offer models.MatchOffer, cb Callbacks) error
	Leave()
}

// Controller owns the stage machine for the current pairing attempt.
type Controller struct {
	api       *api.Client
	queue     *queue.Coordinator
	control   *realtime.Channel
	chat      *chat.Client
	transport VideoTransport
	log       zerolog.Logger

	callDuration time.Duration
	decisionOpts []decision.Option

	mu         sync.Mutex
	stage      string
	offer      *models.MatchOffer
	statusText string
	callTimer  *time.Timer
	decision   *decision.Coordinator
	matchID    string
	onResolved func(decision.Result)
	unsubs     []func()
}

// Option adjusts a Controller at construction time.
type Option func(*Controller)

// WithCallDuration overrides the fixed call length.
func WithCallDuration(d time.Duration) Option {
	return func(c *Controller) { c.callDuration = d }
}

// WithDecisionOptions forwards options to every decision coordinator the
// controller creates.
func WithDecisionOptions(opts ...decision.Option) Option {
	return func(c *Controller) { c.decisionOpts = opts }
}

// New wires the controller to the queue coordinator and the control-plane
// channel. The controller reacts to queue matches from then on.
func New(apiClient *api.Client, q *queue.Coordinator, control *realtime.Channel, chatClient *chat.Client, transport VideoTransport, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		api:          apiClient,
		queue:        q,
		control:      control,
		chat:         chatClient,
		transport:    transport,
		log:          log.With().Str("component", "session").Logger(),
		callDuration: DefaultCallDuration,
		stage:        StageIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	q.OnMatch(c.handleMatch)
	c.unsubs = append(c.unsubs, control.Subscribe(models.EventSessionEnd, c.handleSessionEnd))
	return c
}

// OnResolved registers the callback invoked (outside the lock) when the
// decision for the current session resolves.
func (c *Controller) OnResolved(fn func(decision.Result)) {
	c.mu.Lock()
	c.onResolved = fn
	c.mu.Unlock()
}

// Stage returns the current lifecycle stage.
func (c *Controller) Stage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// StatusText returns the last transport status line.
func (c *Controller) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// MatchID returns the match id after a mutual resolution, or "".
func (c *Controller) MatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchID
}

// Partner returns the display reference for the current session's partner,
// or "" outside a session.
func (c *Controller) Partner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offer == nil {
		return ""
	}
	return c.offer.PartnerRef()
}

// Decision returns the coordinator for the session being decided, or nil.
func (c *Controller) Decision() *decision.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision
}

func (c *Controller) setStatus(text string) {
	c.mu.Lock()
	c.statusText = text
	c.mu.Unlock()
}

// handleMatch starts the live call for a fresh match offer. A second offer
// while a session is active is ignored; the queue coordinator already
// de-duplicates offers for the same sessionId.
func (c *Controller) handleMatch(offer models.MatchOffer) {
	c.mu.Lock()
	if c.stage != StageIdle {
		c.mu.Unlock()
		c.log.Warn().Str("sessionId", offer.SessionID).Msg("ignoring match offer mid-session")
		return
	}
	c.queue.Consume()
	c.stage = StageInCall
	c.offer = &offer
	c.statusText = "Waiting for session to start..."
	sessionID := offer.SessionID
	c.callTimer = time.AfterFunc(c.callDuration, func() {
		c.endSession(sessionID, "duration")
	})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := c.transport.Join(ctx, offer, Callbacks{
		OnJoinSuccess:     func() { c.setStatus("Live now") },
		OnUserJoined:      func(int) { c.setStatus("Partner connected") },
		OnUserOffline:     func(int) { c.setStatus("Partner disconnected") },
		OnTokenWillExpire: func() { c.setStatus("Session ending soon...") },
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("video join failed")
		c.setStatus("Unable to start video.")
	}
}

// EndCall is the local user's "end" press.
func (c *Controller) EndCall() {
	c.mu.Lock()
	var sessionID string
	if c.offer != nil {
		sessionID = c.offer.SessionID
	}
	c.mu.Unlock()
	c.endSession(sessionID, "local")
}

// handleSessionEnd reacts to a server-pushed end for this session, or to a
// session-agnostic broadcast end.
func (c *Controller) handleSessionEnd(data json.RawMessage) {
	var payload models.SessionEndEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	c.mu.Lock()
	current := ""
	if c.offer != nil {
		current = c.offer.SessionID
	}
	c.mu.Unlock()
	if payload.SessionID != "" && payload.SessionID != current {
		return
	}
	c.endSession(current, "server")
}

// endSession is the single funnel for every way the call ends. Only the
// in_call stage advances; the duration timer, the local press and the
// server push race here and the first one wins.
func (c *Controller) endSession(sessionID, cause string) {
	c.mu.Lock()
	if c.stage != StageInCall || c.offer == nil || c.offer.SessionID != sessionID {
		c.mu.Unlock()
		return
	}
	if c.callTimer != nil {
		c.callTimer.Stop()
		c.callTimer = nil
	}
	c.stage = StageDeciding
	c.statusText = ""
	d := decision.New(c.api, c.control, sessionID, c.log, c.decisionOpts...)
	c.decision = d
	c.mu.Unlock()

	c.log.Info().Str("sessionId", sessionID).Str("cause", cause).Msg("call ended")
	c.transport.Leave()
	d.StartAutoPass()
	go c.awaitResolution(d)
}

// SubmitChoice forwards the user's choice to the active decision. Without
// an active decision it reports missing context.
func (c *Controller) SubmitChoice(ctx context.Context, choice string) error {
	c.mu.Lock()
	d := c.decision
	c.mu.Unlock()
	if d == nil {
		return &api.Error{Kind: api.KindMissingContext, Message: "session: no decision in progress"}
	}
	return d.SubmitChoice(ctx, choice)
}

func (c *Controller) awaitResolution(d *decision.Coordinator) {
	<-d.Done()
	res := d.Result()
	if res == nil {
		return
	}

	c.mu.Lock()
	if c.decision != d {
		c.mu.Unlock()
		return // a newer session superseded this one
	}
	c.offer = nil
	c.decision = nil
	if res.Outcome == models.OutcomeMutual {
		c.stage = StageReveal
		c.matchID = res.MatchID
	} else {
		// Token accounting was settled at queue join/leave time; nothing
		// to do here but return to idle.
		c.stage = StageIdle
		c.matchID = ""
	}
	cb := c.onResolved
	c.mu.Unlock()

	d.Close()
	if cb != nil {
		cb(*res)
	}
}

// AcknowledgeReveal confirms the partner reveal was shown, completing the
// hand-off into chat. Messaging before this step fails with
// api.ErrRevealAckRequired.
func (c *Controller) AcknowledgeReveal(ctx context.Context) (models.RevealPayload, error) {
	c.mu.Lock()
	matchID := c.matchID
	stage := c.stage
	c.mu.Unlock()

	if stage != StageReveal || matchID == "" {
		return models.RevealPayload{}, &api.Error{Kind: api.KindMissingContext, Message: "session: no reveal pending"}
	}
	payload, err := c.chat.AcknowledgeReveal(ctx, matchID)
	if err != nil {
		return payload, err
	}
	c.mu.Lock()
	if c.stage == StageReveal && c.matchID == matchID {
		c.stage = StageChat
	}
	c.mu.Unlock()
	return payload, nil
}

// Reset returns the controller to idle after a chat hand-off or an
// abandoned session.
func (c *Controller) Reset() {
	c.mu.Lock()
	d := c.decision
	if c.callTimer != nil {
		c.callTimer.Stop()
		c.callTimer = nil
	}
	c.stage = StageIdle
	c.offer = nil
	c.decision = nil
	c.matchID = ""
	c.statusText = ""
	c.mu.Unlock()
	if d != nil {
		d.Close()
	}
}

// Close tears the controller down: timers stopped, handlers detached. A
// timer that already fired hits the endSession guards and does nothing.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	d := c.decision
	if c.callTimer != nil {
		c.callTimer.Stop()
		c.callTimer = nil
	}
	c.decision = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if d != nil {
		d.Close()
	}
}
