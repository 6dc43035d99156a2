// Package decision manages one pairing session's MATCH/PASS exchange. Two
// channels can resolve the same session: the submission's own REST
// response and a later push event. Whichever arrives first wins through a
// single guarded resolve; every later signal for the session is a no-op.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/metrics"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Status values of one decision.
const (
	StatusIdle       = "idle"
	StatusSubmitting = "submitting"
	StatusWaiting    = "waiting"
	StatusResolved   = "resolved"
)

// DefaultAutoPassDelay is how long the user gets before a PASS is
// submitted on their behalf.
const DefaultAutoPassDelay = 60 * time.Second

// Result is the immutable outcome of a resolved session.
type Result struct {
	Outcome              string
	MatchID              string
	PartnerRevealVersion int
	PartnerReveal        *models.PartnerReveal
}

// Coordinator holds the decision state for exactly one sessionId. A new
// session requires a new Coordinator.
type Coordinator struct {
	api       *api.Client
	log       zerolog.Logger
	sessionID string
	delay     time.Duration

	mu         sync.Mutex
	choice     string
	status     string
	submitted  bool // latch: set at most once for the session's lifetime
	result     *Result
	timer      *time.Timer
	closed     bool
	done       chan struct{}
	doneClosed bool
	unsubs     []func()
}

// Option adjusts a Coordinator at construction time.
type Option func(*Coordinator)

// WithAutoPassDelay overrides the auto-pass delay (tests).
func WithAutoPassDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

// New builds the Coordinator for sessionID and attaches its resolution
// handlers to the control-plane channel. The deprecated match:rejected
// alias is folded onto match:non_mutual by the channel, so one handler
// covers both.
func New(apiClient *api.Client, control *realtime.Channel, sessionID string, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:       apiClient,
		log:       log.With().Str("component", "decision").Str("sessionId", sessionID).Logger(),
		sessionID: sessionID,
		delay:     DefaultAutoPassDelay,
		status:    StatusIdle,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubs = append(c.unsubs,
		control.Subscribe(models.EventMatchMutual, c.handleMutual),
		control.Subscribe(models.EventNonMutual, c.handleNonMutual),
	)
	return c
}

// SessionID returns the session this coordinator is scoped to.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Status returns the current decision status.
func (c *Coordinator) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Choice returns the submitted choice, or "" when none was made.
func (c *Coordinator) Choice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.choice
}

// Result returns the resolution, or nil while unresolved.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	res := *c.result
	return &res
}

// Done is closed exactly once: on resolution, or on Close when the
// session is abandoned unresolved. Check Result to tell the two apart.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// SubmitChoice submits MATCH or PASS. The submitted latch makes a second
// call a silent no-op, whether it came from the UI or the auto-pass
// timer. On a transient failure the latch is released so the user can
// retry; on an auth failure the state is abandoned unresolved (the API
// client has already forced the logout).
func (c *Coordinator) SubmitChoice(ctx context.Context, choice string) error {
	c.mu.Lock()
	if c.submitted || c.status == StatusResolved || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.submitted = true
	c.status = StatusSubmitting
	c.choice = choice
	c.mu.Unlock()

	var resp models.ChoiceResponse
	err := c.api.Post(ctx, "/sessions/"+c.sessionID+"/choice", models.ChoiceRequest{Choice: choice}, &resp)
	if err != nil {
		if errors.Is(err, api.ErrAuthExpired) {
			c.log.Warn().Msg("choice rejected, session expired")
			return err
		}
		c.mu.Lock()
		// A push may have resolved the session while the call was in
		// flight; only an unresolved decision reopens for retry.
		if c.status != StatusResolved {
			c.submitted = false
			c.status = StatusIdle
			c.choice = ""
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("choice submission failed")
		return err
	}

	if resp.Status == "resolved" {
		c.resolveOnce(Result{
			Outcome:              normalizeOutcome(resp.Outcome),
			MatchID:              resp.MatchID,
			PartnerRevealVersion: resp.PartnerRevealVersion,
			PartnerReveal:        resp.PartnerReveal,
		}, "rest")
		return nil
	}

	c.mu.Lock()
	if c.status == StatusSubmitting {
		c.status = StatusWaiting
	}
	c.mu.Unlock()
	return nil
}

// StartAutoPass arms the auto-pass timer once. When it fires and nothing
// has been submitted yet, it submits PASS exactly as a manual press
// would; the latch and resolve guards make a late or redundant firing a
// no-op.
func (c *Coordinator) StartAutoPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil || c.status == StatusResolved || c.closed {
		return
	}
	c.timer = time.AfterFunc(c.delay, c.autoPass)
}

func (c *Coordinator) autoPass() {
	c.mu.Lock()
	if c.submitted || c.status == StatusResolved || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Info().Msg("auto-passing")
	metrics.AutoPasses.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.SubmitChoice(ctx, models.ChoicePass)
}

// resolveOnce writes the result if and only if the session has not
// already resolved. Both the REST path and the push path go through here;
// neither may assume it is the only writer.
func (c *Coordinator) resolveOnce(res Result, source string) bool {
	c.mu.Lock()
	if c.status == StatusResolved {
		c.mu.Unlock()
		return false
	}
	c.status = StatusResolved
	c.result = &res
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.doneClosed {
		c.doneClosed = true
		close(c.done)
	}
	c.mu.Unlock()

	metrics.DecisionsResolved.WithLabelValues(res.Outcome, source).Inc()
	c.log.Info().Str("outcome", res.Outcome).Str("source", source).Msg("session resolved")
	return true
}

// Close cancels the timer and detaches the push handlers. A timer that
// already fired is harmless: the same guards that enforce single
// resolution make it a no-op.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.doneClosed {
		c.doneClosed = true
		close(c.done)
	}
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (c *Coordinator) handleMutual(data json.RawMessage) {
	var payload models.MutualEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.SessionID != c.sessionID {
		return // a different pairing attempt's outcome
	}
	c.resolveOnce(Result{
		Outcome:              models.OutcomeMutual,
		MatchID:              payload.MatchID,
		PartnerRevealVersion: payload.PartnerRevealVersion,
		PartnerReveal:        payload.PartnerReveal,
	}, "push")
}

func (c *Coordinator) handleNonMutual(data json.RawMessage) {
	var payload models.NonMutualEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.SessionID != c.sessionID {
		return
	}
	c.resolveOnce(Result{Outcome: models.OutcomeRejected}, "push")
}

// normalizeOutcome folds the server's non_mutual spelling onto the
// client-side rejected outcome.
func normalizeOutcome(outcome string) string {
	if outcome == "non_mutual" {
		return models.OutcomeRejected
	}
	return outcome
}
