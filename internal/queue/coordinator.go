// Package queue drives the client side of the pairing queue: the ticket
// state machine idle → joining → waiting → matched, fed by both the REST
// join/leave calls and the control-plane push events. Either channel may
// report a transition first; each transition function re-checks state so
// the first valid signal wins and the other becomes a no-op.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/ledger"
	"github.com/jawaracloud/live-pairing/internal/metrics"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// DefaultRegion is used when Join is called with an empty region.
const DefaultRegion = "au"

// Ticket is the user's standing request to be paired. Owned exclusively by
// the Coordinator; read it through Ticket(), which returns a copy.
type Ticket struct {
	Status               string
	EstimatedWaitSeconds *int
	UsersSearching       *int
	QueueKey             string
	TokenSpent           bool
	Offer                *models.MatchOffer
}

// Coordinator manages exactly one active Ticket. One token is debited
// optimistically per join attempt; the debit is rolled back when the join
// attempt dies without a match (call failure, or a leave that abandons the
// in-flight join), credited back when a leave is refunded, and left
// standing once the ticket reaches matched.
type Coordinator struct {
	api    *api.Client
	ledger *ledger.Client
	log    zerolog.Logger

	mu     sync.Mutex
	ticket Ticket
	debit  *ledger.Mutation

	onMatch func(models.MatchOffer)
	unsubs  []func()
}

// New builds a Coordinator and attaches its push handlers to the
// control-plane channel. Call Close to detach them; the channel itself is
// shared and stays up.
func New(apiClient *api.Client, tokens *ledger.Client, control *realtime.Channel, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		api:    apiClient,
		ledger: tokens,
		log:    log.With().Str("component", "queue").Logger(),
		ticket: Ticket{Status: models.QueueIdle},
	}
	c.unsubs = append(c.unsubs,
		control.Subscribe(models.EventQueueEstimate, c.handleEstimate),
		control.Subscribe(models.EventQueueStatus, c.handleStatus),
		control.Subscribe(models.EventMatchFound, c.handleMatchFound),
		control.OnStatus(c.handleTransport),
	)
	return c
}

// OnMatch registers the callback invoked (outside the lock) when the
// ticket transitions to matched.
func (c *Coordinator) OnMatch(fn func(models.MatchOffer)) {
	c.mu.Lock()
	c.onMatch = fn
	c.mu.Unlock()
}

// Ticket returns a snapshot of the current ticket.
func (c *Coordinator) Ticket() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticket
}

// Join enters the queue. A no-op while already joining or waiting. The
// token debit is applied before the call and rolled back if the call
// fails.
func (c *Coordinator) Join(ctx context.Context, region string) error {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		region = DefaultRegion
	}

	c.mu.Lock()
	if c.ticket.Status == models.QueueJoining || c.ticket.Status == models.QueueWaiting {
		c.mu.Unlock()
		return nil
	}
	c.ticket = Ticket{Status: models.QueueJoining}
	debit := c.ledger.Apply(-1)
	c.debit = debit
	c.mu.Unlock()

	var resp models.JoinQueueResponse
	err := c.api.Post(ctx, "/queue/join", models.JoinQueueRequest{
		Region:      region,
		Preferences: map[string]string{},
	}, &resp)
	if err != nil {
		c.mu.Lock()
		// A match:found push can overtake the failing call; once matched
		// the spend stands and only a joining ticket is reset.
		matched := c.ticket.Status == models.QueueMatched
		if c.ticket.Status == models.QueueJoining {
			c.ticket = Ticket{Status: models.QueueIdle}
			c.debit = nil
		}
		c.mu.Unlock()
		if !matched {
			debit.Rollback()
		}
		metrics.QueueJoins.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Msg("queue join failed")
		return err
	}

	c.mu.Lock()
	switch c.ticket.Status {
	case models.QueueJoining:
		c.ticket.Status = models.QueueWaiting
		fallthrough
	case models.QueueWaiting, models.QueueMatched:
		// A match:found may already have arrived while the call was in
		// flight; the spend and queue key still belong to this ticket.
		c.ticket.TokenSpent = true
		c.ticket.QueueKey = resp.QueueKey
		c.mu.Unlock()
	default:
		// A concurrent Leave cleared the ticket before the response
		// landed; do not resurrect it, and undo the spend it abandoned.
		c.mu.Unlock()
		debit.Rollback()
		metrics.QueueJoins.WithLabelValues("abandoned").Inc()
		c.log.Info().Msg("queue join abandoned by concurrent leave")
		return nil
	}

	metrics.QueueJoins.WithLabelValues("ok").Inc()
	metrics.TokensSpent.Inc()
	c.log.Info().Str("region", region).Str("queueKey", resp.QueueKey).Msg("waiting in queue")
	return nil
}

// Leave exits the queue and reports whether the spent token was refunded.
// On an idle ticket it returns (false, nil) without a network call. Local
// state is cleared to idle unconditionally, even when the leave call
// itself fails; in that case refund is false and the call error is
// returned.
//
// Refund rule: an explicit refunded flag from the server is trusted
// unconditionally. When the flag is absent the local heuristic applies:
// refund only if a token was recorded spent and the ticket had not
// reached matched.
func (c *Coordinator) Leave(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.ticket.Status == models.QueueIdle {
		c.mu.Unlock()
		return false, nil
	}
	tokenSpent := c.ticket.TokenSpent
	wasMatched := c.ticket.Status == models.QueueMatched
	wasJoining := c.ticket.Status == models.QueueJoining
	debit := c.debit
	c.mu.Unlock()

	var resp models.LeaveQueueResponse
	callErr := c.api.Delete(ctx, "/queue/leave", &resp)

	refunded := false
	switch {
	case callErr != nil:
		// Nothing trustworthy came back; report no refund.
	case resp.Refunded != nil:
		refunded = *resp.Refunded
	default:
		refunded = tokenSpent && !wasMatched
	}

	c.mu.Lock()
	c.ticket = Ticket{Status: models.QueueIdle}
	c.debit = nil
	c.mu.Unlock()

	if refunded {
		if debit != nil {
			debit.Rollback()
		} else {
			// Refund for a spend this process never recorded (e.g. a
			// restart mid-queue); credit optimistically until the next
			// authoritative read.
			c.ledger.Apply(1)
		}
		metrics.TokensRefunded.Inc()
	} else if wasJoining && debit != nil {
		// The join call was still in flight: its debit was never
		// acknowledged by the server, so abandoning the ticket undoes it.
		debit.Rollback()
	}

	c.log.Info().Bool("refunded", refunded).Err(callErr).Msg("left queue")
	return refunded, callErr
}

// Consume hands the match offer to the lifecycle controller and resets the
// ticket. Returns nil when the ticket is not matched.
func (c *Coordinator) Consume() *models.MatchOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket.Status != models.QueueMatched || c.ticket.Offer == nil {
		return nil
	}
	offer := c.ticket.Offer
	c.ticket = Ticket{Status: models.QueueIdle}
	c.debit = nil // the spend stands once matched
	return offer
}

// Close detaches the push handlers.
func (c *Coordinator) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Coordinator) handleEstimate(data json.RawMessage) {
	var payload models.QueueEstimate
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket.Status != models.QueueWaiting {
		return // estimates are meaningless outside the waiting state
	}
	c.ticket.EstimatedWaitSeconds = payload.Seconds()
}

func (c *Coordinator) handleStatus(data json.RawMessage) {
	var payload models.QueueStatusEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket.Status != models.QueueWaiting {
		return
	}
	c.ticket.UsersSearching = payload.UsersSearching
}

// handleTransport clears the wait estimate and searching count when the
// push transport drops: both go stale immediately, and fresh values arrive
// with the first events after the reconnect.
func (c *Coordinator) handleTransport(connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	c.ticket.EstimatedWaitSeconds = nil
	c.ticket.UsersSearching = nil
	c.mu.Unlock()
	c.log.Debug().Msg("transport down, queue estimate cleared")
}

func (c *Coordinator) handleMatchFound(data json.RawMessage) {
	var offer models.MatchOffer
	if err := json.Unmarshal(data, &offer); err != nil || offer.SessionID == "" {
		return
	}

	c.mu.Lock()
	if c.ticket.Offer != nil && c.ticket.Offer.SessionID == offer.SessionID {
		c.mu.Unlock()
		return // duplicate push for the same pairing attempt
	}
	// Accept the offer while joining as well: the push can overtake the
	// join call's own response.
	if c.ticket.Status != models.QueueJoining && c.ticket.Status != models.QueueWaiting {
		c.mu.Unlock()
		return
	}
	c.ticket.Status = models.QueueMatched
	c.ticket.Offer = &offer
	c.ticket.EstimatedWaitSeconds = nil
	c.ticket.UsersSearching = nil
	cb := c.onMatch
	c.mu.Unlock()

	c.log.Info().Str("sessionId", offer.SessionID).Str("partner", offer.PartnerRef()).Msg("match found")
	if cb != nil {
		cb(offer)
	}
}
