package queue_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/auth"
	"github.com/jawaracloud/live-pairing/internal/ledger"
	"github.com/jawaracloud/live-pairing/internal/queue"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/internal/realtime/realtimetest"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// backend is a scripted stand-in for the queue endpoints.
type backend struct {
	mu        sync.Mutex
	joinCode  int
	joinBody  string
	leaveCode int
	leaveBody string
	joins     int
	leaves    int
}

func newBackend() *backend {
	return &backend{
		joinCode:  http.StatusOK,
		joinBody:  `{"status":"queued","queueKey":"au:u1"}`,
		leaveCode: http.StatusOK,
		leaveBody: `{"status":"left"}`,
	}
}

func (b *backend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/queue/join":
			b.joins++
			w.WriteHeader(b.joinCode)
			w.Write([]byte(b.joinBody))
		case r.Method == http.MethodDelete && r.URL.Path == "/queue/leave":
			b.leaves++
			w.WriteHeader(b.leaveCode)
			w.Write([]byte(b.leaveBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

type fixture struct {
	backend *backend
	fake    *realtimetest.Fake
	control *realtime.Channel
	tokens  *ledger.Client
	coord   *queue.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := newBackend()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	creds := auth.NewStore()
	creds.SetToken("tok")
	apiClient := api.NewClient(srv.URL, creds, zerolog.Nop())

	fake := realtimetest.New()
	control := realtime.NewChannel(realtime.NamespaceControl, fake.Dialer(), zerolog.Nop())
	require.NoError(t, control.Connect(realtime.Credential{Token: "tok", UserID: "u1"}))

	tokens := ledger.NewClient(apiClient, zerolog.Nop())
	tokens.Confirm(10)

	coord := queue.New(apiClient, tokens, control, zerolog.Nop())
	t.Cleanup(coord.Close)

	return &fixture{backend: b, fake: fake, control: control, tokens: tokens, coord: coord}
}

func (f *fixture) push(event string, payload any) {
	f.fake.Emit(f.control.Subject("u1"), event, payload)
}

func TestJoinDebitsOneToken(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Join(context.Background(), "au"))
	ticket := f.coord.Ticket()
	assert.Equal(t, models.QueueWaiting, ticket.Status)
	assert.True(t, ticket.TokenSpent)
	assert.Equal(t, "au:u1", ticket.QueueKey)
	assert.Equal(t, 9, f.tokens.Balance())
}

func TestJoinIsNoOpWhileQueued(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Join(context.Background(), "au"))
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	assert.Equal(t, 1, f.backend.joins, "second join must not hit the network")
	assert.Equal(t, 9, f.tokens.Balance(), "only one token debited")
}

func TestJoinFailureRollsBackDebit(t *testing.T) {
	f := newFixture(t)
	f.backend.joinCode = http.StatusInternalServerError
	f.backend.joinBody = `{}`

	err := f.coord.Join(context.Background(), "au")
	assert.Error(t, err)
	assert.Equal(t, models.QueueIdle, f.coord.Ticket().Status)
	assert.Equal(t, 10, f.tokens.Balance())
}

func TestLeaveWhileIdleIsLocalNoOp(t *testing.T) {
	f := newFixture(t)

	refunded, err := f.coord.Leave(context.Background())
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Equal(t, 0, f.backend.leaves, "no network call for an idle ticket")
}

func TestLeaveTrustsExplicitRefundFlag(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	f.backend.leaveBody = `{"status":"left","refunded":true}`
	refunded, err := f.coord.Leave(context.Background())
	require.NoError(t, err)
	assert.True(t, refunded)
	assert.Equal(t, 10, f.tokens.Balance(), "refund credits the token back")
	assert.Equal(t, models.QueueIdle, f.coord.Ticket().Status)
}

func TestLeaveTrustsExplicitFalseOverHeuristic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	// Heuristic would say refund (token spent, not matched); the server
	// says otherwise and must win.
	f.backend.leaveBody = `{"status":"left","refunded":false}`
	refunded, err := f.coord.Leave(context.Background())
	require.NoError(t, err)
	assert.False(t, refunded)
	assert.Equal(t, 9, f.tokens.Balance())
}

func TestLeaveHeuristicWhenFlagAbsent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	refunded, err := f.coord.Leave(context.Background())
	require.NoError(t, err)
	assert.True(t, refunded, "token spent and not matched: heuristic refunds")
	assert.Equal(t, 10, f.tokens.Balance())
}

func TestLeaveAfterMatchDoesNotRefund(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))
	f.push(models.EventMatchFound, models.MatchOffer{SessionID: "s1"})
	require.Equal(t, models.QueueMatched, f.coord.Ticket().Status)

	refunded, err := f.coord.Leave(context.Background())
	require.NoError(t, err)
	assert.False(t, refunded, "a matched ticket consumed its token")
	assert.Equal(t, 9, f.tokens.Balance())
}

func TestLeaveFailureStillClearsState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	f.backend.leaveCode = http.StatusInternalServerError
	f.backend.leaveBody = `{}`
	refunded, err := f.coord.Leave(context.Background())
	assert.Error(t, err)
	assert.False(t, refunded)
	assert.Equal(t, models.QueueIdle, f.coord.Ticket().Status,
		"local state clears even when the network call fails")
}

func TestMatchFoundDuringJoiningWins(t *testing.T) {
	f := newFixture(t)

	// The push overtakes the join response: deliver match:found from the
	// join handler itself, before the HTTP response is written.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.push(models.EventMatchFound, models.MatchOffer{SessionID: "s-early"})
		w.Write([]byte(`{"status":"queued","queueKey":"au:u1"}`))
	}))
	t.Cleanup(srv.Close)

	creds := auth.NewStore()
	creds.SetToken("tok")
	apiClient := api.NewClient(srv.URL, creds, zerolog.Nop())
	coord := queue.New(apiClient, f.tokens, f.control, zerolog.Nop())
	t.Cleanup(coord.Close)

	require.NoError(t, coord.Join(context.Background(), "au"))
	ticket := coord.Ticket()
	assert.Equal(t, models.QueueMatched, ticket.Status,
		"join response must not demote a matched ticket")
	require.NotNil(t, ticket.Offer)
	assert.Equal(t, "s-early", ticket.Offer.SessionID)
}

func TestMatchDuringFailedJoinKeepsDebit(t *testing.T) {
	f := newFixture(t)

	// The match push lands and then the join call itself fails. The ticket
	// is matched, so the spend stands; rolling the debit back would credit
	// a token the server already consumed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.push(models.EventMatchFound, models.MatchOffer{SessionID: "s-early"})
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	creds := auth.NewStore()
	creds.SetToken("tok")
	apiClient := api.NewClient(srv.URL, creds, zerolog.Nop())
	coord := queue.New(apiClient, f.tokens, f.control, zerolog.Nop())
	t.Cleanup(coord.Close)

	err := coord.Join(context.Background(), "au")
	assert.Error(t, err)
	ticket := coord.Ticket()
	assert.Equal(t, models.QueueMatched, ticket.Status)
	assert.Equal(t, 9, f.tokens.Balance(), "the spend stands once matched")

	offer := coord.Consume()
	require.NotNil(t, offer)
	assert.Equal(t, "s-early", offer.SessionID)
}

func TestLeaveDuringInFlightJoin(t *testing.T) {
	f := newFixture(t)

	// Leave races the join response: fire it from the join handler, before
	// the success body is written. The abandoned ticket must not be
	// resurrected and the unacknowledged debit must come back.
	var leaves int
	var mu sync.Mutex
	var coord *queue.Coordinator
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/queue/join":
			_, err := coord.Leave(context.Background())
			require.NoError(t, err)
			w.Write([]byte(`{"status":"queued","queueKey":"au:u1"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/queue/leave":
			mu.Lock()
			leaves++
			mu.Unlock()
			w.Write([]byte(`{"status":"left"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	creds := auth.NewStore()
	creds.SetToken("tok")
	apiClient := api.NewClient(srv.URL, creds, zerolog.Nop())
	coord = queue.New(apiClient, f.tokens, f.control, zerolog.Nop())
	t.Cleanup(coord.Close)

	require.NoError(t, coord.Join(context.Background(), "au"))

	mu.Lock()
	assert.Equal(t, 1, leaves)
	mu.Unlock()
	ticket := coord.Ticket()
	assert.Equal(t, models.QueueIdle, ticket.Status, "join response must not resurrect a left ticket")
	assert.False(t, ticket.TokenSpent)
	assert.Empty(t, ticket.QueueKey)
	assert.Equal(t, 10, f.tokens.Balance(), "a join abandoned mid-flight costs nothing")
}

func TestDisconnectClearsEstimate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	est, n := 30, 4
	f.push(models.EventQueueEstimate, models.QueueEstimate{EstimatedSeconds: &est})
	f.push(models.EventQueueStatus, models.QueueStatusEvent{UsersSearching: &n})
	require.NotNil(t, f.coord.Ticket().EstimatedWaitSeconds)

	f.fake.SetConnected(false)
	ticket := f.coord.Ticket()
	assert.Nil(t, ticket.EstimatedWaitSeconds, "estimate goes stale the moment the transport drops")
	assert.Nil(t, ticket.UsersSearching)
	assert.Equal(t, models.QueueWaiting, ticket.Status, "the ticket itself survives the drop")

	f.fake.SetConnected(true)
	est = 12
	f.push(models.EventQueueEstimate, models.QueueEstimate{EstimatedSeconds: &est})
	require.NotNil(t, f.coord.Ticket().EstimatedWaitSeconds)
	assert.Equal(t, 12, *f.coord.Ticket().EstimatedWaitSeconds)
}

func TestDuplicateMatchOfferIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	var calls int
	f.coord.OnMatch(func(models.MatchOffer) { calls++ })

	offer := models.MatchOffer{SessionID: "s1", ChannelToken: "ct"}
	f.push(models.EventMatchFound, offer)
	f.push(models.EventMatchFound, offer)

	assert.Equal(t, 1, calls)
	assert.Equal(t, models.QueueMatched, f.coord.Ticket().Status)
}

func TestMatchFoundIgnoredWhileIdle(t *testing.T) {
	f := newFixture(t)

	f.push(models.EventMatchFound, models.MatchOffer{SessionID: "s1"})
	assert.Equal(t, models.QueueIdle, f.coord.Ticket().Status)
}

func TestEstimateAndStatusOnlyWhileWaiting(t *testing.T) {
	f := newFixture(t)

	est, n := 30, 4
	f.push(models.EventQueueEstimate, models.QueueEstimate{EstimatedSeconds: &est})
	assert.Nil(t, f.coord.Ticket().EstimatedWaitSeconds, "idle ticket ignores estimates")

	require.NoError(t, f.coord.Join(context.Background(), "au"))
	f.push(models.EventQueueEstimate, models.QueueEstimate{EstimatedSeconds: &est})
	f.push(models.EventQueueStatus, models.QueueStatusEvent{UsersSearching: &n})

	ticket := f.coord.Ticket()
	require.NotNil(t, ticket.EstimatedWaitSeconds)
	assert.Equal(t, 30, *ticket.EstimatedWaitSeconds)
	require.NotNil(t, ticket.UsersSearching)
	assert.Equal(t, 4, *ticket.UsersSearching)
}

func TestLegacyEstimateFieldName(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))

	f.fake.EmitRaw(f.control.Subject("u1"),
		mustFrame(t, models.EventQueueEstimate, `{"etaSeconds":25}`))

	ticket := f.coord.Ticket()
	require.NotNil(t, ticket.EstimatedWaitSeconds)
	assert.Equal(t, 25, *ticket.EstimatedWaitSeconds)
}

func TestConsumeHandsOffOfferOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Join(context.Background(), "au"))
	f.push(models.EventMatchFound, models.MatchOffer{SessionID: "s1"})

	offer := f.coord.Consume()
	require.NotNil(t, offer)
	assert.Equal(t, "s1", offer.SessionID)
	assert.Equal(t, models.QueueIdle, f.coord.Ticket().Status)
	assert.Nil(t, f.coord.Consume())
	assert.Equal(t, 9, f.tokens.Balance(), "the spend stands once matched")
}

func mustFrame(t *testing.T, event, data string) []byte {
	t.Helper()
	frame, err := json.Marshal(models.Envelope{Event: event, Data: json.RawMessage(data)})
	require.NoError(t, err)
	return frame
}
