package chat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/auth"
	"github.com/jawaracloud/live-pairing/internal/chat"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/internal/realtime/realtimetest"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

func newChat(t *testing.T, handler http.HandlerFunc) (*chat.Client, *realtimetest.Fake, *realtime.Channel) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := auth.NewStore()
	creds.SetToken("tok")
	apiClient := api.NewClient(srv.URL, creds, zerolog.Nop())

	fake := realtimetest.New()
	feed := realtime.NewChannel(realtime.NamespaceChat, fake.Dialer(), zerolog.Nop())
	require.NoError(t, feed.Connect(realtime.Credential{Token: "tok", UserID: "u1"}))

	return chat.NewClient(apiClient, feed, zerolog.Nop()), fake, feed
}

func TestMatches(t *testing.T) {
	c, _, _ := newChat(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/matches", r.URL.Path)
		w.Write([]byte(`[{"id":"m1","partner":{"id":"p1"}}]`))
	})

	got, err := c.Matches(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "p1", got[0].Partner.ID)
}

func TestRevealGateIsDistinctFromAuthFailure(t *testing.T) {
	c, _, _ := newChat(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"REVEAL_ACK_REQUIRED","message":"acknowledge first"}`))
	})

	_, err := c.Messages(context.Background(), "m1", 0)
	assert.True(t, errors.Is(err, api.ErrRevealAckRequired))
	assert.False(t, errors.Is(err, api.ErrAuthExpired))

	_, err = c.Send(context.Background(), "m1", "hi")
	assert.True(t, errors.Is(err, api.ErrRevealAckRequired))
}

func TestAcknowledgeRevealUnlocks(t *testing.T) {
	c, _, _ := newChat(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/matches/m1/reveal-ack", r.URL.Path)
		w.Write([]byte(`{"matchId":"m1","revealAcknowledged":true,"revealAcknowledgedAt":"2026-01-01T00:00:00Z"}`))
	})

	payload, err := c.AcknowledgeReveal(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, payload.RevealAcknowledged)
	require.NotNil(t, payload.RevealAcknowledgedAt)
}

func TestMessagesUsesDefaultLimit(t *testing.T) {
	var gotLimit string
	c, _, _ := newChat(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`[]`))
	})

	_, err := c.Messages(context.Background(), "m1", 0)
	require.NoError(t, err)
	assert.Equal(t, "50", gotLimit)
}

func TestEmptyMatchIDIsMissingContext(t *testing.T) {
	c, _, _ := newChat(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should be made")
	})

	_, err := c.Reveal(context.Background(), "")
	assert.True(t, errors.Is(err, api.ErrMissingContext))
	_, err = c.AcknowledgeReveal(context.Background(), "")
	assert.True(t, errors.Is(err, api.ErrMissingContext))
	_, err = c.Messages(context.Background(), "", 10)
	assert.True(t, errors.Is(err, api.ErrMissingContext))
	_, err = c.Send(context.Background(), "", "hi")
	assert.True(t, errors.Is(err, api.ErrMissingContext))
}

func TestOnMessageFiltersByMatch(t *testing.T) {
	c, fake, feed := newChat(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	var got []string
	unsub := c.OnMessage("m1", func(msg models.ChatMessage) { got = append(got, msg.Text) })

	fake.Emit(feed.Subject("u1"), models.EventMessageNew, models.ChatMessage{MatchID: "m1", Text: "hello"})
	fake.Emit(feed.Subject("u1"), models.EventMessageNew, models.ChatMessage{MatchID: "m2", Text: "other"})
	assert.Equal(t, []string{"hello"}, got)

	unsub()
	fake.Emit(feed.Subject("u1"), models.EventMessageNew, models.ChatMessage{MatchID: "m1", Text: "late"})
	assert.Equal(t, []string{"hello"}, got)
}
