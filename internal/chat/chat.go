// Package chat covers the post-resolution surface: the resolved matches
// list, the partner reveal with its acknowledgment, and messaging.
// Messaging is server-gated on the reveal acknowledgment; the gate comes
// back as a distinct error so the caller routes the user to the
// acknowledgment step instead of retrying.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// DefaultMessageLimit bounds a message page when the caller passes 0.
const DefaultMessageLimit = 50

// Client wraps the match and chat endpoints plus the chat-namespace push
// feed.
type Client struct {
	api  *api.Client
	feed *realtime.Channel
	log  zerolog.Logger
}

// NewClient builds a chat client over the shared chat-namespace channel.
func NewClient(apiClient *api.Client, feed *realtime.Channel, log zerolog.Logger) *Client {
	return &Client{
		api:  apiClient,
		feed: feed,
		log:  log.With().Str("component", "chat").Logger(),
	}
}

// Matches lists the user's resolved matches.
func (c *Client) Matches(ctx context.Context) ([]models.MatchSummary, error) {
	var out []models.MatchSummary
	if err := c.api.Get(ctx, "/matches", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reveal fetches the partner reveal for a match.
func (c *Client) Reveal(ctx context.Context, matchID string) (models.RevealPayload, error) {
	var out models.RevealPayload
	if matchID == "" {
		return out, &api.Error{Kind: api.KindMissingContext, Message: "chat: no match id"}
	}
	err := c.api.Get(ctx, "/matches/"+matchID+"/reveal", &out)
	return out, err
}

// AcknowledgeReveal confirms the reveal was shown to the user, unlocking
// messaging. Returns the updated reveal payload.
func (c *Client) AcknowledgeReveal(ctx context.Context, matchID string) (models.RevealPayload, error) {
	var out models.RevealPayload
	if matchID == "" {
		return out, &api.Error{Kind: api.KindMissingContext, Message: "chat: no match id"}
	}
	err := c.api.Post(ctx, "/matches/"+matchID+"/reveal-ack", nil, &out)
	return out, err
}

// Messages reads a page of chat history. Before the reveal is
// acknowledged the server answers 403 REVEAL_ACK_REQUIRED, surfaced as
// api.ErrRevealAckRequired.
func (c *Client) Messages(ctx context.Context, matchID string, limit int) ([]models.ChatMessage, error) {
	if matchID == "" {
		return nil, &api.Error{Kind: api.KindMissingContext, Message: "chat: no match id"}
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	var out []models.ChatMessage
	path := fmt.Sprintf("/matches/%s/messages?limit=%d", matchID, limit)
	if err := c.api.Get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send posts one message, subject to the same reveal gate as Messages.
func (c *Client) Send(ctx context.Context, matchID, text string) (models.ChatMessage, error) {
	var out models.ChatMessage
	if matchID == "" {
		return out, &api.Error{Kind: api.KindMissingContext, Message: "chat: no match id"}
	}
	err := c.api.Post(ctx, "/matches/"+matchID+"/messages", models.SendMessageRequest{Text: text}, &out)
	return out, err
}

// OnMessage subscribes fn to message:new pushes for one match. Events for
// other matches are filtered out. The returned func unsubscribes.
func (c *Client) OnMessage(matchID string, fn func(models.ChatMessage)) func() {
	return c.feed.Subscribe(models.EventMessageNew, func(data json.RawMessage) {
		var msg models.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if matchID != "" && msg.MatchID != matchID {
			return
		}
		fn(msg)
	})
}
