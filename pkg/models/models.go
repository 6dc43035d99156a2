// Package models holds the wire types shared by the pairing client, the
// development server and the simulator. All fields mirror the JSON contract
// of the pairing backend.
package models

import "encoding/json"

// Queue ticket status values.
const (
	QueueIdle    = "idle"
	QueueJoining = "joining"
	QueueWaiting = "waiting"
	QueueMatched = "matched"
)

// Decision choice values.
const (
	ChoiceMatch = "MATCH"
	ChoicePass  = "PASS"
)

// Decision outcome values.
const (
	OutcomeMutual   = "mutual"
	OutcomeRejected = "rejected"
)

// Push event names. The deprecated aliases are translated to their
// canonical names inside the realtime layer; coordinators never see them.
const (
	EventQueueEstimate = "queue:estimate"
	EventQueueStatus   = "queue:status"
	EventMatchFound    = "match:found"
	EventMatchLegacy   = "match" // alias of match:found, one release of compat
	EventMatchMutual   = "match:mutual"
	EventNonMutual     = "match:non_mutual"
	EventRejectedAlias = "match:rejected" // deprecated alias of match:non_mutual
	EventSessionEnd    = "session:end"
	EventMessageNew    = "message:new"
)

// Envelope is the frame carried on a push subject: an event name plus its
// JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinQueueRequest is the body of POST /queue/join.
type JoinQueueRequest struct {
	Region      string            `json:"region"`
	Preferences map[string]string `json:"preferences"`
}

// JoinQueueResponse is the body returned by POST /queue/join.
type JoinQueueResponse struct {
	Status   string `json:"status"` // "queued" or "already_queued"
	QueueKey string `json:"queueKey"`
	Position *int   `json:"position,omitempty"`
}

// LeaveQueueResponse is the body returned by DELETE /queue/leave. Refunded
// is a pointer so that "flag absent" is distinguishable from "false": the
// client falls back to a local heuristic only when the server omits it.
type LeaveQueueResponse struct {
	Status   string `json:"status"`
	Refunded *bool  `json:"refunded,omitempty"`
	QueueKey string `json:"queueKey,omitempty"`
}

// QueueEstimate is the payload of queue:estimate.
type QueueEstimate struct {
	EstimatedSeconds *int `json:"estimatedSeconds,omitempty"`
	ETASeconds       *int `json:"etaSeconds,omitempty"` // legacy field name
}

// Seconds returns the estimate regardless of which field the server used.
func (q QueueEstimate) Seconds() *int {
	if q.EstimatedSeconds != nil {
		return q.EstimatedSeconds
	}
	return q.ETASeconds
}

// QueueStatusEvent is the payload of queue:status.
type QueueStatusEvent struct {
	UsersSearching *int `json:"usersSearching,omitempty"`
}

// MatchOffer is the payload of match:found. It identifies one pairing
// attempt and carries the credentials for its live video channel. Immutable
// once received; a duplicate offer for the same SessionID is idempotent.
type MatchOffer struct {
	SessionID          string `json:"sessionId"`
	ChannelToken       string `json:"channelToken"`
	MediaChannel       string `json:"mediaChannel"`
	PartnerAnonymousID string `json:"partnerAnonymousId"`
	PartnerID          string `json:"partnerId,omitempty"` // legacy field name
	QueueKey           string `json:"queueKey,omitempty"`
	MatchedAt          string `json:"matchedAt,omitempty"`
}

// PartnerRef returns the partner identifier, preferring the anonymous id.
func (m MatchOffer) PartnerRef() string {
	if m.PartnerAnonymousID != "" {
		return m.PartnerAnonymousID
	}
	return m.PartnerID
}

// ChoiceRequest is the body of POST /sessions/:id/choice.
type ChoiceRequest struct {
	Choice string `json:"choice"`
}

// ChoiceResponse is the body returned by POST /sessions/:id/choice. Status
// is "pending" while only one side has chosen, "resolved" otherwise.
type ChoiceResponse struct {
	Status               string         `json:"status"`
	Outcome              string         `json:"outcome,omitempty"`
	MatchID              string         `json:"matchId,omitempty"`
	PartnerRevealVersion int            `json:"partnerRevealVersion,omitempty"`
	PartnerReveal        *PartnerReveal `json:"partnerReveal,omitempty"`
	Deadline             string         `json:"deadline,omitempty"`
}

// MutualEvent is the payload of match:mutual.
type MutualEvent struct {
	SessionID            string         `json:"sessionId"`
	MatchID              string         `json:"matchId"`
	PartnerRevealVersion int            `json:"partnerRevealVersion,omitempty"`
	PartnerReveal        *PartnerReveal `json:"partnerReveal,omitempty"`
}

// NonMutualEvent is the payload of match:non_mutual (and its deprecated
// alias match:rejected).
type NonMutualEvent struct {
	SessionID string `json:"sessionId"`
}

// SessionEndEvent is the payload of session:end. An empty SessionID is a
// session-agnostic broadcast end.
type SessionEndEvent struct {
	SessionID string `json:"sessionId,omitempty"`
}

// PartnerReveal is the partner profile snapshot exposed after a mutual
// match.
type PartnerReveal struct {
	ID              string  `json:"id"`
	DisplayName     *string `json:"displayName"`
	PrimaryPhotoURL *string `json:"primaryPhotoUrl"`
	Age             *int    `json:"age"`
	Bio             *string `json:"bio"`
}

// RevealPayload is the body of GET /matches/:id/reveal and of the
// acknowledgment response.
type RevealPayload struct {
	MatchID              string        `json:"matchId"`
	PartnerRevealVersion int           `json:"partnerRevealVersion"`
	PartnerReveal        PartnerReveal `json:"partnerReveal"`
	RevealAcknowledged   bool          `json:"revealAcknowledged"`
	RevealAcknowledgedAt *string       `json:"revealAcknowledgedAt"`
}

// MatchSummary is one item of GET /matches.
type MatchSummary struct {
	ID        string        `json:"id"`
	Partner   PartnerReveal `json:"partner"`
	CreatedAt string        `json:"createdAt,omitempty"`
}

// ChatMessage is one chat message, both over REST and in message:new.
type ChatMessage struct {
	ID        string `json:"id"`
	MatchID   string `json:"matchId"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// SendMessageRequest is the body of POST /matches/:id/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// BalanceResponse is the body of GET /tokens/balance.
type BalanceResponse struct {
	TokenBalance int `json:"tokenBalance"`
}

// PurchaseRequest is the body of POST /tokens/purchase.
type PurchaseRequest struct {
	PackID string `json:"packId"`
}

// PurchaseResponse is the body returned by POST /tokens/purchase. Servers
// have shipped three names for the checkout URL; CheckoutTarget picks the
// first one present.
type PurchaseResponse struct {
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	URL         string `json:"url,omitempty"`
	SessionURL  string `json:"sessionUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

// CheckoutTarget returns the checkout URL under whichever field the server
// populated, or "" when none is present.
func (p PurchaseResponse) CheckoutTarget() string {
	switch {
	case p.CheckoutURL != "":
		return p.CheckoutURL
	case p.URL != "":
		return p.URL
	default:
		return p.SessionURL
	}
}

// APIError is the JSON error body used by the backend for coded failures,
// e.g. {"code":"REVEAL_ACK_REQUIRED","message":"..."}.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
