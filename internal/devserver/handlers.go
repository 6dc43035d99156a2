package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Claims is the JWT payload minted by the dev auth endpoint.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

type ctxKey int

const userIDKey ctxKey = 0

// Handler exposes the REST side of the contract.
type Handler struct {
	cfg     Config
	store   *Store
	service *Service
	pub     *Publisher
	log     zerolog.Logger
}

// NewHandler wires the handler.
func NewHandler(cfg Config, store *Store, service *Service, pub *Publisher, log zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, service: service, pub: pub, log: log.With().Str("component", "http").Logger()}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/dev", h.devAuth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/queue/join", h.joinQueue)
		r.Delete("/queue/leave", h.leaveQueue)
		r.Post("/sessions/{id}/choice", h.submitChoice)
		r.Get("/tokens/balance", h.balance)
		r.Post("/tokens/purchase", h.purchase)
		r.Get("/matches", h.listMatches)
		r.Get("/matches/{id}/reveal", h.reveal)
		r.Post("/matches/{id}/reveal-ack", h.revealAck)
		r.Get("/matches/{id}/messages", h.listMessages)
		r.Post("/matches/{id}/messages", h.sendMessage)
	})
}

// devAuth mints a bearer token for a fresh dev user with the starting
// balance.
func (h *Handler) devAuth(w http.ResponseWriter, r *http.Request) {
	userID := uuid.New().String()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "sign token")
		return
	}
	if err := h.store.SetBalance(r.Context(), userID, h.cfg.StartingBalance); err != nil {
		h.fail(w, http.StatusInternalServerError, "", "seed balance")
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"token":        signed,
		"userId":       userID,
		"tokenBalance": h.cfg.StartingBalance,
	})
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			h.fail(w, http.StatusUnauthorized, "", "missing bearer token")
			return
		}
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(h.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			h.fail(w, http.StatusUnauthorized, "", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (h *Handler) joinQueue(w http.ResponseWriter, r *http.Request) {
	var req models.JoinQueueRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	region := strings.ToLower(strings.TrimSpace(req.Region))
	if region == "" {
		region = "au"
	}
	uid := userID(r)

	balance, err := h.store.Balance(r.Context(), uid)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "read balance")
		return
	}
	if balance < h.cfg.JoinCost {
		h.fail(w, http.StatusBadRequest, "INSUFFICIENT_TOKENS", "not enough tokens to join")
		return
	}
	if _, err := h.store.AddBalance(r.Context(), uid, -h.cfg.JoinCost); err != nil {
		h.fail(w, http.StatusInternalServerError, "", "debit")
		return
	}
	if err := h.store.Enqueue(r.Context(), uid, region); err != nil {
		// Undo the debit so a storage hiccup cannot eat a token.
		h.store.AddBalance(r.Context(), uid, h.cfg.JoinCost)
		h.fail(w, http.StatusInternalServerError, "", "enqueue")
		return
	}
	h.respond(w, http.StatusOK, models.JoinQueueResponse{
		Status:   "queued",
		QueueKey: region + ":" + uid,
	})
}

func (h *Handler) leaveQueue(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	wasQueued, err := h.store.Dequeue(r.Context(), uid)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "dequeue")
		return
	}
	refunded := false
	if wasQueued {
		if _, err := h.store.AddBalance(r.Context(), uid, h.cfg.JoinCost); err == nil {
			refunded = true
		}
	}
	h.respond(w, http.StatusOK, models.LeaveQueueResponse{Status: "left", Refunded: &refunded})
}

func (h *Handler) submitChoice(w http.ResponseWriter, r *http.Request) {
	var req models.ChoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		(req.Choice != models.ChoiceMatch && req.Choice != models.ChoicePass) {
		h.fail(w, http.StatusBadRequest, "", "choice must be MATCH or PASS")
		return
	}
	resp, err := h.service.SubmitChoice(r.Context(), chi.URLParam(r, "id"), userID(r), req.Choice)
	if errors.Is(err, ErrNotFound) {
		h.fail(w, http.StatusNotFound, "", "unknown session")
		return
	}
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "submit choice")
		return
	}
	h.respond(w, http.StatusOK, resp)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.store.Balance(r.Context(), userID(r))
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "read balance")
		return
	}
	h.respond(w, http.StatusOK, models.BalanceResponse{TokenBalance: balance})
}

// purchase credits the pack immediately and hands back a checkout URL; in
// development there is no payment provider to redirect through.
func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	var req models.PurchaseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	credit := packSize(req.PackID)
	if _, err := h.store.AddBalance(r.Context(), userID(r), credit); err != nil {
		h.fail(w, http.StatusInternalServerError, "", "credit pack")
		return
	}
	checkoutID := uuid.New().String()
	h.respond(w, http.StatusOK, models.PurchaseResponse{
		CheckoutURL: "https://checkout.invalid/session/" + checkoutID,
		SessionID:   checkoutID,
	})
}

func packSize(packID string) int {
	switch packID {
	case "pack_large":
		return 25
	case "pack_medium":
		return 10
	default:
		return 5
	}
}

func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	ids, err := h.store.MatchesOf(r.Context(), uid)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "list matches")
		return
	}
	out := make([]models.MatchSummary, 0, len(ids))
	for _, id := range ids {
		m, err := h.store.GetMatch(r.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, models.MatchSummary{
			ID:        m.ID,
			Partner:   *revealOf(otherOf(m, uid)),
			CreatedAt: m.CreatedAt,
		})
	}
	h.respond(w, http.StatusOK, out)
}

func otherOf(m Match, uid string) string {
	if uid == m.UserA {
		return m.UserB
	}
	return m.UserA
}

func (h *Handler) matchFor(w http.ResponseWriter, r *http.Request) (Match, bool) {
	m, err := h.store.GetMatch(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		h.fail(w, http.StatusNotFound, "", "unknown match")
		return Match{}, false
	}
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "load match")
		return Match{}, false
	}
	uid := userID(r)
	if uid != m.UserA && uid != m.UserB {
		h.fail(w, http.StatusNotFound, "", "unknown match")
		return Match{}, false
	}
	return m, true
}

func (h *Handler) revealPayload(r *http.Request, m Match) (models.RevealPayload, error) {
	uid := userID(r)
	ackAt, err := h.store.RevealAckAt(r.Context(), m.ID, uid)
	if err != nil {
		return models.RevealPayload{}, err
	}
	payload := models.RevealPayload{
		MatchID:              m.ID,
		PartnerRevealVersion: 1,
		PartnerReveal:        *revealOf(otherOf(m, uid)),
		RevealAcknowledged:   ackAt != "",
	}
	if ackAt != "" {
		payload.RevealAcknowledgedAt = &ackAt
	}
	return payload, nil
}

func (h *Handler) reveal(w http.ResponseWriter, r *http.Request) {
	m, ok := h.matchFor(w, r)
	if !ok {
		return
	}
	payload, err := h.revealPayload(r, m)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "load reveal")
		return
	}
	h.respond(w, http.StatusOK, payload)
}

func (h *Handler) revealAck(w http.ResponseWriter, r *http.Request) {
	m, ok := h.matchFor(w, r)
	if !ok {
		return
	}
	if err := h.store.AcknowledgeReveal(r.Context(), m.ID, userID(r)); err != nil {
		h.fail(w, http.StatusInternalServerError, "", "store ack")
		return
	}
	payload, err := h.revealPayload(r, m)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "load reveal")
		return
	}
	h.respond(w, http.StatusOK, payload)
}

// requireAck enforces the reveal gate on the chat endpoints.
func (h *Handler) requireAck(w http.ResponseWriter, r *http.Request, m Match) bool {
	ackAt, err := h.store.RevealAckAt(r.Context(), m.ID, userID(r))
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "check ack")
		return false
	}
	if ackAt == "" {
		h.fail(w, http.StatusForbidden, api.RevealAckRequiredCode,
			"profile reveal acknowledgment required before chat")
		return false
	}
	return true
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	m, ok := h.matchFor(w, r)
	if !ok {
		return
	}
	if !h.requireAck(w, r, m) {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	raws, err := h.store.Messages(r.Context(), m.ID, limit)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "", "load messages")
		return
	}
	out := make([]models.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg models.ChatMessage
		if json.Unmarshal(raw, &msg) == nil {
			out = append(out, msg)
		}
	}
	h.respond(w, http.StatusOK, out)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := h.matchFor(w, r)
	if !ok {
		return
	}
	if !h.requireAck(w, r, m) {
		return
	}
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		h.fail(w, http.StatusBadRequest, "", "empty message")
		return
	}
	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		MatchID:   m.ID,
		SenderID:  userID(r),
		Text:      req.Text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(msg)
	if err := h.store.AppendMessage(r.Context(), m.ID, raw); err != nil {
		h.fail(w, http.StatusInternalServerError, "", "store message")
		return
	}
	h.pub.Publish("chat", m.UserA, models.EventMessageNew, msg)
	h.pub.Publish("chat", m.UserB, models.EventMessageNew, msg)
	h.respond(w, http.StatusOK, msg)
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("encode response")
	}
}

func (h *Handler) fail(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.APIError{Code: code, Message: message})
}
