package devserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Service implements the pairing backend contract well enough to exercise
// the client end to end: FIFO pairing per region, a fixed call window, a
// choice deadline, and push events for every transition.
type Service struct {
	cfg   Config
	store *Store
	pub   *Publisher
	log   zerolog.Logger
}

// NewService wires the service.
func NewService(cfg Config, store *Store, pub *Publisher, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, store: store, pub: pub, log: log.With().Str("component", "service").Logger()}
}

// RunPairing drives the matching loop until ctx is cancelled: each tick it
// pairs the two oldest waiting users per region and refreshes the wait
// estimates of everyone still queued.
func (s *Service) RunPairing(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PairingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	regions, err := s.store.Regions(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list regions")
		return
	}
	for _, region := range regions {
		for {
			a, b, ok, err := s.store.TakePair(ctx, region)
			if err != nil {
				s.log.Error().Err(err).Str("region", region).Msg("take pair")
				break
			}
			if !ok {
				break
			}
			s.startSession(ctx, region, a, b)
		}
		s.publishEstimates(ctx, region)
	}
}

func (s *Service) startSession(ctx context.Context, region, userA, userB string) {
	sess := Session{
		ID:     uuid.New().String(),
		UserA:  userA,
		UserB:  userB,
		Region: region,
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		s.log.Error().Err(err).Msg("store session")
		return
	}

	matchedAt := time.Now().UTC().Format(time.RFC3339)
	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		me, partner := pair[0], pair[1]
		s.pub.Publish("control", me, models.EventMatchFound, offerFor(sess, partner, matchedAt))
	}
	s.log.Info().Str("sessionId", sess.ID).Str("region", region).Msg("paired")

	// Call window: after it elapses both sides get session:end and the
	// choice deadline starts counting.
	sessionID := sess.ID
	time.AfterFunc(s.cfg.CallDuration(), func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.endSession(endCtx, sessionID)
	})
}

func (s *Service) endSession(ctx context.Context, sessionID string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	payload := models.SessionEndEvent{SessionID: sessionID}
	s.pub.Publish("control", sess.UserA, models.EventSessionEnd, payload)
	s.pub.Publish("control", sess.UserB, models.EventSessionEnd, payload)

	time.AfterFunc(s.cfg.ChoiceDeadline(), func() {
		deadlineCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.resolveAtDeadline(deadlineCtx, sessionID)
	})
}

// SubmitChoice records a user's choice and resolves the session when the
// outcome is already decidable. The first submission for a user wins;
// duplicates keep the original.
func (s *Service) SubmitChoice(ctx context.Context, sessionID, userID, choice string) (models.ChoiceResponse, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.ChoiceResponse{}, err
	}
	if userID != sess.UserA && userID != sess.UserB {
		return models.ChoiceResponse{}, ErrNotFound
	}
	if _, err := s.store.PutChoice(ctx, sessionID, userID, choice); err != nil {
		return models.ChoiceResponse{}, err
	}

	choices, err := s.store.Choices(ctx, sessionID)
	if err != nil {
		return models.ChoiceResponse{}, err
	}
	choiceA, choiceB := choices[sess.UserA], choices[sess.UserB]

	// A PASS from either side decides immediately; otherwise both MATCH
	// decisions are needed.
	if choiceA == models.ChoicePass || choiceB == models.ChoicePass {
		return s.resolve(ctx, sess, models.OutcomeRejected, userID)
	}
	if choiceA == models.ChoiceMatch && choiceB == models.ChoiceMatch {
		return s.resolve(ctx, sess, models.OutcomeMutual, userID)
	}
	deadline := time.Now().Add(s.cfg.ChoiceDeadline()).UTC().Format(time.RFC3339)
	return models.ChoiceResponse{Status: "pending", Deadline: deadline}, nil
}

// resolveAtDeadline treats missing choices as PASS once the deadline has
// passed.
func (s *Service) resolveAtDeadline(ctx context.Context, sessionID string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	choices, err := s.store.Choices(ctx, sessionID)
	if err != nil {
		return
	}
	if choices["resolved"] != "" {
		return
	}
	choiceA, choiceB := choices[sess.UserA], choices[sess.UserB]
	if choiceA == models.ChoiceMatch && choiceB == models.ChoiceMatch {
		return // already mutual, resolve() ran on the second submit
	}
	_, _ = s.resolve(ctx, sess, models.OutcomeRejected, "")
}

// resolve settles a session exactly once, stores the match on a mutual
// outcome and pushes the resolution to both users. The caller's response
// mirrors what their push event will say.
func (s *Service) resolve(ctx context.Context, sess Session, outcome, callerID string) (models.ChoiceResponse, error) {
	if outcome == models.OutcomeRejected {
		wrote, err := s.store.PutChoice(ctx, sess.ID, "resolved", outcome)
		if err != nil {
			return models.ChoiceResponse{}, err
		}
		if wrote {
			payload := models.NonMutualEvent{SessionID: sess.ID}
			s.pub.Publish("control", sess.UserA, models.EventNonMutual, payload)
			s.pub.Publish("control", sess.UserB, models.EventNonMutual, payload)
			s.log.Info().Str("sessionId", sess.ID).Msg("resolved non-mutual")
		}
		return models.ChoiceResponse{Status: "resolved", Outcome: "non_mutual"}, nil
	}

	// The marker carries the match id so a racing second resolver reports
	// the same match instead of minting another.
	matchID := uuid.New().String()
	wrote, err := s.store.PutChoice(ctx, sess.ID, "resolved", "mutual:"+matchID)
	if err != nil {
		return models.ChoiceResponse{}, err
	}
	if !wrote {
		choices, err := s.store.Choices(ctx, sess.ID)
		if err != nil {
			return models.ChoiceResponse{}, err
		}
		matchID = strings.TrimPrefix(choices["resolved"], "mutual:")
	} else {
		match := Match{
			ID:        matchID,
			SessionID: sess.ID,
			UserA:     sess.UserA,
			UserB:     sess.UserB,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.store.PutMatch(ctx, match); err != nil {
			return models.ChoiceResponse{}, err
		}
		for _, pair := range [][2]string{{sess.UserA, sess.UserB}, {sess.UserB, sess.UserA}} {
			me, partner := pair[0], pair[1]
			s.pub.Publish("control", me, models.EventMatchMutual, models.MutualEvent{
				SessionID:            sess.ID,
				MatchID:              matchID,
				PartnerRevealVersion: 1,
				PartnerReveal:        revealOf(partner),
			})
		}
		s.log.Info().Str("sessionId", sess.ID).Str("matchId", matchID).Msg("resolved mutual")
	}

	return models.ChoiceResponse{
		Status:               "resolved",
		Outcome:              models.OutcomeMutual,
		MatchID:              matchID,
		PartnerRevealVersion: 1,
		PartnerReveal:        revealOf(otherUser(sess, callerID)),
	}, nil
}

func otherUser(sess Session, userID string) string {
	if userID == sess.UserA {
		return sess.UserB
	}
	return sess.UserA
}

// revealOf fabricates a partner profile snapshot for development.
func revealOf(userID string) *models.PartnerReveal {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	name := "Anonymous " + short
	return &models.PartnerReveal{ID: userID, DisplayName: &name}
}

func (s *Service) publishEstimates(ctx context.Context, region string) {
	waiting, err := s.store.Waiting(ctx, region)
	if err != nil {
		return
	}
	total := len(waiting)
	for i, userID := range waiting {
		est := (i/2 + 1) * int(s.cfg.PairingInterval().Seconds())
		s.pub.Publish("control", userID, models.EventQueueEstimate, models.QueueEstimate{EstimatedSeconds: &est})
		searching := total
		s.pub.Publish("control", userID, models.EventQueueStatus, models.QueueStatusEvent{UsersSearching: &searching})
	}
}

// offerFor builds the match offer one side receives.
func offerFor(sess Session, partner, matchedAt string) models.MatchOffer {
	return models.MatchOffer{
		SessionID:          sess.ID,
		ChannelToken:       uuid.New().String(),
		MediaChannel:       "session-" + sess.ID,
		PartnerAnonymousID: anonID(partner),
		QueueKey:           fmt.Sprintf("%s:%s", sess.Region, sess.ID),
		MatchedAt:          matchedAt,
	}
}

// anonID derives a stable opaque id so partners never see real user ids.
func anonID(userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID)).String()
}
