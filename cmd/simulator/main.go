// Package main implements a simulation client that drives whole pairing
// lifecycles against a running dev server.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jawaracloud/live-pairing/internal/api"
	"github.com/jawaracloud/live-pairing/internal/auth"
	"github.com/jawaracloud/live-pairing/internal/chat"
	"github.com/jawaracloud/live-pairing/internal/decision"
	"github.com/jawaracloud/live-pairing/internal/ledger"
	"github.com/jawaracloud/live-pairing/internal/queue"
	"github.com/jawaracloud/live-pairing/internal/realtime"
	"github.com/jawaracloud/live-pairing/internal/session"
	"github.com/jawaracloud/live-pairing/pkg/models"
)

// Config holds simulation configuration.
type Config struct {
	ServerURL string
	NatsURL   string
	NumUsers  int
	Region    string
	MatchBias float64 // probability a user picks MATCH over PASS
}

// Stats holds simulation statistics.
type Stats struct {
	TotalJoined   int64
	TotalMatched  int64
	TotalMutual   int64
	TotalRejected int64
	TotalMessages int64
	TotalErrors   int64
}

func main() {
	config := Config{
		ServerURL: getEnv("SERVER_URL", "http://localhost:8080"),
		NatsURL:   getEnv("NATS_URL", "nats://localhost:4222"),
		NumUsers:  getEnvInt("NUM_USERS", 20),
		Region:    getEnv("REGION", "au"),
		MatchBias: 0.6,
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	stats := &Stats{}
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down simulation")
		cancel()
	}()

	log.Info().
		Int("users", config.NumUsers).
		Str("server", config.ServerURL).
		Str("region", config.Region).
		Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < config.NumUsers; i++ {
		wg.Add(1)
		go func(userNum int) {
			defer wg.Done()
			// Staggered arrival so the pairing loop sees a trickle.
			time.Sleep(time.Duration(rand.Intn(5000)) * time.Millisecond)
			if err := simulateUser(ctx, config, userNum, stats, log); err != nil && ctx.Err() == nil {
				atomic.AddInt64(&stats.TotalErrors, 1)
				log.Warn().Err(err).Int("user", userNum).Msg("lifecycle failed")
			}
		}(i + 1)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printStats(stats, log)
			}
		}
	}()

	wg.Wait()
	log.Info().Msg("=== final statistics ===")
	printStats(stats, log)
}

// nopTransport stands in for the real media engine.
type nopTransport struct{}

func (nopTransport) Join(_ context.Context, _ models.MatchOffer, cb session.Callbacks) error {
	if cb.OnJoinSuccess != nil {
		cb.OnJoinSuccess()
	}
	return nil
}

func (nopTransport) Leave() {}

func simulateUser(ctx context.Context, config Config, userNum int, stats *Stats, log zerolog.Logger) error {
	log = log.With().Int("user", userNum).Logger()

	creds := auth.NewStore()
	apiClient := api.NewClient(config.ServerURL, creds, log)

	// Bootstrap an identity.
	var authResp struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := apiClient.Post(ctx, "/auth/dev", nil, &authResp); err != nil {
		return fmt.Errorf("dev auth: %w", err)
	}
	creds.SetToken(authResp.Token)

	hub := realtime.NewHub(realtime.NATSDialer(config.NatsURL), log)
	if err := hub.Connect(realtime.Credential{Token: authResp.Token, UserID: authResp.UserID}); err != nil {
		return fmt.Errorf("connect hub: %w", err)
	}
	defer hub.Disconnect()

	tokens := ledger.NewClient(apiClient, log)
	if _, err := tokens.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh balance: %w", err)
	}

	q := queue.New(apiClient, tokens, hub.Control, log)
	defer q.Close()
	chatClient := chat.NewClient(apiClient, hub.Chat, log)

	ctrl := session.New(apiClient, q, hub.Control, chatClient, nopTransport{}, log,
		session.WithDecisionOptions(decision.WithAutoPassDelay(20*time.Second)))
	defer ctrl.Close()

	resolved := make(chan decision.Result, 1)
	ctrl.OnResolved(func(res decision.Result) {
		select {
		case resolved <- res:
		default:
		}
	})

	if err := q.Join(ctx, config.Region); err != nil {
		return fmt.Errorf("join queue: %w", err)
	}
	atomic.AddInt64(&stats.TotalJoined, 1)
	log.Info().Int("balance", tokens.Balance()).Msg("joined queue")

	// Wait for the controller to pick up a match and move into the call.
	if !waitForStage(ctx, ctrl, session.StageInCall, 90*time.Second) {
		// Never matched; leave and collect the refund.
		refunded, err := q.Leave(ctx)
		if err != nil {
			return fmt.Errorf("leave queue: %w", err)
		}
		log.Info().Bool("refunded", refunded).Msg("left queue unmatched")
		return nil
	}
	atomic.AddInt64(&stats.TotalMatched, 1)
	log.Info().Str("partner", ctrl.Partner()).Msg("in call")

	// Ride out the call, then choose once the deciding stage appears. The
	// partner may resolve the session before we ever observe that stage,
	// so the resolution channel is watched the whole time.
	choice := models.ChoicePass
	if rand.Float64() < config.MatchBias {
		choice = models.ChoiceMatch
	}
	silent := rand.Float64() < 0.1 // let the auto-pass fire instead

	var res decision.Result
	submitted := false
	timeout := time.After(3 * time.Minute)
wait:
	for {
		select {
		case <-ctx.Done():
			return nil
		case res = <-resolved:
			break wait
		case <-timeout:
			return fmt.Errorf("decision never resolved")
		case <-time.After(200 * time.Millisecond):
			if !submitted && ctrl.Stage() == session.StageDeciding {
				submitted = true
				if silent {
					log.Info().Msg("staying silent, waiting for auto-pass")
					continue
				}
				if err := ctrl.SubmitChoice(ctx, choice); err != nil {
					return fmt.Errorf("submit choice: %w", err)
				}
			}
		}
	}

	if res.Outcome != models.OutcomeMutual {
		atomic.AddInt64(&stats.TotalRejected, 1)
		log.Info().Msg("no mutual match, back to idle")
		return nil
	}
	atomic.AddInt64(&stats.TotalMutual, 1)

	// Acknowledge the reveal and exchange a couple of messages.
	payload, err := ctrl.AcknowledgeReveal(ctx)
	if err != nil {
		return fmt.Errorf("acknowledge reveal: %w", err)
	}
	log.Info().Str("match", payload.MatchID).Msg("mutual match revealed")

	for i := 0; i < 2; i++ {
		text := fmt.Sprintf("hello from user %d (%d)", userNum, i+1)
		if _, err := chatClient.Send(ctx, payload.MatchID, text); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		atomic.AddInt64(&stats.TotalMessages, 1)
		time.Sleep(time.Duration(rand.Intn(1000)) * time.Millisecond)
	}
	return nil
}

func waitForStage(ctx context.Context, ctrl *session.Controller, stage string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctrl.Stage() == stage {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

func printStats(stats *Stats, log zerolog.Logger) {
	log.Info().
		Int64("joined", atomic.LoadInt64(&stats.TotalJoined)).
		Int64("matched", atomic.LoadInt64(&stats.TotalMatched)).
		Int64("mutual", atomic.LoadInt64(&stats.TotalMutual)).
		Int64("rejected", atomic.LoadInt64(&stats.TotalRejected)).
		Int64("messages", atomic.LoadInt64(&stats.TotalMessages)).
		Int64("errors", atomic.LoadInt64(&stats.TotalErrors)).
		Msg("progress")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		fmt.Sscanf(value, "%d", &result)
		return result
	}
	return defaultValue
}
