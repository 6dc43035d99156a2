package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout.
const (
	keyBalances   = "pairing:balances"        // hash user -> tokens
	keyRegions    = "pairing:regions"         // set of active regions
	keyUserRegion = "pairing:user_region"     // hash user -> region
	keyQueuePref  = "pairing:queue:"          // zset per region, score = join time
	keySession    = "pairing:session:"        // json per session id
	keyChoices    = "pairing:choices:"        // hash per session id, user -> choice
	keyMatch      = "pairing:match:"          // json per match id
	keyUserMatch  = "pairing:user_matches:"   // list per user, match ids
	keyMessages   = "pairing:messages:"       // list per match id, json messages
	keyAck        = "pairing:ack:"            // hash per match id, user -> 1
	recordTTL     = 24 * time.Hour
)

// ErrNotFound is returned for missing sessions or matches.
var ErrNotFound = errors.New("devserver: not found")

// Session is one live pairing attempt.
type Session struct {
	ID     string `json:"id"`
	UserA  string `json:"userA"`
	UserB  string `json:"userB"`
	Region string `json:"region"`
}

// Match is one mutual outcome.
type Match struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	UserA     string `json:"userA"`
	UserB     string `json:"userB"`
	CreatedAt string `json:"createdAt"`
}

// Store keeps all devserver state in redis so restarts and multiple
// instances behave like the real backend.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to redis and pings it.
func NewStore(addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the redis connection.
func (s *Store) Close() error { return s.rdb.Close() }

// --- balances ---

// Balance returns the user's token balance (0 when unknown).
func (s *Store) Balance(ctx context.Context, userID string) (int, error) {
	v, err := s.rdb.HGet(ctx, keyBalances, userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// SetBalance overwrites the user's balance.
func (s *Store) SetBalance(ctx context.Context, userID string, balance int) error {
	return s.rdb.HSet(ctx, keyBalances, userID, balance).Err()
}

// AddBalance adjusts the balance by delta and returns the new value.
func (s *Store) AddBalance(ctx context.Context, userID string, delta int) (int, error) {
	v, err := s.rdb.HIncrBy(ctx, keyBalances, userID, int64(delta)).Result()
	return int(v), err
}

// --- queue ---

func queueKey(region string) string { return keyQueuePref + region }

// Enqueue puts the user in their region's queue, scored by join time.
func (s *Store) Enqueue(ctx context.Context, userID, region string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, keyRegions, region)
	pipe.HSet(ctx, keyUserRegion, userID, region)
	pipe.ZAdd(ctx, queueKey(region), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: userID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue removes the user from their region's queue. Returns true when
// the user was actually still queued (i.e. not yet matched).
func (s *Store) Dequeue(ctx context.Context, userID string) (bool, error) {
	region, err := s.rdb.HGet(ctx, keyUserRegion, userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	removed, err := s.rdb.ZRem(ctx, queueKey(region), userID).Result()
	if err != nil {
		return false, err
	}
	s.rdb.HDel(ctx, keyUserRegion, userID)
	return removed > 0, nil
}

// Regions lists regions that have seen queue traffic.
func (s *Store) Regions(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyRegions).Result()
}

// QueueSize returns how many users are waiting in a region.
func (s *Store) QueueSize(ctx context.Context, region string) (int64, error) {
	return s.rdb.ZCard(ctx, queueKey(region)).Result()
}

// Waiting returns the queued users of a region, oldest first.
func (s *Store) Waiting(ctx context.Context, region string) ([]string, error) {
	return s.rdb.ZRange(ctx, queueKey(region), 0, -1).Result()
}

// TakePair removes and returns the two oldest queued users of a region.
// ok is false when fewer than two users are waiting; nothing is removed
// then.
func (s *Store) TakePair(ctx context.Context, region string) (a, b string, ok bool, err error) {
	users, err := s.rdb.ZRange(ctx, queueKey(region), 0, 1).Result()
	if err != nil || len(users) < 2 {
		return "", "", false, err
	}
	removed, err := s.rdb.ZRem(ctx, queueKey(region), users[0], users[1]).Result()
	if err != nil {
		return "", "", false, err
	}
	if removed < 2 {
		// Someone left between the read and the remove; put back whatever
		// we took and let the next tick retry.
		for _, u := range users {
			s.rdb.ZAdd(ctx, queueKey(region), redis.Z{Score: float64(time.Now().UnixNano()), Member: u})
		}
		return "", "", false, nil
	}
	s.rdb.HDel(ctx, keyUserRegion, users[0], users[1])
	return users[0], users[1], true, nil
}

// --- sessions & choices ---

// PutSession stores a session record.
func (s *Store) PutSession(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keySession+sess.ID, raw, recordTTL).Err()
}

// GetSession loads a session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	raw, err := s.rdb.Get(ctx, keySession+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	err = json.Unmarshal(raw, &sess)
	return sess, err
}

// PutChoice records one user's choice for a session, keeping the first
// submission when called twice. Returns whether this call wrote the
// value.
func (s *Store) PutChoice(ctx context.Context, sessionID, userID, choice string) (bool, error) {
	wrote, err := s.rdb.HSetNX(ctx, keyChoices+sessionID, userID, choice).Result()
	if err != nil {
		return false, err
	}
	if wrote {
		s.rdb.Expire(ctx, keyChoices+sessionID, recordTTL)
	}
	return wrote, nil
}

// Choices returns the submitted choices for a session, keyed by user.
func (s *Store) Choices(ctx context.Context, sessionID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, keyChoices+sessionID).Result()
}

// --- matches, acks, messages ---

// PutMatch stores a match and indexes it for both users.
func (s *Store) PutMatch(ctx context.Context, m Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyMatch+m.ID, raw, recordTTL)
	pipe.RPush(ctx, keyUserMatch+m.UserA, m.ID)
	pipe.RPush(ctx, keyUserMatch+m.UserB, m.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetMatch loads one match.
func (s *Store) GetMatch(ctx context.Context, matchID string) (Match, error) {
	raw, err := s.rdb.Get(ctx, keyMatch+matchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Match{}, ErrNotFound
	}
	if err != nil {
		return Match{}, err
	}
	var m Match
	err = json.Unmarshal(raw, &m)
	return m, err
}

// MatchesOf lists the user's match ids, oldest first.
func (s *Store) MatchesOf(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.LRange(ctx, keyUserMatch+userID, 0, -1).Result()
}

// AcknowledgeReveal flags the user's reveal ack for a match.
func (s *Store) AcknowledgeReveal(ctx context.Context, matchID, userID string) error {
	return s.rdb.HSet(ctx, keyAck+matchID, userID, time.Now().UTC().Format(time.RFC3339)).Err()
}

// RevealAckAt returns when the user acknowledged the reveal, or "" if not
// yet.
func (s *Store) RevealAckAt(ctx context.Context, matchID, userID string) (string, error) {
	v, err := s.rdb.HGet(ctx, keyAck+matchID, userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// AppendMessage stores one chat message.
func (s *Store) AppendMessage(ctx context.Context, matchID string, raw []byte) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keyMessages+matchID, raw)
	pipe.Expire(ctx, keyMessages+matchID, recordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Messages returns up to limit most recent messages, oldest first.
func (s *Store) Messages(ctx context.Context, matchID string, limit int) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, keyMessages+matchID, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
