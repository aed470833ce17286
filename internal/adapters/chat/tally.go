package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/pollcast/internal/logging"
	"github.com/alekspetrov/pollcast/internal/poll"
)

// tallyTTL keeps abandoned counters from accumulating in the shared store.
const tallyTTL = 24 * time.Hour

// TallyStore keeps per-(poll, channel) vote counters and, in unique mode,
// per-user last-vote records in Redis. When Redis is unreachable it falls
// back to in-process maps: best-effort only, unbounded, and lost on restart.
type TallyStore struct {
	rdb *redis.Client
	log *slog.Logger

	mu            sync.Mutex
	fallbackTally map[string]map[int]int // tally key -> option index -> count
	fallbackVotes map[string]int         // user vote key -> option index
	fallbackInUse map[string]bool        // tally key -> fallback was used
}

// NewTallyStore creates a tally store backed by the given Redis client.
func NewTallyStore(rdb *redis.Client) *TallyStore {
	return &TallyStore{
		rdb:           rdb,
		log:           logging.WithComponent("chat.tally"),
		fallbackTally: make(map[string]map[int]int),
		fallbackVotes: make(map[string]int),
		fallbackInUse: make(map[string]bool),
	}
}

func tallyKey(pollID, channelID uuid.UUID) string {
	return fmt.Sprintf("pollcast:tally:%s:%s", pollID, channelID)
}

func userVoteKey(pollID, channelID uuid.UUID, userID string) string {
	return fmt.Sprintf("pollcast:vote:%s:%s:%s", pollID, channelID, userID)
}

// RecordVote counts one parsed vote. In standard mode every vote
// increments; in unique mode a user's later different vote moves one unit
// from their previous option, and an identical repeat is a no-op.
func (s *TallyStore) RecordVote(ctx context.Context, pollID, channelID uuid.UUID, userID string, option int, mode poll.VoteMode) error {
	if mode == poll.VoteModeUnique {
		return s.recordUniqueVote(ctx, pollID, channelID, userID, option)
	}
	return s.recordStandardVote(ctx, pollID, channelID, option)
}

func (s *TallyStore) recordStandardVote(ctx context.Context, pollID, channelID uuid.UUID, option int) error {
	key := tallyKey(pollID, channelID)

	if err := s.increment(ctx, key, option, 1); err != nil {
		s.fallbackIncrement(key, option, 1)
	}
	return nil
}

func (s *TallyStore) recordUniqueVote(ctx context.Context, pollID, channelID uuid.UUID, userID string, option int) error {
	key := tallyKey(pollID, channelID)
	voteKey := userVoteKey(pollID, channelID, userID)

	prev, found, err := s.lastVote(ctx, voteKey)
	if err != nil {
		// Shared store unreachable; keep counting locally.
		s.fallbackUniqueVote(key, voteKey, option)
		return nil
	}

	if found && prev == option {
		return nil // identical repeat vote
	}

	if err := s.rdb.Set(ctx, voteKey, option, tallyTTL).Err(); err != nil {
		s.fallbackUniqueVote(key, voteKey, option)
		return nil
	}

	if found {
		if err := s.increment(ctx, key, prev, -1); err != nil {
			s.fallbackIncrement(key, prev, -1)
		}
	}
	if err := s.increment(ctx, key, option, 1); err != nil {
		s.fallbackIncrement(key, option, 1)
	}
	return nil
}

// lastVote reads the user's previous vote. found is false when the user has
// not voted yet.
func (s *TallyStore) lastVote(ctx context.Context, voteKey string) (int, bool, error) {
	val, err := s.rdb.Get(ctx, voteKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}

	prev, convErr := strconv.Atoi(val)
	if convErr != nil {
		return 0, false, nil
	}
	return prev, true, nil
}

func (s *TallyStore) increment(ctx context.Context, key string, option, delta int) error {
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, strconv.Itoa(option), int64(delta))
	pipe.Expire(ctx, key, tallyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Counts returns the per-option tallies for one (poll, channel). The
// boolean reports whether any counts came from the in-process fallback and
// are therefore non-durable.
func (s *TallyStore) Counts(ctx context.Context, pollID, channelID uuid.UUID) (map[int]int, bool, error) {
	key := tallyKey(pollID, channelID)
	counts := make(map[int]int)

	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err == nil {
		for field, val := range fields {
			idx, idxErr := strconv.Atoi(field)
			n, nErr := strconv.Atoi(val)
			if idxErr != nil || nErr != nil {
				continue
			}
			counts[idx] = n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usedFallback := s.fallbackInUse[key]
	if usedFallback {
		for idx, n := range s.fallbackTally[key] {
			counts[idx] += n
		}
	}

	if err != nil {
		// Without fallback counts an unreachable store has nothing to
		// report; the caller keeps the link's last-known counts.
		if !usedFallback {
			return nil, false, fmt.Errorf("failed to read tally: %w", err)
		}
		s.log.Warn("Tally read fell back to in-process counts",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}

	return counts, usedFallback || err != nil, nil
}

// Clear drops the counters for a finished poll.
func (s *TallyStore) Clear(ctx context.Context, pollID, channelID uuid.UUID) {
	key := tallyKey(pollID, channelID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Debug("Failed to clear tally", slog.String("key", key), slog.Any("error", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fallbackTally, key)
	delete(s.fallbackInUse, key)
}

// fallbackIncrement applies a delta to the in-process tally.
func (s *TallyStore) fallbackIncrement(key string, option, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fallbackInUse[key] {
		s.fallbackInUse[key] = true
		s.log.Warn("Shared store unreachable, counting votes in process", slog.String("key", key))
	}

	tally := s.fallbackTally[key]
	if tally == nil {
		tally = make(map[int]int)
		s.fallbackTally[key] = tally
	}
	tally[option] += delta
	if tally[option] < 0 {
		tally[option] = 0
	}
}

// fallbackUniqueVote applies unique-mode semantics on the in-process maps.
func (s *TallyStore) fallbackUniqueVote(key, voteKey string, option int) {
	s.mu.Lock()
	prev, found := s.fallbackVotes[voteKey]
	if found && prev == option {
		s.mu.Unlock()
		return
	}
	s.fallbackVotes[voteKey] = option
	s.mu.Unlock()

	if found {
		s.fallbackIncrement(key, prev, -1)
	}
	s.fallbackIncrement(key, option, 1)
}
