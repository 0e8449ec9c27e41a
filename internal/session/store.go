package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/model"
)

const (
	DefaultTTL = time.Hour

	// maxTxRetries bounds optimistic transaction attempts under contention.
	maxTxRetries = 50
)

var (
	// ErrTerminal is returned when an update targets a ready or failed session.
	ErrTerminal = errors.New("session is terminal")
	// ErrNoChange lets an update callback skip the write.
	ErrNoChange = errors.New("no change")
	// ErrConflict is returned when optimistic retries are exhausted.
	ErrConflict = errors.New("session update conflict")
)

// Key is the redis key holding the session snapshot.
func Key(sessionID string) string {
	return "mix:session:" + sessionID
}

// Store keeps SessionJob snapshots in redis under a sliding TTL.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{redis: redisClient, ttl: ttl, now: time.Now}
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create saves a new snapshot. It fails if the id is already taken.
func (s *Store) Create(ctx context.Context, job *model.SessionJob) error {
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.ExpiresAt = now.Add(s.ttl)
	job.Version = 1

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, Key(job.SessionID), data, s.ttl).Result()
	if err != nil {
		return model.NewError(model.KindStorage, "failed to save session", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", job.SessionID)
	}
	return nil
}

// Get returns the current snapshot. A missing key means the session expired
// or never existed.
func (s *Store) Get(ctx context.Context, sessionID string) (*model.SessionJob, error) {
	data, err := s.redis.Get(ctx, Key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, expired(sessionID)
		}
		return nil, model.NewError(model.KindStorage, "failed to load session", err)
	}
	return decode(data)
}

// Delete drops the snapshot key.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, Key(sessionID)).Err(); err != nil {
		return model.NewError(model.KindStorage, "failed to delete session", err)
	}
	return nil
}

// Exists reports whether the snapshot key is still present.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.redis.Exists(ctx, Key(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update applies fn to the latest snapshot inside a WATCH/MULTI transaction
// and retries when another writer got there first. The TTL and expires_at
// are refreshed on every successful write.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(job *model.SessionJob) error) (*model.SessionJob, error) {
	key := Key(sessionID)
	var result *model.SessionJob

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return expired(sessionID)
			}
			return err
		}
		job, err := decode(data)
		if err != nil {
			return err
		}
		if job.Phase.IsTerminal() {
			result = job
			return ErrTerminal
		}
		if err := fn(job); err != nil {
			result = job
			return err
		}

		now := s.now()
		job.UpdatedAt = now
		job.ExpiresAt = now.Add(s.ttl)
		job.Version++
		out, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = job
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		result = nil
		err := s.redis.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			// result holds the unchanged snapshot when fn or the terminal check refused
			return result, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, sessionID)
}

func decode(data []byte) (*model.SessionJob, error) {
	var job model.SessionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &job, nil
}

func expired(sessionID string) error {
	return model.NewError(model.KindExpiredSession, fmt.Sprintf("session %s not found or expired", sessionID), nil)
}
