package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/model"
)

// reclaimMarkerTTL keeps the reclamation guard long after the session key is gone.
const reclaimMarkerTTL = 24 * time.Hour

// ReclaimKey guards single removal of a session's working directory.
func ReclaimKey(sessionID string) string {
	return "mix:reclaimed:" + sessionID
}

// Workspace manages per-session working directories under a common root.
type Workspace struct {
	root      string
	redis     *redis.Client
	removeAll func(path string) error
}

func NewWorkspace(root string, redisClient *redis.Client) *Workspace {
	return &Workspace{root: root, redis: redisClient, removeAll: os.RemoveAll}
}

func (w *Workspace) Root() string {
	return w.root
}

// Dir is the working directory for a session.
func (w *Workspace) Dir(sessionID string) string {
	return filepath.Join(w.root, filepath.Base(sessionID))
}

// Create makes the working directory for a new session.
func (w *Workspace) Create(sessionID string) (string, error) {
	dir := w.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", model.NewError(model.KindStorage, "failed to create working directory", err)
	}
	return dir, nil
}

// Exists reports whether the working directory is still on disk.
func (w *Workspace) Exists(sessionID string) bool {
	info, err := os.Stat(w.Dir(sessionID))
	return err == nil && info.IsDir()
}

// Reclaim removes the session's working directory at most once across all
// callers. It returns true for the caller that performed the removal. A
// failed removal releases the guard so a later sweep can try again.
func (w *Workspace) Reclaim(ctx context.Context, sessionID string) (bool, error) {
	won, err := w.redis.SetNX(ctx, ReclaimKey(sessionID), time.Now().Unix(), reclaimMarkerTTL).Result()
	if err != nil {
		return false, model.NewError(model.KindStorage, "failed to acquire reclaim guard", err)
	}
	if !won {
		return false, nil
	}
	if err := w.removeAll(w.Dir(sessionID)); err != nil {
		if derr := w.redis.Del(ctx, ReclaimKey(sessionID)).Err(); derr != nil {
			err = errors.Join(err, derr)
		}
		return false, model.NewError(model.KindStorage, "failed to remove working directory", err)
	}
	return true, nil
}

// Reclaimed reports whether the session's directory was already removed.
func (w *Workspace) Reclaimed(ctx context.Context, sessionID string) (bool, error) {
	n, err := w.redis.Exists(ctx, ReclaimKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the session ids that still have a directory on disk.
func (w *Workspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list session root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Sweep reclaims every working directory whose session snapshot has
// expired and returns how many directories it removed.
func Sweep(ctx context.Context, store *Store, ws *Workspace) (int, error) {
	ids, err := ws.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		alive, err := store.Exists(ctx, id)
		if err != nil {
			return removed, model.NewError(model.KindStorage, "failed to check session", err)
		}
		if alive {
			continue
		}
		won, err := ws.Reclaim(ctx, id)
		if err != nil {
			return removed, err
		}
		if won {
			removed++
		}
	}
	return removed, nil
}
