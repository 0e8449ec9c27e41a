package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/session"
)

func newSessionService(t *testing.T, root string) (*SessionService, *miniredis.Miniredis, *session.Workspace) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := session.NewStore(rdb, session.DefaultTTL)
	ws := session.NewWorkspace(root, rdb)
	mix := &config.MixConfig{MaxUploadMB: 1, MaxTracks: 8, DefaultBars: 16}
	return NewSessionService(session.NewMachine(store, nil, nil), ws, nil, mix, nil), mr, ws
}

func TestCreateSession_KeyAndDirectory(t *testing.T) {
	svc, mr, ws := newSessionService(t, t.TempDir())

	created, err := svc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if !mr.Exists(session.Key(created.SessionID)) {
		t.Error("expected session key to exist")
	}
	if !ws.Exists(created.SessionID) {
		t.Error("expected working directory to exist")
	}

	removed, err := svc.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if removed.Removed != 0 || !ws.Exists(created.SessionID) {
		t.Errorf("a fresh session must survive cleanup, removed %d", removed.Removed)
	}
}

func TestCreateSession_WorkspaceFailureDropsKey(t *testing.T) {
	// a regular file as root makes every directory creation fail
	root := filepath.Join(t.TempDir(), "root")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc, mr, _ := newSessionService(t, root)

	_, err := svc.CreateSession(context.Background())
	if err == nil {
		t.Fatal("expected CreateSession to fail")
	}
	if model.KindOf(err) != model.KindStorage {
		t.Errorf("expected StorageError, got %v", model.KindOf(err))
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("expected no session keys left, got %v", keys)
	}
}
