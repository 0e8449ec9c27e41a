package worker

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/session"
)

// SweepWorker reclaims working directories of expired sessions.
type SweepWorker struct {
	store     *session.Store
	workspace *session.Workspace
	log       *logger.Logger
}

func NewSweepWorker(store *session.Store, ws *session.Workspace, log *logger.Logger) *SweepWorker {
	if log == nil {
		log = logger.NewNop()
	}
	return &SweepWorker{
		store:     store,
		workspace: ws,
		log:       log.With("worker", "sweep"),
	}
}

func (w *SweepWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	removed, err := session.Sweep(ctx, w.store, w.workspace)
	if err != nil {
		w.log.Warn("sweep stopped early", "removed", removed, "error", err)
		return err
	}
	if removed > 0 {
		w.log.Info("reclaimed abandoned sessions", "removed", removed)
	}
	return nil
}
