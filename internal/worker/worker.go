package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/session"
)

// abandoned reports errors meaning the session expired or already reached
// a terminal phase. Work done for such a session is discarded.
func abandoned(err error) bool {
	return errors.Is(err, session.ErrTerminal) || errors.Is(err, model.ErrExpiredSession)
}

// lastAttempt reports whether asynq will not retry the running task.
// Outside of asynq every attempt is the last.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// failSession moves the session to failed and reclaims its working
// directory. The returned error stops asynq from retrying.
func failSession(ctx context.Context, m *session.Machine, ws *session.Workspace, log *logger.Logger, sessionID string, kind model.ErrorKind, cause error) error {
	msg := cause.Error()
	var pe *model.PipelineError
	if errors.As(cause, &pe) && pe.Message != "" {
		msg = pe.Message
	}

	if _, err := m.Fail(ctx, sessionID, kind, msg); err != nil && !abandoned(err) {
		log.Error("failed to mark session failed", "session_id", sessionID, "error", err)
	}
	if _, err := ws.Reclaim(ctx, sessionID); err != nil {
		log.Warn("failed to reclaim session", "session_id", sessionID, "error", err)
	}
	return fmt.Errorf("%s: %v: %w", kind, cause, asynq.SkipRetry)
}
