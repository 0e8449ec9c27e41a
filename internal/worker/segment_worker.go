package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/session"
	"github.com/makeasinger/automix/internal/strategy"
)

// SegmentWorker renders one transition per task.
type SegmentWorker struct {
	machine       *session.Machine
	workspace     *session.Workspace
	toolchain     client.Toolchain
	library       *strategy.Library
	enqueuer      service.Enqueuer
	renderRetries int
	log           *logger.Logger
}

func NewSegmentWorker(
	machine *session.Machine,
	ws *session.Workspace,
	toolchain client.Toolchain,
	library *strategy.Library,
	enqueuer service.Enqueuer,
	renderRetries int,
	log *logger.Logger,
) *SegmentWorker {
	if log == nil {
		log = logger.NewNop()
	}
	return &SegmentWorker{
		machine:       machine,
		workspace:     ws,
		toolchain:     toolchain,
		library:       library,
		enqueuer:      enqueuer,
		renderRetries: renderRetries,
		log:           log.With("worker", "segment"),
	}
}

// ProcessTask handles segment render task processing
func (w *SegmentWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.SegmentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	log := w.log.With("session_id", p.SessionID, "ordinal", p.Ordinal)

	job, err := w.machine.Store().Get(ctx, p.SessionID)
	if err != nil {
		if abandoned(err) {
			log.Info("session expired, abandoning segment")
			return nil
		}
		return err
	}

	switch job.Phase {
	case model.PhaseRendering:
	case model.PhaseFinalizing:
		// the finisher may have died between its store write and the enqueue
		return service.EnqueueFinalize(w.enqueuer, p.SessionID, w.renderRetries)
	default:
		log.Info("session not rendering, abandoning segment", "phase", job.Phase)
		return nil
	}
	if p.Ordinal < 0 || p.Ordinal >= len(job.Segments) {
		return fmt.Errorf("segment %d out of range: %w", p.Ordinal, asynq.SkipRetry)
	}

	output := segmentPath(job, p.Ordinal)
	if job.Segments[p.Ordinal].Status == model.SegmentDone {
		if _, err := os.Stat(output); err == nil {
			return nil
		}
	}
	if !w.workspace.Exists(p.SessionID) {
		log.Warn("working directory is gone, abandoning segment")
		return nil
	}

	if _, err := w.machine.SegmentStarted(ctx, p.SessionID, p.Ordinal); err != nil {
		if abandoned(err) {
			return nil
		}
		return err
	}

	if err := w.render(ctx, job, p.Ordinal, output); err != nil {
		if !lastAttempt(ctx) {
			log.Warn("segment render failed, will retry", "error", err)
			return err
		}
		log.Error("segment render failed", "error_kind", model.KindRender, "error", err)
		return failSession(ctx, w.machine, w.workspace, log, p.SessionID, model.KindRender,
			fmt.Errorf("transition %d: %w", p.Ordinal+1, err))
	}

	_, finalize, err := w.machine.SegmentDone(ctx, p.SessionID, p.Ordinal, output)
	if err != nil {
		if abandoned(err) {
			log.Info("session ended during render, discarding segment")
			_ = os.Remove(output)
			return nil
		}
		return err
	}
	log.Info("segment rendered")
	if finalize {
		return service.EnqueueFinalize(w.enqueuer, p.SessionID, w.renderRetries)
	}
	return nil
}

// render writes the segment to a temp file and renames it into place, so
// output only ever holds a complete render.
func (w *SegmentWorker) render(ctx context.Context, job *model.SessionJob, ordinal int, output string) error {
	layouts, err := planLayout(job)
	if err != nil {
		return model.NewError(model.KindRender, "cannot lay out segment", err)
	}

	tmp := output + ".part"
	spec := segmentSpec(layouts[ordinal], job.Segments[ordinal].Plan, w.library, tmp, job.WorkDir)
	if err := w.toolchain.RenderSegment(ctx, spec); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return model.NewError(model.KindStorage, "failed to store segment", err)
	}
	return nil
}
