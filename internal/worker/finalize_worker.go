package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/session"
)

// FinalizeWorker stitches rendered segments into the final mix.
type FinalizeWorker struct {
	machine   *session.Machine
	workspace *session.Workspace
	toolchain client.Toolchain
	archive   client.Archiver
	log       *logger.Logger
}

// NewFinalizeWorker creates a finalize worker. archive may be nil.
func NewFinalizeWorker(machine *session.Machine, ws *session.Workspace, toolchain client.Toolchain, archive client.Archiver, log *logger.Logger) *FinalizeWorker {
	if log == nil {
		log = logger.NewNop()
	}
	return &FinalizeWorker{
		machine:   machine,
		workspace: ws,
		toolchain: toolchain,
		archive:   archive,
		log:       log.With("worker", "finalize"),
	}
}

// ProcessTask handles finalize task processing
func (w *FinalizeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.SessionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	log := w.log.With("session_id", p.SessionID)

	job, err := w.machine.Store().Get(ctx, p.SessionID)
	if err != nil {
		if abandoned(err) {
			log.Info("session expired before finalize")
			return nil
		}
		return err
	}
	if job.Phase != model.PhaseFinalizing {
		log.Info("session not finalizing, nothing to do", "phase", job.Phase)
		return nil
	}

	artifact, tracklist, err := w.stitch(ctx, job)
	if err != nil {
		kind := model.KindOf(err)
		if kind == "" {
			kind = model.KindRender
		}
		if !lastAttempt(ctx) && kind != model.KindStorage {
			log.Warn("finalize failed, will retry", "error", err)
			return err
		}
		log.Error("finalize failed", "error_kind", kind, "error", err)
		return failSession(ctx, w.machine, w.workspace, log, p.SessionID, kind, err)
	}

	archiveURL := w.archiveArtifact(ctx, job, artifact, tracklist, log)

	if _, err := w.machine.Complete(ctx, p.SessionID, artifact, tracklist, archiveURL); err != nil {
		if abandoned(err) {
			log.Info("session ended during finalize, discarding mix")
			return nil
		}
		return err
	}

	for _, seg := range job.Segments {
		_ = os.Remove(segmentPath(job, seg.Ordinal))
	}
	log.Info("mix ready", "segments", len(job.Segments))
	return nil
}

// stitch concatenates the segments in ordinal order and writes the
// tracklist next to the artifact.
func (w *FinalizeWorker) stitch(ctx context.Context, job *model.SessionJob) (string, string, error) {
	inputs := make([]string, len(job.Segments))
	for i, seg := range job.Segments {
		path := segmentPath(job, seg.Ordinal)
		if _, err := os.Stat(path); err != nil {
			return "", "", model.NewError(model.KindStorage, fmt.Sprintf("segment %d output is missing", seg.Ordinal), err)
		}
		inputs[i] = path
	}

	artifact := filepath.Join(job.WorkDir, artifactName)
	tmp := artifact + ".part"
	if err := w.toolchain.Concat(ctx, inputs, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", "", err
	}
	if err := os.Rename(tmp, artifact); err != nil {
		_ = os.Remove(tmp)
		return "", "", model.NewError(model.KindStorage, "failed to store mix", err)
	}

	text, err := BuildTracklist(job)
	if err != nil {
		return "", "", model.NewError(model.KindRender, "failed to build tracklist", err)
	}
	tracklist := filepath.Join(job.WorkDir, tracklistName)
	if err := os.WriteFile(tracklist, []byte(text), 0o644); err != nil {
		return "", "", model.NewError(model.KindStorage, "failed to write tracklist", err)
	}
	return artifact, tracklist, nil
}

// archiveArtifact uploads the mix and tracklist when an archive is
// configured. Archive failures never fail the session.
func (w *FinalizeWorker) archiveArtifact(ctx context.Context, job *model.SessionJob, artifact, tracklist string, log *logger.Logger) string {
	if w.archive == nil {
		return ""
	}
	upload := func(path, key, contentType string) (string, error) {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return w.archive.Upload(ctx, key, f, contentType)
	}

	prefix := "mixes/" + job.SessionID + "/"
	url, err := upload(artifact, prefix+artifactName, "audio/wav")
	if err != nil {
		log.Warn("failed to archive mix", "error", err)
		return ""
	}
	if _, err := upload(tracklist, prefix+tracklistName, "text/plain; charset=utf-8"); err != nil {
		log.Warn("failed to archive tracklist", "error", err)
	}
	return url
}
