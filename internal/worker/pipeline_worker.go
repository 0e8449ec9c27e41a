package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/sequencer"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/session"
	"github.com/makeasinger/automix/internal/strategy"
)

// PipelineWorker runs analysis, sequencing and strategy for a session and
// dispatches its segment renders. A retried task resumes from the phase
// stored in the snapshot.
type PipelineWorker struct {
	machine     *session.Machine
	workspace   *session.Workspace
	analyzer    client.Analyzer
	resolver    *strategy.Resolver
	settings    *service.SettingsService
	enqueuer    service.Enqueuer
	mix         *config.MixConfig
	parallelism int
	log         *logger.Logger
}

func NewPipelineWorker(
	machine *session.Machine,
	ws *session.Workspace,
	analyzer client.Analyzer,
	resolver *strategy.Resolver,
	settings *service.SettingsService,
	enqueuer service.Enqueuer,
	mix *config.MixConfig,
	parallelism int,
	log *logger.Logger,
) *PipelineWorker {
	if parallelism <= 0 {
		parallelism = 4
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &PipelineWorker{
		machine:     machine,
		workspace:   ws,
		analyzer:    analyzer,
		resolver:    resolver,
		settings:    settings,
		enqueuer:    enqueuer,
		mix:         mix,
		parallelism: parallelism,
		log:         log.With("worker", "pipeline"),
	}
}

// ProcessTask handles pipeline task processing
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.SessionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	log := w.log.With("session_id", p.SessionID)

	job, err := w.machine.Store().Get(ctx, p.SessionID)
	if err != nil {
		if abandoned(err) {
			log.Info("session expired before the pipeline ran")
			return nil
		}
		return err
	}
	if job.Phase.IsTerminal() {
		return nil
	}

	if job.Phase == model.PhaseAnalyzing {
		if job, err = w.analyze(ctx, job, log); err != nil {
			return w.handle(ctx, p.SessionID, err, log)
		}
	}
	if job.Phase == model.PhaseSequencing {
		if job, err = w.plan(ctx, job, log); err != nil {
			return w.handle(ctx, p.SessionID, err, log)
		}
	}
	if job.Phase == model.PhaseRendering {
		if err := w.dispatch(job); err != nil {
			return w.handle(ctx, p.SessionID, model.NewError(model.KindStorage, "failed to queue segments", err), log)
		}
	}
	return nil
}

// handle drops abandoned sessions, retries transient errors and fails the
// session for classified errors or on the last attempt.
func (w *PipelineWorker) handle(ctx context.Context, sessionID string, err error, log *logger.Logger) error {
	if abandoned(err) {
		log.Info("session ended while the pipeline ran, dropping result", "error", err)
		return nil
	}
	kind := model.KindOf(err)
	switch kind {
	case model.KindAnalysis, model.KindSequencing, model.KindInput:
	default:
		if !lastAttempt(ctx) {
			log.Warn("pipeline step failed, will retry", "error", err)
			return err
		}
		kind = model.KindStorage
	}
	return failSession(ctx, w.machine, w.workspace, log, sessionID, kind, err)
}

// analyze runs the analyzer over the job's uploads in parallel. Tracks
// that fail analysis are left out; fewer than two analyzed tracks fail
// the job.
func (w *PipelineWorker) analyze(ctx context.Context, job *model.SessionJob, log *logger.Logger) (*model.SessionJob, error) {
	uploads := jobUploads(job)
	results := make([]*model.Track, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for i, u := range uploads {
		g.Go(func() error {
			track, err := w.analyzer.Analyze(gctx, u)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Warn("track analysis failed, excluding track",
					"slot", u.Slot, "name", u.Name, "error_kind", model.KindAnalysis, "error", err)
				return nil
			}
			results[i] = track
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tracks := make([]model.Track, 0, len(results))
	for _, tr := range results {
		if tr != nil {
			tracks = append(tracks, *tr)
		}
	}
	if len(tracks) < 2 {
		return nil, model.NewError(model.KindAnalysis,
			fmt.Sprintf("only %d of %d tracks could be analyzed", len(tracks), len(uploads)), nil)
	}

	log.Info("analysis finished", "analyzed", len(tracks), "uploaded", len(uploads))
	return w.machine.Advance(ctx, job.SessionID, model.PhaseSequencing, "Sequencing tracks...",
		func(j *model.SessionJob) error {
			j.Tracks = tracks
			return nil
		})
}

// plan orders the tracks, resolves a strategy for every transition and
// moves the session to rendering.
func (w *PipelineWorker) plan(ctx context.Context, job *model.SessionJob, log *logger.Logger) (*model.SessionJob, error) {
	settings, err := w.settings.Get(ctx)
	if err != nil {
		log.Warn("failed to read admin settings, using defaults", "error", err)
	}

	seq := sequencer.New(sequencer.Config{
		MixSensitivity: settings.MixSensitivity,
		DefaultBars:    settings.DefaultBars,
		MaxStretch:     w.mix.MaxStretch,
	}, log)

	var plan *sequencer.Plan
	if job.Mode == model.JobModePair {
		plan, err = seq.Fixed(job.Tracks)
	} else {
		plan, err = seq.Sequence(job.Tracks)
	}
	if err != nil {
		return nil, err
	}

	for i := range plan.Transitions {
		plan.Transitions[i] = w.resolver.Resolve(ctx, strategy.Request{
			Plan:     plan.Transitions[i],
			From:     plan.Order[i],
			To:       plan.Order[i+1],
			Guidance: job.Guidance,
			Settings: settings,
		})
	}

	log.Info("sequence planned", "tracks", len(plan.Order), "excluded", len(plan.Excluded))
	return w.machine.StartRendering(ctx, job.SessionID, plan.Order, plan.Segments())
}

// dispatch queues every segment that is not done yet, in ordinal order.
func (w *PipelineWorker) dispatch(job *model.SessionJob) error {
	for _, seg := range job.Segments {
		if seg.Status == model.SegmentDone {
			continue
		}
		if err := service.EnqueueSegment(w.enqueuer, job.SessionID, seg.Ordinal, w.mix.RenderRetries); err != nil {
			return err
		}
	}
	return nil
}

// jobUploads selects the uploads a job mixes: slots a and b in that order
// for a pair, every slot for a set.
func jobUploads(job *model.SessionJob) []model.Upload {
	if job.Mode != model.JobModePair {
		return job.Uploads
	}
	var out []model.Upload
	for _, slot := range []string{service.PairSlotA, service.PairSlotB} {
		if u, ok := job.Upload(slot); ok {
			out = append(out, u)
		}
	}
	return out
}
