package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
)

// ErrInvalidTransition is returned for a phase change that would move backwards.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Publisher delivers progress events. Delivery failures are logged, never returned.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, ev *model.ProgressEvent) error
}

// Machine is the only writer of SessionJob phase. Every successful
// transition is written to the store first and then published once.
// Events reach the bus in snapshot version order: a write that loses the
// race to publish is dropped rather than sent after a newer one.
type Machine struct {
	store *Store
	bus   Publisher
	log   *logger.Logger

	mu        sync.Mutex
	published map[string]publishMark
}

type publishMark struct {
	version int64
	at      time.Time
}

func NewMachine(store *Store, bus Publisher, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Machine{
		store:     store,
		bus:       bus,
		log:       log.With("service", "PipelineStateMachine"),
		published: make(map[string]publishMark),
	}
}

func (m *Machine) Store() *Store {
	return m.store
}

// Begin moves a created session into analyzing for the given job mode.
func (m *Machine) Begin(ctx context.Context, sessionID string, mode model.JobMode, guidance string) (*model.SessionJob, error) {
	const msg = "Analyzing tracks..."
	job, err := m.store.Update(ctx, sessionID, func(job *model.SessionJob) error {
		if job.Phase != model.PhaseCreated {
			return model.ErrAlreadyStarted
		}
		job.Phase = model.PhaseAnalyzing
		job.Mode = mode
		job.Guidance = guidance
		job.Message = msg
		return nil
	})
	if err != nil {
		return job, m.refused(err)
	}
	m.publish(ctx, job)
	return job, nil
}

// Advance moves the session forward to next after applying mutate.
func (m *Machine) Advance(ctx context.Context, sessionID string, next model.Phase, message string, mutate func(job *model.SessionJob) error) (*model.SessionJob, error) {
	job, err := m.store.Update(ctx, sessionID, func(job *model.SessionJob) error {
		if !job.Phase.CanAdvanceTo(next) || next == model.PhaseFailed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Phase, next)
		}
		if mutate != nil {
			if err := mutate(job); err != nil {
				return err
			}
		}
		job.Phase = next
		job.Message = message
		return nil
	})
	if err != nil {
		return job, m.refused(err)
	}
	m.publish(ctx, job)
	return job, nil
}

// StartRendering records the ordered tracks and their segments and moves
// sequencing to rendering.
func (m *Machine) StartRendering(ctx context.Context, sessionID string, tracks []model.Track, segments []model.Segment) (*model.SessionJob, error) {
	if len(tracks) < 2 || len(segments) != len(tracks)-1 {
		return nil, fmt.Errorf("segments must number len(tracks)-1, got %d for %d tracks", len(segments), len(tracks))
	}
	for i, seg := range segments {
		if seg.Ordinal != i {
			return nil, fmt.Errorf("segment %d has ordinal %d", i, seg.Ordinal)
		}
	}
	total := len(segments)
	return m.Advance(ctx, sessionID, model.PhaseRendering,
		fmt.Sprintf("Rendering %d transitions...", total),
		func(job *model.SessionJob) error {
			if job.Phase != model.PhaseSequencing {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Phase, model.PhaseRendering)
			}
			current := 0
			job.Tracks = tracks
			job.Segments = segments
			job.TotalSegments = &total
			job.CurrentSegment = &current
			return nil
		})
}

// SegmentStarted marks a pending segment as rendering. Calling it again for
// a segment already rendering or done is a no-op.
func (m *Machine) SegmentStarted(ctx context.Context, sessionID string, ordinal int) (*model.SessionJob, error) {
	job, err := m.store.Update(ctx, sessionID, func(job *model.SessionJob) error {
		seg, err := segmentAt(job, ordinal)
		if err != nil {
			return err
		}
		if seg.Status != model.SegmentPending {
			return ErrNoChange
		}
		seg.Status = model.SegmentRendering
		job.Message = fmt.Sprintf("Rendering transition %d of %d...", ordinal+1, len(job.Segments))
		return nil
	})
	if err != nil {
		return job, m.refused(err)
	}
	m.publish(ctx, job)
	return job, nil
}

// SegmentDone marks a segment done and recomputes current_segment as the
// contiguous done prefix. The completion that finishes the last outstanding
// segment moves the session to finalizing and reports finalize=true; exactly
// one caller ever sees that.
func (m *Machine) SegmentDone(ctx context.Context, sessionID string, ordinal int, outputRef string) (job *model.SessionJob, finalize bool, err error) {
	job, err = m.store.Update(ctx, sessionID, func(job *model.SessionJob) error {
		finalize = false
		seg, err := segmentAt(job, ordinal)
		if err != nil {
			return err
		}
		if seg.Status == model.SegmentDone {
			return ErrNoChange
		}
		seg.Status = model.SegmentDone
		seg.OutputRef = outputRef

		done := job.DonePrefix()
		job.CurrentSegment = &done
		if job.AllSegmentsDone() {
			job.Phase = model.PhaseFinalizing
			job.Message = "Finalizing mix..."
			finalize = true
		} else {
			job.Message = fmt.Sprintf("Rendered %d of %d transitions", done, len(job.Segments))
		}
		return nil
	})
	if err != nil {
		return job, false, m.refused(err)
	}
	m.publish(ctx, job)
	return job, finalize, nil
}

// Complete moves finalizing to ready with the final artifact refs.
func (m *Machine) Complete(ctx context.Context, sessionID, artifactRef, tracklistRef, archiveURL string) (*model.SessionJob, error) {
	return m.Advance(ctx, sessionID, model.PhaseReady, "Mix ready", func(job *model.SessionJob) error {
		if job.Phase != model.PhaseFinalizing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Phase, model.PhaseReady)
		}
		now := time.Now()
		job.ArtifactRef = artifactRef
		job.TracklistRef = tracklistRef
		job.ArchiveURL = archiveURL
		job.CompletedAt = &now
		return nil
	})
}

// Fail moves any non-terminal session to failed. Failing a session that is
// already terminal returns ErrTerminal and publishes nothing.
func (m *Machine) Fail(ctx context.Context, sessionID string, kind model.ErrorKind, message string) (*model.SessionJob, error) {
	job, err := m.store.Update(ctx, sessionID, func(job *model.SessionJob) error {
		now := time.Now()
		errMsg := message
		job.Phase = model.PhaseFailed
		job.Error = &errMsg
		job.ErrorKind = kind
		job.Message = message
		job.CompletedAt = &now
		for i := range job.Segments {
			if job.Segments[i].Status == model.SegmentRendering {
				job.Segments[i].Status = model.SegmentFailed
			}
		}
		return nil
	})
	if err != nil {
		return job, err
	}
	m.log.Warn("session failed", "session_id", sessionID, "error_kind", kind, "error", message)
	m.publish(ctx, job)
	return job, nil
}

// refused maps ErrNoChange to nil so repeated calls stay idempotent.
func (m *Machine) refused(err error) error {
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

func (m *Machine) publish(ctx context.Context, job *model.SessionJob) {
	if m.bus == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.published[job.SessionID]; ok && job.Version <= last.version {
		m.log.Debug("skipping stale progress", "session_id", job.SessionID, "version", job.Version, "published", last.version)
		return
	}
	m.published[job.SessionID] = publishMark{version: job.Version, at: now}
	m.prune(now)

	if err := m.bus.Publish(ctx, job.SessionID, model.NewProgressEvent(job.Status(""))); err != nil {
		m.log.Warn("failed to publish progress", "session_id", job.SessionID, "phase", job.Phase, "error", err)
	}
}

// prune forgets sessions whose store key has expired by now. Caller holds mu.
func (m *Machine) prune(now time.Time) {
	for id, mark := range m.published {
		if now.Sub(mark.at) > m.store.TTL() {
			delete(m.published, id)
		}
	}
}

func segmentAt(job *model.SessionJob, ordinal int) (*model.Segment, error) {
	if job.Phase != model.PhaseRendering {
		return nil, fmt.Errorf("%w: segment update in phase %s", ErrInvalidTransition, job.Phase)
	}
	if ordinal < 0 || ordinal >= len(job.Segments) {
		return nil, fmt.Errorf("segment %d out of range", ordinal)
	}
	return &job.Segments[ordinal], nil
}
