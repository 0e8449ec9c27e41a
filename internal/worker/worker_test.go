package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/session"
	"github.com/makeasinger/automix/internal/strategy"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	ids   map[string]bool
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) ofType(typename string) []*asynq.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*asynq.Task
	for _, t := range f.tasks {
		if t.Type() == typename {
			out = append(out, t)
		}
	}
	return out
}

type fakeAnalyzer struct {
	tracks map[string]model.Track
}

func (f *fakeAnalyzer) Analyze(_ context.Context, u model.Upload) (*model.Track, error) {
	tr, ok := f.tracks[u.Slot]
	if !ok {
		return nil, model.NewError(model.KindAnalysis, "undecodable audio", nil)
	}
	tr.ID, tr.Slot, tr.FileRef = u.Slot, u.Slot, u.FileRef
	return &tr, nil
}

type fakeToolchain struct {
	mu      sync.Mutex
	fail    map[int]bool
	renders int
	specs   map[int]client.SegmentSpec
}

func (f *fakeToolchain) RenderSegment(_ context.Context, spec client.SegmentSpec) error {
	var ordinal int
	fmt.Sscanf(filepath.Base(spec.Output), "seg_%d.wav", &ordinal)

	f.mu.Lock()
	f.renders++
	if f.specs == nil {
		f.specs = map[int]client.SegmentSpec{}
	}
	f.specs[ordinal] = spec
	fail := f.fail[ordinal]
	f.mu.Unlock()

	if err := os.WriteFile(spec.Output, []byte(fmt.Sprintf("[%d]", ordinal)), 0o644); err != nil {
		return err
	}
	if fail {
		return model.NewError(model.KindRender, "rubberband failed: bad input", nil)
	}
	return nil
}

func (f *fakeToolchain) Concat(_ context.Context, inputs []string, output string) error {
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return os.WriteFile(output, buf.Bytes(), 0o644)
}

type harness struct {
	store     *session.Store
	machine   *session.Machine
	workspace *session.Workspace
	sessions  *service.SessionService
	enqueuer  *fakeEnqueuer
	toolchain *fakeToolchain
	pipeline  *PipelineWorker
	segment   *SegmentWorker
	finalize  *FinalizeWorker
}

func newHarness(t *testing.T, tracks map[string]model.Track) *harness {
	t.Helper()
	return newHarnessWith(t, tracks, strategy.NewResolver(nil, nil))
}

func newHarnessWith(t *testing.T, tracks map[string]model.Track, resolver *strategy.Resolver) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mix := &config.MixConfig{MaxUploadMB: 1, MaxTracks: 8, DefaultBars: 16, MixSensitivity: 0.5, MaxStretch: 1.08, RenderRetries: 2}
	store := session.NewStore(rdb, session.DefaultTTL)
	machine := session.NewMachine(store, nil, nil)
	ws := session.NewWorkspace(t.TempDir(), rdb)
	enq := &fakeEnqueuer{ids: map[string]bool{}}
	tc := &fakeToolchain{fail: map[int]bool{}}
	settings := service.NewSettingsService(rdb, mix, nil)

	return &harness{
		store:     store,
		machine:   machine,
		workspace: ws,
		sessions:  service.NewSessionService(machine, ws, enq, mix, nil),
		enqueuer:  enq,
		toolchain: tc,
		pipeline:  NewPipelineWorker(machine, ws, &fakeAnalyzer{tracks: tracks}, resolver, settings, enq, mix, 2, nil),
		segment:   NewSegmentWorker(machine, ws, tc, nil, enq, mix.RenderRetries, nil),
		finalize:  NewFinalizeWorker(machine, ws, tc, nil, nil),
	}
}

func (h *harness) startSet(t *testing.T, slots ...string) string {
	t.Helper()
	ctx := context.Background()
	created, err := h.sessions.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	for _, slot := range slots {
		if _, err := h.sessions.Upload(ctx, created.SessionID, slot, slot+".wav", 4, strings.NewReader("RIFF")); err != nil {
			t.Fatalf("Upload(%s) error: %v", slot, err)
		}
	}
	if _, err := h.sessions.StartSet(ctx, created.SessionID, &model.StartJobRequest{}); err != nil {
		t.Fatalf("StartSet() error: %v", err)
	}
	return created.SessionID
}

func analyzed(bpm float64, key string, energy float64) model.Track {
	k, err := model.ParseKey(key)
	if err != nil {
		panic(err)
	}
	return model.Track{Name: key + " track", BPM: bpm, Key: k, HarmonicCode: k.Camelot(), Energy: energy, DurationSec: 200}
}

func threeTracks() map[string]model.Track {
	return map[string]model.Track{
		"a": analyzed(120, "8A", 0.2),
		"b": analyzed(120, "8A", 0.5),
		"c": analyzed(120, "9A", 0.8),
	}
}

func segmentTask(t *testing.T, h *harness, ordinal int) *asynq.Task {
	t.Helper()
	for _, task := range h.enqueuer.ofType(service.TaskTypeSegment) {
		if strings.Contains(string(task.Payload()), fmt.Sprintf(`"ordinal":%d`, ordinal)) {
			return task
		}
	}
	t.Fatalf("no segment task for ordinal %d", ordinal)
	return nil
}

func TestPipeline_HappyPathToReady(t *testing.T) {
	h := newHarness(t, threeTracks())
	ctx := context.Background()
	id := h.startSet(t, "a", "b", "c")

	pipelineTasks := h.enqueuer.ofType(service.TaskTypePipeline)
	if len(pipelineTasks) != 1 {
		t.Fatalf("expected 1 pipeline task, got %d", len(pipelineTasks))
	}
	if err := h.pipeline.ProcessTask(ctx, pipelineTasks[0]); err != nil {
		t.Fatalf("pipeline ProcessTask() error: %v", err)
	}

	job, err := h.store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Phase != model.PhaseRendering || *job.TotalSegments != 2 {
		t.Fatalf("expected rendering with 2 segments, got %s %v", job.Phase, job.TotalSegments)
	}
	if job.Tracks[0].ID != "a" || job.Tracks[2].ID != "c" {
		t.Errorf("expected order a b c, got %s %s %s", job.Tracks[0].ID, job.Tracks[1].ID, job.Tracks[2].ID)
	}
	if n := len(h.enqueuer.ofType(service.TaskTypeSegment)); n != 2 {
		t.Fatalf("expected 2 segment tasks, got %d", n)
	}

	// finish out of order: progress must stay at the done prefix
	if err := h.segment.ProcessTask(ctx, segmentTask(t, h, 1)); err != nil {
		t.Fatalf("segment 1 error: %v", err)
	}
	job, _ = h.store.Get(ctx, id)
	if *job.CurrentSegment != 0 {
		t.Errorf("expected current segment 0 while segment 0 is pending, got %d", *job.CurrentSegment)
	}
	if n := len(h.enqueuer.ofType(service.TaskTypeFinalize)); n != 0 {
		t.Fatalf("finalize enqueued early")
	}

	if err := h.segment.ProcessTask(ctx, segmentTask(t, h, 0)); err != nil {
		t.Fatalf("segment 0 error: %v", err)
	}
	finals := h.enqueuer.ofType(service.TaskTypeFinalize)
	if len(finals) != 1 {
		t.Fatalf("expected exactly 1 finalize task, got %d", len(finals))
	}

	// a redelivered segment task neither renders nor finalizes twice
	renders := h.toolchain.renders
	if err := h.segment.ProcessTask(ctx, segmentTask(t, h, 0)); err != nil {
		t.Fatalf("redelivered segment error: %v", err)
	}
	if h.toolchain.renders != renders {
		t.Errorf("redelivered segment rendered again")
	}
	if n := len(h.enqueuer.ofType(service.TaskTypeFinalize)); n != 1 {
		t.Errorf("expected finalize to stay unique, got %d", n)
	}

	if err := h.finalize.ProcessTask(ctx, finals[0]); err != nil {
		t.Fatalf("finalize error: %v", err)
	}
	job, _ = h.store.Get(ctx, id)
	if job.Phase != model.PhaseReady {
		t.Fatalf("expected ready, got %s (%v)", job.Phase, job.Error)
	}
	mix, err := os.ReadFile(job.ArtifactRef)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if string(mix) != "[0][1]" {
		t.Errorf("segments must be concatenated in ordinal order, got %q", mix)
	}
	text, err := os.ReadFile(job.TracklistRef)
	if err != nil {
		t.Fatalf("tracklist missing: %v", err)
	}
	if !strings.Contains(string(text), "[02:48]") || !strings.Contains(string(text), "[05:36]") {
		t.Errorf("unexpected tracklist offsets:\n%s", text)
	}
	if _, err := os.Stat(filepath.Join(job.WorkDir, SegmentFile(0))); !os.IsNotExist(err) {
		t.Errorf("segment files should be removed after finalize")
	}
}

func TestSegment_RenderFailureFailsSessionAndReclaims(t *testing.T) {
	h := newHarness(t, threeTracks())
	ctx := context.Background()
	id := h.startSet(t, "a", "b", "c")
	if err := h.pipeline.ProcessTask(ctx, h.enqueuer.ofType(service.TaskTypePipeline)[0]); err != nil {
		t.Fatal(err)
	}
	h.toolchain.fail[1] = true

	err := h.segment.ProcessTask(ctx, segmentTask(t, h, 1))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry after the last attempt, got %v", err)
	}

	job, _ := h.store.Get(ctx, id)
	if job.Phase != model.PhaseFailed || job.ErrorKind != model.KindRender {
		t.Fatalf("expected failed with RenderError, got %s %s", job.Phase, job.ErrorKind)
	}
	if job.Segments[1].Status != model.SegmentFailed {
		t.Errorf("expected segment 1 failed, got %s", job.Segments[1].Status)
	}
	if h.workspace.Exists(id) {
		t.Errorf("working directory should be reclaimed")
	}

	renders := h.toolchain.renders
	if err := h.segment.ProcessTask(ctx, segmentTask(t, h, 0)); err != nil {
		t.Fatalf("abandoned segment should not error, got %v", err)
	}
	if h.toolchain.renders != renders {
		t.Errorf("segment of a failed session must not render")
	}
	if n := len(h.enqueuer.ofType(service.TaskTypeFinalize)); n != 0 {
		t.Errorf("failed session must not finalize")
	}
}

func TestPipeline_AnalysisFailureLeavesOneTrack(t *testing.T) {
	tracks := threeTracks()
	delete(tracks, "b")
	delete(tracks, "c")
	h := newHarness(t, tracks)
	ctx := context.Background()
	id := h.startSet(t, "a", "b", "c")

	err := h.pipeline.ProcessTask(ctx, h.enqueuer.ofType(service.TaskTypePipeline)[0])
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	job, _ := h.store.Get(ctx, id)
	if job.Phase != model.PhaseFailed || job.ErrorKind != model.KindAnalysis {
		t.Fatalf("expected failed with AnalysisError, got %s %s", job.Phase, job.ErrorKind)
	}
	if n := len(h.enqueuer.ofType(service.TaskTypeSegment)); n != 0 {
		t.Errorf("no segments expected, got %d", n)
	}
}

func TestPipeline_ExcludesUnanalyzableTrack(t *testing.T) {
	tracks := threeTracks()
	delete(tracks, "b")
	h := newHarness(t, tracks)
	ctx := context.Background()
	id := h.startSet(t, "a", "b", "c")

	if err := h.pipeline.ProcessTask(ctx, h.enqueuer.ofType(service.TaskTypePipeline)[0]); err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
	job, _ := h.store.Get(ctx, id)
	if job.Phase != model.PhaseRendering || len(job.Tracks) != 2 || len(job.Segments) != 1 {
		t.Fatalf("expected 2 tracks and 1 segment, got %s %d %d", job.Phase, len(job.Tracks), len(job.Segments))
	}
}

func TestSegment_ExpiredSessionIsAbandoned(t *testing.T) {
	h := newHarness(t, threeTracks())
	task := asynq.NewTask(service.TaskTypeSegment, []byte(`{"sessionId":"gone","ordinal":0}`))
	if err := h.segment.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("expected abandoned task to succeed, got %v", err)
	}
	if h.toolchain.renders != 0 {
		t.Errorf("nothing should render for an expired session")
	}
}

func TestPlanLayout(t *testing.T) {
	job := &model.SessionJob{
		WorkDir: "/work",
		Tracks: []model.Track{
			analyzed(120, "8A", 0.1), analyzed(120, "8A", 0.2), analyzed(120, "9A", 0.3),
		},
	}
	for i, id := range []string{"x", "y", "z"} {
		job.Tracks[i].ID = id
	}
	job.Segments = []model.Segment{
		{Ordinal: 0, Plan: model.TransitionPlan{FromTrack: "x", ToTrack: "y", Bars: 16, TempoRatio: 1}},
		{Ordinal: 1, Plan: model.TransitionPlan{FromTrack: "y", ToTrack: "z", Bars: 16, TempoRatio: 1, HarmonicDistance: 2}},
	}

	layouts, err := planLayout(job)
	if err != nil {
		t.Fatalf("planLayout() error: %v", err)
	}
	first, second := layouts[0], layouts[1]
	if first.Crossfade != 32 || first.IncomingLimit != 32 || first.FadeAt != 168 {
		t.Errorf("unexpected first layout %+v", first)
	}
	if second.OutgoingOffset != 32 || second.IncomingLimit != 0 || second.Start != 200 || second.FadeAt != 336 {
		t.Errorf("unexpected second layout %+v", second)
	}

	spec := segmentSpec(second, job.Segments[1].Plan, nil, "/work/seg_1.wav.part", job.WorkDir)
	if !spec.HighPass || spec.OutgoingOffset != 32 || spec.IncomingTempo != 1 {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestPlanLayout_CapsCrossfade(t *testing.T) {
	short := analyzed(120, "8A", 0.1)
	short.ID, short.DurationSec = "s", 50
	long := analyzed(120, "8A", 0.2)
	long.ID = "l"
	job := &model.SessionJob{
		Tracks:   []model.Track{short, long},
		Segments: []model.Segment{{Plan: model.TransitionPlan{FromTrack: "s", ToTrack: "l", Bars: 64, TempoRatio: 1}}},
	}

	layouts, err := planLayout(job)
	if err != nil {
		t.Fatal(err)
	}
	if layouts[0].Crossfade != 10 {
		t.Errorf("expected crossfade capped at 20%% of 50s, got %v", layouts[0].Crossfade)
	}
}

func TestSweep_ReclaimsOrphanedDirectories(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	live, err := h.sessions.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if _, err := h.workspace.Create("orphan"); err != nil {
		t.Fatalf("Create(orphan) error: %v", err)
	}

	w := NewSweepWorker(h.store, h.workspace, nil)
	if err := w.ProcessTask(ctx, service.NewSweepTask()); err != nil {
		t.Fatalf("ProcessTask() error: %v", err)
	}

	if h.workspace.Exists("orphan") {
		t.Error("orphan directory should be removed")
	}
	if !h.workspace.Exists(live.SessionID) {
		t.Error("live session directory should be kept")
	}
}

type failingChat struct {
	mu    sync.Mutex
	calls int
	reply string // returned when set, otherwise the call waits for its deadline
}

func (c *failingChat) ChatCompletion(ctx context.Context, _, _ string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.reply != "" {
		return c.reply, nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func (c *failingChat) IsConfigured() bool { return true }

func TestPipeline_ReadyWhenDecisionServiceFails(t *testing.T) {
	tests := []struct {
		name string
		chat *failingChat
	}{
		{"timeout", &failingChat{}},
		{"not json", &failingChat{reply: "Sure! Here is my plan: fade slowly."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := strategy.NewResolver(nil, nil,
				strategy.NewDecisionSource(tt.chat, 20*time.Millisecond, nil))
			h := newHarnessWith(t, threeTracks(), resolver)
			ctx := context.Background()
			id := h.startSet(t, "a", "b", "c")

			if err := h.pipeline.ProcessTask(ctx, h.enqueuer.ofType(service.TaskTypePipeline)[0]); err != nil {
				t.Fatalf("pipeline ProcessTask() error: %v", err)
			}
			for ordinal := 0; ordinal < 2; ordinal++ {
				if err := h.segment.ProcessTask(ctx, segmentTask(t, h, ordinal)); err != nil {
					t.Fatalf("segment %d error: %v", ordinal, err)
				}
			}
			finals := h.enqueuer.ofType(service.TaskTypeFinalize)
			if len(finals) != 1 {
				t.Fatalf("expected 1 finalize task, got %d", len(finals))
			}
			if err := h.finalize.ProcessTask(ctx, finals[0]); err != nil {
				t.Fatalf("finalize error: %v", err)
			}

			job, err := h.store.Get(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if job.Phase != model.PhaseReady {
				t.Fatalf("expected ready, got %s (%v)", job.Phase, job.Error)
			}
			if tt.chat.calls != 2 {
				t.Errorf("expected the decision service to be asked once per transition, got %d", tt.chat.calls)
			}
			for _, seg := range job.Segments {
				if seg.Plan.CrossfadeCurve != model.CurveHalfSine {
					t.Errorf("segment %d: expected default curve, got %s", seg.Ordinal, seg.Plan.CrossfadeCurve)
				}
			}
		})
	}
}
