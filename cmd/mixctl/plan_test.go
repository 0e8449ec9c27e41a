package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
)

const testFixture = `
guidance = "closing track"

[[tracks]]
slot = "a"
name = "Opener"
bpm = 122
key = "Am"
energy = 0.4
duration = 300

[[tracks]]
slot = "b"
name = "Builder"
bpm = 124
key = "Em"
energy = 0.7
duration = 280

[[tracks]]
slot = "c"
name = "Closer"
bpm = 126
key = "8B"
energy = 0.9
duration = 320
`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "set.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func testMixConfig() *config.MixConfig {
	return &config.MixConfig{DefaultBars: 32, MixSensitivity: 0.5, MaxStretch: 1.08}
}

func TestLoadFixture(t *testing.T) {
	f, err := loadFixture(writeFixture(t, testFixture))
	if err != nil {
		t.Fatalf("loadFixture: %v", err)
	}
	if f.Guidance != "closing track" {
		t.Errorf("expected guidance to be read, got %q", f.Guidance)
	}
	tracks := f.tracks()
	if len(tracks) != 3 {
		t.Fatalf("expected 3 tracks, got %d", len(tracks))
	}
	if tracks[0].HarmonicCode != "8A" {
		t.Errorf("expected Am to map to 8A, got %q", tracks[0].HarmonicCode)
	}
	if tracks[2].HarmonicCode != "8B" {
		t.Errorf("expected Camelot code to be kept, got %q", tracks[2].HarmonicCode)
	}
}

func TestLoadFixture_TooFewTracks(t *testing.T) {
	_, err := loadFixture(writeFixture(t, "[[tracks]]\nslot = \"a\"\nbpm = 120\nkey = \"Am\"\nduration = 200\n"))
	if err == nil {
		t.Fatal("expected an error for a single track")
	}
}

func TestPlanJob_Set(t *testing.T) {
	f, err := loadFixture(writeFixture(t, testFixture))
	if err != nil {
		t.Fatalf("loadFixture: %v", err)
	}

	job, excluded, err := planJob(context.Background(), f, model.JobModeSet, testMixConfig(), nil, logger.NewNop())
	if err != nil {
		t.Fatalf("planJob: %v", err)
	}
	if len(excluded) != 0 {
		t.Errorf("expected no exclusions, got %v", excluded)
	}
	if len(job.Tracks) != 3 || len(job.Segments) != 2 {
		t.Fatalf("expected 3 tracks and 2 segments, got %d and %d", len(job.Tracks), len(job.Segments))
	}
	if job.Tracks[0].ID != "a" {
		t.Errorf("expected the set to open with the lowest-energy track, got %s", job.Tracks[0].ID)
	}
	for _, seg := range job.Segments {
		if seg.Plan.Bars > 16 {
			t.Errorf("closing guidance should cap bars at 16, got %d", seg.Plan.Bars)
		}
		if seg.Plan.CrossfadeCurve != model.CurveTriangular {
			t.Errorf("closing guidance should pick tri, got %s", seg.Plan.CrossfadeCurve)
		}
	}

	var out bytes.Buffer
	if err := printPlan(&out, job, excluded, false); err != nil {
		t.Fatalf("printPlan: %v", err)
	}
	if !strings.Contains(out.String(), "automix tracklist") {
		t.Errorf("expected tracklist header, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Opener") {
		t.Errorf("expected track names in tracklist, got:\n%s", out.String())
	}
}

func TestPlanJob_PairKeepsFileOrder(t *testing.T) {
	f, err := loadFixture(writeFixture(t, testFixture))
	if err != nil {
		t.Fatalf("loadFixture: %v", err)
	}
	f.Tracks[0], f.Tracks[1] = f.Tracks[1], f.Tracks[0]

	job, _, err := planJob(context.Background(), f, model.JobModePair, testMixConfig(), nil, logger.NewNop())
	if err != nil {
		t.Fatalf("planJob: %v", err)
	}
	if len(job.Segments) != 1 {
		t.Fatalf("expected one transition, got %d", len(job.Segments))
	}
	if job.Segments[0].Plan.FromTrack != "b" || job.Segments[0].Plan.ToTrack != "a" {
		t.Errorf("expected b -> a, got %s -> %s", job.Segments[0].Plan.FromTrack, job.Segments[0].Plan.ToTrack)
	}

	var out bytes.Buffer
	if err := printPlan(&out, job, nil, true); err != nil {
		t.Fatalf("printPlan: %v", err)
	}
	var decoded struct {
		Transitions []model.TransitionPlan `json:"transitions"`
	}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if len(decoded.Transitions) != 1 {
		t.Errorf("expected one transition in JSON, got %d", len(decoded.Transitions))
	}
}
