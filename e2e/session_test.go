package e2e

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/model"
)

var wavBytes = []byte("RIFF----WAVEfmt ")

func TestCreateSession(t *testing.T) {
	ta := setupApp(t)

	id := createSession(t, ta.app)

	if !ta.workspace.Exists(id) {
		t.Error("expected a working directory for the new session")
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/status", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["phase"] != string(model.PhaseCreated) {
		t.Errorf("expected phase 'created', got %v", body["phase"])
	}
}

func TestStatus_UnknownSession(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/sessions/does-not-exist/status", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusGone)
	if code := errorCode(t, resp); code != string(model.KindExpiredSession) {
		t.Errorf("expected %s, got %s", model.KindExpiredSession, code)
	}
}

func TestUpload_Success(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta.app)

	resp := doUpload(t, ta.app, id, "a", "intro.wav", wavBytes)
	assertStatus(t, resp, http.StatusCreated)

	body := parseJSON(t, resp)
	if body["slot"] != "a" {
		t.Errorf("expected slot 'a', got %v", body["slot"])
	}
	if _, err := os.Stat(ta.workspace.Dir(id) + "/track_a.wav"); err != nil {
		t.Errorf("expected track_a.wav in the working directory: %v", err)
	}
}

func TestUpload_Validation(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta.app)

	tests := []struct {
		name     string
		slot     string
		filename string
		content  []byte
	}{
		{"bad slot", "Slot!", "a.wav", wavBytes},
		{"bad extension", "a", "a.exe", wavBytes},
		{"empty file", "a", "a.wav", nil},
		{"too large", "a", "a.wav", make([]byte, 1024*1024+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doUpload(t, ta.app, id, tt.slot, tt.filename, tt.content)
			assertStatus(t, resp, http.StatusBadRequest)
			if code := errorCode(t, resp); code != string(model.KindInput) {
				t.Errorf("expected %s, got %s", model.KindInput, code)
			}
		})
	}
}

func TestUpload_UnknownSession(t *testing.T) {
	ta := setupApp(t)

	resp := doUpload(t, ta.app, "does-not-exist", "a", "a.wav", wavBytes)
	assertStatus(t, resp, http.StatusGone)
}

func TestGenerate_MissingSlot(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta.app)
	doUpload(t, ta.app, id, "a", "a.wav", wavBytes)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/sessions/"+id+"/generate", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestGenerate_GuidanceTooLong(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta.app)

	body := `{"guidance": "` + strings.Repeat("x", 501) + `"}`
	resp, err := doRequest(ta.app, http.MethodPost, "/api/sessions/"+id+"/generate", body, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestDownload_NotReady(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta.app)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/download", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusConflict)
}

func TestPairGeneration_EndToEnd(t *testing.T) {
	ta := setupApp(t)
	id := createSession(t, ta.app)

	assertStatus(t, doUpload(t, ta.app, id, "a", "opener.wav", wavBytes), http.StatusCreated)
	assertStatus(t, doUpload(t, ta.app, id, "b", "closer.mp3", wavBytes), http.StatusCreated)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/sessions/"+id+"/generate", `{"guidance":"emotional"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	started := parseJSON(t, resp)
	if started["phase"] != string(model.PhaseAnalyzing) {
		t.Errorf("expected phase 'analyzing', got %v", started["phase"])
	}
	if started["downloadUrl"] != "/api/sessions/"+id+"/download" {
		t.Errorf("unexpected downloadUrl %v", started["downloadUrl"])
	}

	// a second start is refused
	resp, err = doRequest(ta.app, http.MethodPost, "/api/sessions/"+id+"/generate", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)

	// uploads are closed once the job started
	assertStatus(t, doUpload(t, ta.app, id, "c", "late.wav", wavBytes), http.StatusBadRequest)

	ta.drain(t)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/status", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	status := parseJSON(t, resp)
	if status["phase"] != string(model.PhaseReady) {
		t.Fatalf("expected phase 'ready', got %v (%v)", status["phase"], status["error"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/tracklist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	tracklist := readBody(t, resp)
	for _, want := range []string{"Opener", "Closer", "qsin"} {
		if !strings.Contains(tracklist, want) {
			t.Errorf("expected tracklist to contain %q:\n%s", want, tracklist)
		}
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/download", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if mix := readBody(t, resp); mix != "seg_0.wav;" {
		t.Errorf("unexpected mix body %q", mix)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("expected attachment disposition, got %q", cd)
	}

	if ta.workspace.Exists(id) {
		t.Error("expected the working directory to be removed after the download")
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/download", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusGone)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/status", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusGone)
	if code := errorCode(t, resp); code != string(model.KindExpiredSession) {
		t.Errorf("expected %s after download, got %s", model.KindExpiredSession, code)
	}
}

func TestSetJob_ExcludesUnanalyzableTrack(t *testing.T) {
	tracks := defaultTracks()
	tracks["c"] = analyzed("Peak", 124, "10A", 0.9)
	ta := setupAppWith(t, tracks, nil)
	id := createSession(t, ta.app)

	for _, slot := range []string{"a", "b", "c", "d"} {
		assertStatus(t, doUpload(t, ta.app, id, slot, slot+".flac", wavBytes), http.StatusCreated)
	}

	resp, err := doRequest(ta.app, http.MethodPost, "/api/sessions/"+id+"/set", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	ta.drain(t)

	job, err := ta.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if job.Phase != model.PhaseReady {
		t.Fatalf("expected ready, got %s (%s)", job.Phase, job.Message)
	}
	if len(job.Tracks) != 3 || len(job.Segments) != 2 {
		t.Errorf("expected 3 tracks and 2 segments, got %d and %d", len(job.Tracks), len(job.Segments))
	}
}

func TestSetJob_AnalysisFailure(t *testing.T) {
	ta := setupAppWith(t, map[string]model.Track{"a": analyzed("Only", 120, "8A", 0.5)}, nil)
	id := createSession(t, ta.app)

	doUpload(t, ta.app, id, "a", "a.wav", wavBytes)
	doUpload(t, ta.app, id, "b", "b.wav", wavBytes)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/sessions/"+id+"/set", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	ta.drain(t)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/sessions/"+id+"/status", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	status := parseJSON(t, resp)
	if status["phase"] != string(model.PhaseFailed) {
		t.Fatalf("expected phase 'failed', got %v", status["phase"])
	}
	if status["errorKind"] != string(model.KindAnalysis) {
		t.Errorf("expected errorKind %s, got %v", model.KindAnalysis, status["errorKind"])
	}
	if ta.workspace.Exists(id) {
		t.Error("expected the working directory to be reclaimed on failure")
	}
}

func TestSessionCreate_RateLimited(t *testing.T) {
	ta := setupAppWith(t, defaultTracks(), func(cfg *config.Config) {
		cfg.RateLimit.SessionsPerHour = 1
	})

	createSession(t, ta.app)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/sessions", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusTooManyRequests)
}
