package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/auth"
	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/handler"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/progress"
	"github.com/makeasinger/automix/internal/server"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/session"
	"github.com/makeasinger/automix/internal/strategy"
	ws "github.com/makeasinger/automix/internal/websocket"
	"github.com/makeasinger/automix/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// taskQueue stands in for the asynq client and lets a test run the
// queued tasks in order.
type taskQueue struct {
	mu      sync.Mutex
	ids     map[string]bool
	pending []*asynq.Task
}

func (q *taskQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if q.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			q.ids[id] = true
		}
	}
	q.pending = append(q.pending, task)
	return &asynq.TaskInfo{}, nil
}

func (q *taskQueue) pop() *asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t
}

// slotAnalyzer returns preset analysis results keyed by upload slot.
type slotAnalyzer map[string]model.Track

func (a slotAnalyzer) Analyze(_ context.Context, u model.Upload) (*model.Track, error) {
	tr, ok := a[u.Slot]
	if !ok {
		return nil, model.NewError(model.KindAnalysis, "undecodable audio", nil)
	}
	tr.ID, tr.Slot, tr.FileRef = u.Slot, u.Slot, u.FileRef
	return &tr, nil
}

// stubToolchain writes a marker per segment and concatenates markers.
type stubToolchain struct{}

func (stubToolchain) RenderSegment(_ context.Context, spec client.SegmentSpec) error {
	name := strings.TrimSuffix(filepath.Base(spec.Output), ".part")
	return os.WriteFile(spec.Output, []byte(name+";"), 0o644)
}

func (stubToolchain) Concat(_ context.Context, inputs []string, output string) error {
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

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	mr        *miniredis.Miniredis
	queue     *taskQueue
	workspace *session.Workspace
	store     *session.Store
	handlers  map[string]func(context.Context, *asynq.Task) error
}

func defaultTracks() map[string]model.Track {
	return map[string]model.Track{
		"a": analyzed("Opener", 120, "8A", 0.3),
		"b": analyzed("Closer", 122, "9A", 0.7),
	}
}

func analyzed(name string, bpm float64, key string, energy float64) model.Track {
	k, _ := model.ParseKey(key)
	return model.Track{Name: name, BPM: bpm, Key: k, HarmonicCode: k.Camelot(), Energy: energy, DurationSec: 180}
}

// setupApp creates the same Fiber app as main.go, backed by miniredis,
// an in-memory task queue and stub analysis and render tools.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWith(t, defaultTracks(), nil)
}

func setupAppWith(t *testing.T, tracks map[string]model.Track, mutate func(cfg *config.Config)) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: testJWTSecret},
		// Use very high rate limits so tests don't get blocked
		RateLimit: config.RateLimitConfig{SessionsPerHour: 10000, UploadsPerHour: 10000, JobsPerHour: 10000},
		Mix: config.MixConfig{
			SessionRoot:    t.TempDir(),
			SessionTTL:     time.Hour,
			MaxUploadMB:    1,
			MaxTracks:      8,
			DefaultBars:    16,
			MixSensitivity: 0.5,
			MaxStretch:     1.08,
			RenderRetries:  2,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	validate := validator.New()
	queue := &taskQueue{ids: map[string]bool{}}

	store := session.NewStore(redisClient, cfg.Mix.SessionTTL)
	workspace := session.NewWorkspace(cfg.Mix.SessionRoot, redisClient)
	bus := progress.NewBus(redisClient, nil)
	machine := session.NewMachine(store, bus, nil)
	settingsService := service.NewSettingsService(redisClient, &cfg.Mix, validate)
	sessionService := service.NewSessionService(machine, workspace, queue, &cfg.Mix, nil)

	resolver := strategy.NewResolver(nil, nil)
	pipeline := worker.NewPipelineWorker(machine, workspace, slotAnalyzer(tracks), resolver, settingsService, queue, &cfg.Mix, 2, nil)
	segment := worker.NewSegmentWorker(machine, workspace, stubToolchain{}, nil, queue, cfg.Mix.RenderRetries, nil)
	finalize := worker.NewFinalizeWorker(machine, workspace, stubToolchain{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(bus, sessionService, nil)
	go hub.Run(ctx)

	app := server.New(server.Deps{
		Config:    cfg,
		Redis:     redisClient,
		Sessions:  sessionService,
		Settings:  settingsService,
		Hub:       hub,
		Resolver:  auth.NewResolver(nil, testJWTSecret),
		Validator: validate,
		Probes: map[string]handler.Probe{
			"decision": func() bool { return false },
		},
	})

	return &testApp{
		app:       app,
		mr:        mr,
		queue:     queue,
		workspace: workspace,
		store:     store,
		handlers: map[string]func(context.Context, *asynq.Task) error{
			service.TaskTypePipeline: pipeline.ProcessTask,
			service.TaskTypeSegment:  segment.ProcessTask,
			service.TaskTypeFinalize: finalize.ProcessTask,
		},
	}
}

// drain runs queued tasks until none are left. A task that gives up
// for good (SkipRetry) is dropped as asynq would.
func (ta *testApp) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		task := ta.queue.pop()
		if task == nil {
			return
		}
		err := ta.handlers[task.Type()](context.Background(), task)
		if err != nil && !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("task %s failed: %v", task.Type(), err)
		}
	}
	t.Fatal("task queue did not drain")
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, roles ...string) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, "test-user-123", "test@example.com", roles, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request with a bearer token carrying roles.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string, roles ...string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, roles...)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doUpload posts a multipart file into a slot.
func doUpload(t *testing.T, app *fiber.App, sessionID, slot, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%s/tracks/%s", sessionID, slot), &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	return resp
}

// createSession creates a session and returns its id.
func createSession(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, err := doRequest(app, http.MethodPost, "/api/sessions", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	body := parseJSON(t, resp)
	id, _ := body["sessionId"].(string)
	if id == "" {
		t.Fatalf("expected sessionId in response, got %v", body)
	}
	return id
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error response.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
