package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/model"
)

// Analyzer turns an uploaded file into an analyzed track.
type Analyzer interface {
	Analyze(ctx context.Context, upload model.Upload) (*model.Track, error)
}

// NewAnalyzer returns the HTTP analysis service when one is configured and
// the ffprobe tag reader otherwise.
func NewAnalyzer(cfg *config.AnalysisConfig) Analyzer {
	if cfg.ServiceURL != "" {
		return NewAnalysisClient(cfg)
	}
	return NewTagAnalyzer(cfg.FFprobePath)
}

// AnalysisClient implements Analyzer against the analysis microservice
type AnalysisClient struct {
	httpClient *http.Client
	baseURL    string
}

// AnalyzeRequest represents the request for track analysis
type AnalyzeRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// AnalyzeResponse represents the analysis result
type AnalyzeResponse struct {
	BPM         float64   `json:"bpm"`
	Key         string    `json:"key"`
	Scale       string    `json:"key_scale"`
	Camelot     string    `json:"key_camelot"`
	Energy      float64   `json:"energy"`
	DurationSec float64   `json:"duration_sec"`
	Beats       []float64 `json:"beats"`
}

// NewAnalysisClient creates a new analysis service client
func NewAnalysisClient(cfg *config.AnalysisConfig) *AnalysisClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnalysisClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
	}
}

// Analyze sends the file path to the analysis endpoint
func (c *AnalysisClient) Analyze(ctx context.Context, upload model.Upload) (*model.Track, error) {
	var result AnalyzeResponse
	if err := c.post(ctx, "/analyze", &AnalyzeRequest{Path: upload.FileRef, Name: upload.Name}, &result); err != nil {
		return nil, model.NewError(model.KindAnalysis, fmt.Sprintf("analysis failed for %s", upload.Name), err)
	}

	key, err := model.ParseKey(joinKey(result.Key, result.Scale))
	if err != nil && result.Camelot != "" {
		key, err = model.ParseKey(result.Camelot)
	}
	if err != nil {
		key = model.Key{}
	}
	return &model.Track{
		ID:           upload.Slot,
		Slot:         upload.Slot,
		Name:         upload.Name,
		FileRef:      upload.FileRef,
		BPM:          result.BPM,
		Key:          key,
		HarmonicCode: key.Camelot(),
		Energy:       result.Energy,
		DurationSec:  result.DurationSec,
		BeatGrid:     result.Beats,
	}, nil
}

// HealthCheck checks if the analysis service is available
func (c *AnalysisClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *AnalysisClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *AnalysisClient) IsConfigured() bool {
	return c.baseURL != ""
}

// TagAnalyzer reads tempo and key from the file's metadata tags with
// ffprobe. Tracks without tags come back with zero BPM or key and are
// excluded by the sequencer.
type TagAnalyzer struct {
	ffprobePath string
}

func NewTagAnalyzer(ffprobePath string) *TagAnalyzer {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &TagAnalyzer{ffprobePath: ffprobePath}
}

type probeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		BitRate  string            `json:"bit_rate"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
}

func (a *TagAnalyzer) Analyze(ctx context.Context, upload model.Upload) (*model.Track, error) {
	if _, err := os.Stat(upload.FileRef); err != nil {
		return nil, model.NewError(model.KindAnalysis, fmt.Sprintf("unreadable audio %s", upload.Name), err)
	}

	cmd := exec.CommandContext(ctx, a.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		upload.FileRef,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, model.NewError(model.KindAnalysis, fmt.Sprintf("ffprobe failed for %s", upload.Name), err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, model.NewError(model.KindAnalysis, fmt.Sprintf("unreadable probe output for %s", upload.Name), err)
	}
	return trackFromTags(upload, probe), nil
}

func trackFromTags(upload model.Upload, probe probeOutput) *model.Track {
	tags := make(map[string]string, len(probe.Format.Tags))
	for k, v := range probe.Format.Tags {
		tags[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	track := &model.Track{
		ID:      upload.Slot,
		Slot:    upload.Slot,
		Name:    upload.Name,
		FileRef: upload.FileRef,
		Energy:  0.5,
	}
	if title := tags["title"]; title != "" {
		track.Name = title
	}
	track.DurationSec, _ = strconv.ParseFloat(probe.Format.Duration, 64)

	for _, k := range []string{"tbpm", "bpm", "tempo"} {
		if v, err := strconv.ParseFloat(tags[k], 64); err == nil && v > 0 {
			track.BPM = v
			break
		}
	}
	for _, k := range []string{"initialkey", "tkey", "key"} {
		if key, err := model.ParseKey(tags[k]); err == nil {
			track.Key = key
			track.HarmonicCode = key.Camelot()
			break
		}
	}
	if v, err := strconv.ParseFloat(tags["energy"], 64); err == nil && v >= 0 && v <= 1 {
		track.Energy = v
	}
	return track
}

func joinKey(tonic, scale string) string {
	if scale == "" {
		return tonic
	}
	return tonic + " " + scale
}
