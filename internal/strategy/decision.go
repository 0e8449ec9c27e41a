package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/sequencer"
)

const DefaultDecisionTimeout = 8 * time.Second

// DefaultSystemPrompt is used unless the admin settings carry their own.
const DefaultSystemPrompt = `You are a club DJ planning one transition between two tracks. You output ONLY valid JSON.

You receive the outgoing and incoming track (BPM, key, Camelot code, energy), the planned transition
(bars, tempo ratio, pitch shift, harmonic distance), the allowed crossfade curves and a list of
optional overlay samples.

Rules:
- Mix at phrase boundaries; the transition length is already fixed.
- Swap basslines only when the keys are close (harmonic distance 0 or 1) or the energy is high.
- Use an overlay only when it fits the vibe; never more than two.
- Follow the user guidance when it is given.

Output a single JSON object with exactly these fields:
- crossfade_curve: one of the allowed curves
- bass_swap: true or false
- overlay_refs: list of sample ids taken from the offered samples (may be empty)
- reasoning: short explanation
- comment: optional one-line note for the listener`

// Chat is an OpenAI-compatible chat completion client.
type Chat interface {
	ChatCompletion(ctx context.Context, system, user string) (string, error)
	IsConfigured() bool
}

// DecisionSource asks an external decision service to refine a transition.
// The response is untrusted: every field is validated on its own and
// invalid fields are dropped.
type DecisionSource struct {
	chat     Chat
	validate *validator.Validate
	timeout  time.Duration
	log      *logger.Logger
}

func NewDecisionSource(chat Chat, timeout time.Duration, log *logger.Logger) *DecisionSource {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DecisionSource{
		chat:     chat,
		validate: validator.New(),
		timeout:  timeout,
		log:      log.With("service", "DecisionSource"),
	}
}

type trackSummary struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	BPM      float64 `json:"bpm"`
	Key      string  `json:"key"`
	Camelot  string  `json:"camelot"`
	Energy   float64 `json:"energy"`
	Duration float64 `json:"duration_sec"`
}

type sampleOffer struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	BPM      float64 `json:"bpm"`
	Camelot  string  `json:"camelot"`
}

type transitionContext struct {
	From             trackSummary  `json:"from"`
	To               trackSummary  `json:"to"`
	Bars             int           `json:"bars"`
	TempoRatio       float64       `json:"tempo_ratio"`
	PitchShift       float64       `json:"pitch_shift_semitones"`
	HarmonicDistance int           `json:"harmonic_distance"`
	AllowedCurves    []string      `json:"allowed_curves"`
	Samples          []sampleOffer `json:"samples"`
	UserGuidance     string        `json:"user_guidance,omitempty"`
}

func (d *DecisionSource) TryResolve(ctx context.Context, req Request) (Refinement, bool) {
	if d.chat == nil || !d.chat.IsConfigured() {
		return Refinement{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ref, err := d.resolve(ctx, req)
	if err != nil {
		d.log.Warn("decision service unavailable, using defaults",
			"error_kind", model.KindStrategyService,
			"from", req.Plan.FromTrack, "to", req.Plan.ToTrack,
			"error", err)
		return Refinement{}, false
	}
	return ref, true
}

func (d *DecisionSource) resolve(ctx context.Context, req Request) (Refinement, error) {
	user, err := buildUserPrompt(req)
	if err != nil {
		return Refinement{}, err
	}
	system := DefaultSystemPrompt
	if s := strings.TrimSpace(req.Settings.SystemPrompt); s != "" {
		system = s
	}

	text, err := d.chat.ChatCompletion(ctx, system, user)
	if err != nil {
		return Refinement{}, model.NewError(model.KindStrategyService, "chat completion failed", err)
	}
	return d.parse(text, req.Samples)
}

func buildUserPrompt(req Request) (string, error) {
	c := transitionContext{
		From:             summarize(req.From),
		To:               summarize(req.To),
		Bars:             req.Plan.Bars,
		TempoRatio:       req.Plan.TempoRatio,
		PitchShift:       req.Plan.PitchShiftSemitones,
		HarmonicDistance: req.Plan.HarmonicDistance,
		Samples:          make([]sampleOffer, 0, len(req.Samples)),
		UserGuidance:     strings.TrimSpace(req.Guidance),
	}
	for _, curve := range model.ValidCurves {
		c.AllowedCurves = append(c.AllowedCurves, string(curve))
	}
	for _, s := range req.Samples {
		c.Samples = append(c.Samples, sampleOffer{ID: s.ID, Category: string(s.Category), BPM: s.BPM, Camelot: s.Camelot})
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transition context: %w", err)
	}
	return string(data) + "\n\nOutput ONLY the JSON object, no markdown.", nil
}

func summarize(t model.Track) trackSummary {
	return trackSummary{
		ID:       t.ID,
		Name:     t.Name,
		BPM:      t.BPM,
		Key:      t.Key.String(),
		Camelot:  sequencer.HarmonicCode(t),
		Energy:   t.Energy,
		Duration: t.DurationSec,
	}
}

var errMalformed = errors.New("malformed decision response")

// parse decodes the response field by field. A body that is not a JSON
// object is an error; a field with the wrong type or an invalid value is
// silently dropped.
func (d *DecisionSource) parse(text string, offered []model.Sample) (Refinement, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &fields); err != nil {
		return Refinement{}, model.NewError(model.KindStrategyService, "response is not a JSON object", errMalformed)
	}

	var ref Refinement

	var curve string
	if raw, ok := field(fields, "crossfade_curve"); ok && json.Unmarshal(raw, &curve) == nil {
		if d.validate.Var(curve, "required,oneof=tri qsin hsin esin log exp") == nil {
			ref.CrossfadeCurve = model.CrossfadeCurve(curve)
		}
	}

	var swap bool
	if raw, ok := field(fields, "bass_swap"); ok && json.Unmarshal(raw, &swap) == nil {
		ref.BassSwap = &swap
	}

	var refs []string
	if raw, ok := field(fields, "overlay_refs"); ok && json.Unmarshal(raw, &refs) == nil {
		ref.OverlayRefs = d.filterOverlays(refs, offered)
	}

	var reasoning string
	if raw, ok := field(fields, "reasoning"); ok && json.Unmarshal(raw, &reasoning) == nil {
		if d.validate.Var(reasoning, "max=500") == nil {
			ref.Reasoning = strings.TrimSpace(reasoning)
		}
	}

	var comment string
	if raw, ok := field(fields, "comment"); ok && json.Unmarshal(raw, &comment) == nil {
		if d.validate.Var(comment, "max=280") == nil {
			ref.Comment = strings.TrimSpace(comment)
		}
	}

	return ref, nil
}

// field returns a reply field unless it is absent or JSON null.
func field(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

const maxOverlays = 2

// filterOverlays keeps ids that were actually offered, deduplicated.
func (d *DecisionSource) filterOverlays(refs []string, offered []model.Sample) []string {
	allowed := make(map[string]bool, len(offered))
	for _, s := range offered {
		allowed[s.ID] = true
	}
	out := []string{}
	seen := map[string]bool{}
	for _, r := range refs {
		if d.validate.Var(r, "required,max=128") != nil || !allowed[r] || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
		if len(out) == maxOverlays {
			break
		}
	}
	return out
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
