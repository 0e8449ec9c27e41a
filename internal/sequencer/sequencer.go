package sequencer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
)

const tieEpsilon = 1e-9

// ErrInsufficientInput is wrapped in a SequencingError when fewer than two
// usable tracks remain.
var ErrInsufficientInput = errors.New("insufficient input")

// Config weights the sequencing graph.
type Config struct {
	// MixSensitivity is 0 for pure tempo closeness, 1 for pure harmonic closeness.
	MixSensitivity float64
	DefaultBars    int
	MaxStretch     float64
}

// Exclusion records a track left out of the order.
type Exclusion struct {
	TrackID string `json:"trackId"`
	Reason  string `json:"reason"`
}

// Plan is the sequencer output.
type Plan struct {
	Order       []model.Track
	Transitions []model.TransitionPlan
	Excluded    []Exclusion
}

// Segments creates one pending segment per transition, ordinals 0..N-2.
func (p *Plan) Segments() []model.Segment {
	segs := make([]model.Segment, len(p.Transitions))
	for i, tp := range p.Transitions {
		segs[i] = model.Segment{Ordinal: i, Plan: tp, Status: model.SegmentPending}
	}
	return segs
}

type Sequencer struct {
	cfg Config
	log *logger.Logger
}

func New(cfg Config, log *logger.Logger) *Sequencer {
	if cfg.MixSensitivity < 0 {
		cfg.MixSensitivity = 0
	}
	if cfg.MixSensitivity > 1 {
		cfg.MixSensitivity = 1
	}
	if cfg.MaxStretch < 1 {
		cfg.MaxStretch = 1.08
	}
	if cfg.DefaultBars == 0 {
		cfg.DefaultBars = 32
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Sequencer{cfg: cfg, log: log}
}

// Weight is the edge weight between two tracks.
func (s *Sequencer) Weight(a, b model.Track) float64 {
	sens := s.cfg.MixSensitivity
	return sens*HarmonicDistance(a, b) + (1-sens)*NormalizedBPMGap(a.BPM, b.BPM)
}

// Sequence orders tracks with a nearest-neighbour walk starting at the
// lowest-energy track and plans every adjacent transition.
func (s *Sequencer) Sequence(tracks []model.Track) (*Plan, error) {
	plan := &Plan{}
	usable := make([]model.Track, 0, len(tracks))
	for _, t := range tracks {
		if reason := unusable(t); reason != "" {
			s.log.Warn("excluding track from sequence", "track_id", t.ID, "reason", reason)
			plan.Excluded = append(plan.Excluded, Exclusion{TrackID: t.ID, Reason: reason})
			continue
		}
		usable = append(usable, t)
	}
	if len(usable) < 2 {
		return nil, model.NewError(model.KindSequencing,
			fmt.Sprintf("need at least 2 usable tracks, got %d", len(usable)), ErrInsufficientInput)
	}

	sort.SliceStable(usable, func(i, j int) bool { return usable[i].ID < usable[j].ID })

	start := 0
	for i := 1; i < len(usable); i++ {
		if usable[i].Energy < usable[start].Energy-tieEpsilon {
			start = i
		}
	}

	visited := make([]bool, len(usable))
	visited[start] = true
	order := []model.Track{usable[start]}
	for len(order) < len(usable) {
		tail := order[len(order)-1]
		best := -1
		bestW := 0.0
		for i, cand := range usable {
			if visited[i] {
				continue
			}
			w := s.Weight(tail, cand)
			// usable is sorted by id, so the first minimum wins ties
			if best < 0 || w < bestW-tieEpsilon {
				best, bestW = i, w
			}
		}
		visited[best] = true
		order = append(order, usable[best])
	}

	plan.Order = order
	plan.Transitions = s.transitions(order)
	return plan, nil
}

// Fixed plans the transitions of tracks in the order given. Pair generation
// uses it: the user already chose which track goes first, so a track
// without tempo or key fails the plan instead of being excluded.
func (s *Sequencer) Fixed(order []model.Track) (*Plan, error) {
	if len(order) < 2 {
		return nil, model.NewError(model.KindSequencing,
			fmt.Sprintf("need at least 2 usable tracks, got %d", len(order)), ErrInsufficientInput)
	}
	for _, t := range order {
		if reason := unusable(t); reason != "" {
			return nil, model.NewError(model.KindSequencing,
				fmt.Sprintf("track %s: %s", t.ID, reason), ErrInsufficientInput)
		}
	}
	order = append([]model.Track(nil), order...)
	return &Plan{Order: order, Transitions: s.transitions(order)}, nil
}

func (s *Sequencer) transitions(order []model.Track) []model.TransitionPlan {
	out := make([]model.TransitionPlan, 0, len(order)-1)
	for i := 0; i+1 < len(order); i++ {
		out = append(out, s.transition(order[i], order[i+1]))
	}
	return out
}

func (s *Sequencer) transition(from, to model.Track) model.TransitionPlan {
	steps, err := model.WheelSteps(HarmonicCode(from), HarmonicCode(to))
	if err != nil {
		steps = 6
	}
	ratio, clamped := ClampTempo(from.BPM, to.BPM, s.cfg.MaxStretch)
	if clamped {
		s.log.Warn("tempo ratio clamped",
			"from", from.ID, "to", to.ID,
			"from_bpm", from.BPM, "to_bpm", to.BPM, "ratio", ratio)
	}
	return model.TransitionPlan{
		FromTrack:           from.ID,
		ToTrack:             to.ID,
		Bars:                TransitionBars(s.cfg.DefaultBars, steps),
		TempoRatio:          ratio,
		TempoClamped:        clamped,
		PitchShiftSemitones: float64(PitchShift(from.Key, to.Key)),
		HarmonicDistance:    steps,
		CrossfadeCurve:      model.DefaultCrossfade,
	}
}

func unusable(t model.Track) string {
	if t.BPM <= 0 {
		return "missing tempo"
	}
	if HarmonicCode(t) == "" {
		return "missing key"
	}
	return ""
}
