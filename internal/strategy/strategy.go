package strategy

import (
	"context"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
)

// bassSwapThreshold is the admin intensity from which close keys swap basslines.
const bassSwapThreshold = 0.5

// Request is everything a source may use to refine one transition.
type Request struct {
	Plan     model.TransitionPlan
	From     model.Track
	To       model.Track
	Guidance string
	Settings model.AdminSettings
	// Samples are the overlay candidates offered for this transition.
	Samples []model.Sample
}

// Refinement holds the fields a source decided. Zero values mean the
// source had no opinion and the default applies.
type Refinement struct {
	CrossfadeCurve model.CrossfadeCurve
	BassSwap       *bool
	OverlayRefs    []string
	Reasoning      string
	Comment        string
}

// Source produces a refinement or reports that it could not.
type Source interface {
	TryResolve(ctx context.Context, req Request) (Refinement, bool)
}

// Resolver fills in the strategy fields of a transition plan. It asks its
// sources in order and always falls back to DefaultSource, so it never fails.
type Resolver struct {
	sources  []Source
	fallback DefaultSource
	library  *Library
	log      *logger.Logger
}

func NewResolver(library *Library, log *logger.Logger, sources ...Source) *Resolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &Resolver{
		sources: sources,
		library: library,
		log:     log.With("service", "StrategyResolver"),
	}
}

// Resolve returns plan with crossfade curve, bass swap and overlays set.
func (r *Resolver) Resolve(ctx context.Context, req Request) model.TransitionPlan {
	plan := req.Plan
	plan.Bars = ParseIntent(req.Guidance).Bars(plan.Bars)
	req.Plan = plan
	if req.Samples == nil && r.library != nil {
		req.Samples = r.library.Candidates(req.From, req.To, req.Settings)
	}

	base, _ := r.fallback.TryResolve(ctx, req)
	chosen := base
	for _, src := range r.sources {
		ref, ok := src.TryResolve(ctx, req)
		if !ok {
			continue
		}
		chosen = merge(base, ref)
		break
	}
	// guidance outranks whichever source won
	if intent := ParseIntent(req.Guidance); intent != IntentNeutral {
		chosen.CrossfadeCurve = intent.Curve()
		if intent.BassSwap() {
			on := true
			chosen.BassSwap = &on
		}
	}

	plan.CrossfadeCurve = chosen.CrossfadeCurve
	plan.BassSwap = chosen.BassSwap != nil && *chosen.BassSwap
	plan.OverlayRefs = chosen.OverlayRefs
	plan.Reasoning = chosen.Reasoning
	plan.Comment = chosen.Comment

	r.log.Debug("transition resolved",
		"from", plan.FromTrack, "to", plan.ToTrack,
		"curve", plan.CrossfadeCurve, "bass_swap", plan.BassSwap, "overlays", len(plan.OverlayRefs))
	return plan
}

func merge(base, ref Refinement) Refinement {
	out := base
	if ref.CrossfadeCurve.IsValid() {
		out.CrossfadeCurve = ref.CrossfadeCurve
	}
	if ref.BassSwap != nil {
		out.BassSwap = ref.BassSwap
	}
	if ref.OverlayRefs != nil {
		out.OverlayRefs = ref.OverlayRefs
	}
	if ref.Reasoning != "" {
		out.Reasoning = ref.Reasoning
	}
	if ref.Comment != "" {
		out.Comment = ref.Comment
	}
	return out
}

// DefaultSource is the deterministic strategy: the intent's curve, a bass
// swap only when the guidance or admin settings call for one, no overlays.
type DefaultSource struct{}

func (DefaultSource) TryResolve(_ context.Context, req Request) (Refinement, bool) {
	intent := ParseIntent(req.Guidance)
	swap := intent.BassSwap() ||
		(req.Settings.BassSwapIntensity >= bassSwapThreshold && req.Plan.HarmonicDistance <= 1)
	ref := Refinement{
		CrossfadeCurve: intent.Curve(),
		BassSwap:       &swap,
	}
	if intent != IntentNeutral {
		ref.Reasoning = "Default " + string(intent) + " transition"
	}
	return ref, true
}
