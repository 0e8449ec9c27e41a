package strategy

import (
	"strings"

	"github.com/makeasinger/automix/internal/model"
)

// Intent is the mixing style read from free-text guidance.
type Intent string

const (
	IntentNeutral   Intent = "neutral"
	IntentClosing   Intent = "closing"
	IntentWarmUp    Intent = "warm-up"
	IntentEmotional Intent = "emotional"
	IntentPeak      Intent = "peak"
)

// keyword lists are checked in this order; the first hit wins
var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentClosing, []string{"closing", "5am", "5 am", "end of night", "last track", "finish"}},
	{IntentWarmUp, []string{"warm-up", "warm up", "warmup", "sunset", "opening", "early", "chill", "ambient"}},
	{IntentEmotional, []string{"emotional", "nostalgic", "melancholic", "mixed-age"}},
	{IntentPeak, []string{"peak", "energy", "club", "party", "drop", "aggressive"}},
}

// ParseIntent maps guidance to an intent by keyword. Empty or unmatched
// guidance is neutral.
func ParseIntent(guidance string) Intent {
	text := strings.ToLower(strings.TrimSpace(guidance))
	if text == "" {
		return IntentNeutral
	}
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if strings.Contains(text, kw) {
				return ik.intent
			}
		}
	}
	return IntentNeutral
}

// Curve is the crossfade curve the intent prefers.
func (i Intent) Curve() model.CrossfadeCurve {
	switch i {
	case IntentClosing, IntentPeak:
		return model.CurveTriangular
	case IntentWarmUp:
		return model.CurveExponential
	case IntentEmotional:
		return model.CurveQuarterSine
	default:
		return model.DefaultCrossfade
	}
}

// Bars adjusts a planned transition length: closing caps it at 16 bars,
// warm-up makes it one size longer.
func (i Intent) Bars(bars int) int {
	switch i {
	case IntentClosing:
		if bars > 16 {
			return 16
		}
	case IntentWarmUp:
		if bars < 64 {
			return bars * 2
		}
	}
	return bars
}

// BassSwap reports whether the intent asks for a bass swap on its own.
func (i Intent) BassSwap() bool {
	return i == IntentPeak
}
