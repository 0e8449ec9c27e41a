package sequencer

import (
	"math"

	"github.com/makeasinger/automix/internal/model"
)

// maxHarmonicDistance is used when a code cannot be parsed.
const maxHarmonicDistance = 6.5

// shiftOrder lists candidate semitone shifts smallest first, negative before positive.
var shiftOrder = []int{0, -1, 1, -2, 2, -3, 3, -4, 4, -5, 5, -6, 6}

var barSizes = []int{16, 32, 64}

// HarmonicCode returns the track's wheel code, deriving it from the key
// when analysis did not provide one.
func HarmonicCode(t model.Track) string {
	if t.HarmonicCode != "" {
		if _, _, err := model.ParseCamelot(t.HarmonicCode); err == nil {
			return t.HarmonicCode
		}
	}
	return t.Key.Camelot()
}

// HarmonicDistance is the circular wheel distance between two tracks.
// Relative major/minor keys are 0.5 apart; any other change of letter
// adds 0.5 to the step count.
func HarmonicDistance(a, b model.Track) float64 {
	ca, cb := HarmonicCode(a), HarmonicCode(b)
	steps, err := model.WheelSteps(ca, cb)
	if err != nil {
		return maxHarmonicDistance
	}
	d := float64(steps)
	_, la, _ := model.ParseCamelot(ca)
	_, lb, _ := model.ParseCamelot(cb)
	if la != lb {
		d += 0.5
	}
	return d
}

// NormalizedBPMGap is |a-b| / max(a,b).
func NormalizedBPMGap(a, b float64) float64 {
	hi := math.Max(a, b)
	if hi <= 0 {
		return 1
	}
	return math.Abs(a-b) / hi
}

// BarsToSeconds converts a bar count to seconds assuming 4/4.
func BarsToSeconds(bpm float64, bars int) float64 {
	if bpm <= 0 || bars <= 0 {
		return 0
	}
	return float64(bars*4) / bpm * 60
}

// compatible reports whether to sits on the same wheel position as from,
// on its relative key, or one step away with the same letter.
func compatible(from, to model.Key) bool {
	cf, ct := from.Camelot(), to.Camelot()
	steps, err := model.WheelSteps(cf, ct)
	if err != nil {
		return false
	}
	if steps == 0 {
		return true
	}
	return steps == 1 && cf[len(cf)-1] == ct[len(ct)-1]
}

// PitchShift returns the smallest signed semitone shift that makes the
// incoming key compatible with the outgoing one.
func PitchShift(from, to model.Key) int {
	if from.IsZero() || to.IsZero() || from.PitchClass() < 0 || to.PitchClass() < 0 {
		return 0
	}
	for _, s := range shiftOrder {
		if compatible(from, to.Transpose(s)) {
			return s
		}
	}
	return 0
}

// TransitionBars grows the transition with harmonic distance: the default
// length up to one wheel step, one size longer at two or three steps,
// and 64 bars beyond that.
func TransitionBars(defaultBars, steps int) int {
	idx := 1
	for i, b := range barSizes {
		if b == defaultBars {
			idx = i
		}
	}
	switch {
	case steps <= 1:
	case steps <= 3:
		idx++
	default:
		idx = len(barSizes) - 1
	}
	if idx >= len(barSizes) {
		idx = len(barSizes) - 1
	}
	return barSizes[idx]
}

// ClampTempo clamps next/cur to [1/maxStretch, maxStretch] and reports
// whether clamping happened.
func ClampTempo(cur, next, maxStretch float64) (float64, bool) {
	if cur <= 0 || next <= 0 {
		return 1, false
	}
	if maxStretch < 1 {
		maxStretch = 1
	}
	r := next / cur
	lo := 1 / maxStretch
	switch {
	case r > maxStretch:
		return maxStretch, true
	case r < lo:
		return lo, true
	}
	return r, false
}
