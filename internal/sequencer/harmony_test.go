package sequencer

import (
	"testing"

	"github.com/makeasinger/automix/internal/model"
)

func TestHarmonicDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"8A", "8A", 0},
		{"C", "Am", 0.5},
		{"8A", "9A", 1},
		{"8A", "9B", 1.5},
		{"1B", "12B", 1},
		{"8B", "2B", 6},
	}
	for _, tt := range tests {
		got := HarmonicDistance(track("x", 120, tt.a, 0), track("y", 120, tt.b, 0))
		if got != tt.want {
			t.Errorf("HarmonicDistance(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPitchShift(t *testing.T) {
	tests := []struct {
		from, to string
		want     int
	}{
		{"C", "C", 0},
		{"C", "G", 0},
		{"C", "Am", 0},
		{"C", "D", -2},
		{"Am", "Bbm", -1},
	}
	for _, tt := range tests {
		from, _ := model.ParseKey(tt.from)
		to, _ := model.ParseKey(tt.to)
		if got := PitchShift(from, to); got != tt.want {
			t.Errorf("PitchShift(%s, %s) = %d, want %d", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionBars(t *testing.T) {
	tests := []struct {
		def, steps, want int
	}{
		{32, 0, 32},
		{32, 1, 32},
		{32, 2, 64},
		{16, 3, 32},
		{16, 4, 64},
		{64, 2, 64},
		{0, 0, 32},
	}
	for _, tt := range tests {
		if got := TransitionBars(tt.def, tt.steps); got != tt.want {
			t.Errorf("TransitionBars(%d, %d) = %d, want %d", tt.def, tt.steps, got, tt.want)
		}
	}
}

func TestBarsToSeconds(t *testing.T) {
	if got := BarsToSeconds(120, 16); got != 32 {
		t.Errorf("expected 32s for 16 bars at 120 BPM, got %v", got)
	}
	if got := BarsToSeconds(0, 16); got != 0 {
		t.Errorf("expected 0 for zero BPM, got %v", got)
	}
}
