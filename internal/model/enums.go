package model

// Phase of the mix pipeline
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseSequencing Phase = "sequencing"
	PhaseRendering  Phase = "rendering"
	PhaseFinalizing Phase = "finalizing"
	PhaseReady      Phase = "ready"
	PhaseFailed     Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseCreated:    0,
	PhaseAnalyzing:  1,
	PhaseSequencing: 2,
	PhaseRendering:  3,
	PhaseFinalizing: 4,
	PhaseReady:      5,
}

// IsTerminal reports whether no further transition is allowed out of p.
func (p Phase) IsTerminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// CanAdvanceTo reports whether moving from p to next keeps the phase
// sequence monotonic. Any non-terminal phase may move to failed.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	cur, ok := phaseOrder[p]
	if !ok {
		return false
	}
	n, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return n > cur
}

// SegmentStatus of a single transition render
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentRendering SegmentStatus = "rendering"
	SegmentDone      SegmentStatus = "done"
	SegmentFailed    SegmentStatus = "failed"
)

// JobMode distinguishes a two-track generation from a full set
type JobMode string

const (
	JobModePair JobMode = "pair"
	JobModeSet  JobMode = "set"
)

// CrossfadeCurve names an ffmpeg acrossfade curve
type CrossfadeCurve string

const (
	CurveTriangular  CrossfadeCurve = "tri"
	CurveQuarterSine CrossfadeCurve = "qsin"
	CurveHalfSine    CrossfadeCurve = "hsin"
	CurveExpSine     CrossfadeCurve = "esin"
	CurveLogarithmic CrossfadeCurve = "log"
	CurveExponential CrossfadeCurve = "exp"
)

// DefaultCrossfade is the equal-power curve used when no strategy overrides it.
const DefaultCrossfade = CurveHalfSine

var ValidCurves = []CrossfadeCurve{
	CurveTriangular, CurveQuarterSine, CurveHalfSine,
	CurveExpSine, CurveLogarithmic, CurveExponential,
}

// IsValid reports whether c is one of ValidCurves.
func (c CrossfadeCurve) IsValid() bool {
	for _, v := range ValidCurves {
		if c == v {
			return true
		}
	}
	return false
}

// Tonic notes
type Tonic string

const (
	TonicC      Tonic = "C"
	TonicCSharp Tonic = "C#"
	TonicD      Tonic = "D"
	TonicDSharp Tonic = "D#"
	TonicE      Tonic = "E"
	TonicF      Tonic = "F"
	TonicFSharp Tonic = "F#"
	TonicG      Tonic = "G"
	TonicGSharp Tonic = "G#"
	TonicA      Tonic = "A"
	TonicASharp Tonic = "A#"
	TonicB      Tonic = "B"
)

// Tonics in pitch-class order, C = 0.
var Tonics = []Tonic{
	TonicC, TonicCSharp, TonicD, TonicDSharp, TonicE, TonicF,
	TonicFSharp, TonicG, TonicGSharp, TonicA, TonicASharp, TonicB,
}

// Scales
type Scale string

const (
	ScaleMajor Scale = "major"
	ScaleMinor Scale = "minor"
)

// Sample categories offered as overlays
type SampleCategory string

const (
	SampleInstruments SampleCategory = "instruments"
	SampleVocals      SampleCategory = "vocals"
	SamplePercussion  SampleCategory = "percussion"
)
