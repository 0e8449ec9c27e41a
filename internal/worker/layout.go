package worker

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/makeasinger/automix/internal/client"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/sequencer"
	"github.com/makeasinger/automix/internal/strategy"
)

const (
	// maxFadeShare caps a crossfade at this share of either input.
	maxFadeShare = 0.2
	minCrossfade = 0.5

	artifactName  = "mix.wav"
	tracklistName = "tracklist.txt"
)

// SegmentFile is the output name of the segment with the given ordinal.
func SegmentFile(ordinal int) string {
	return fmt.Sprintf("seg_%d.wav", ordinal)
}

// segmentLayout places one segment on the program timeline. Segment i
// plays track i from OutgoingOffset to its end and fades into track i+1.
// Every segment except the last stops at the end of its crossfade; the
// next segment picks the incoming track up where the fade left it.
type segmentLayout struct {
	Ordinal        int
	From           model.Track
	To             model.Track
	OutgoingOffset float64
	Crossfade      float64
	// Tempo is the rubberband tempo multiple that brings the incoming
	// track to the outgoing tempo.
	Tempo         float64
	IncomingLimit float64
	// Start and FadeAt are program times of the segment start and of the
	// first audible second of the incoming track.
	Start  float64
	FadeAt float64
}

// planLayout computes every segment layout of a job. The result only
// depends on the snapshot, so each render task can compute it on its own.
func planLayout(job *model.SessionJob) ([]segmentLayout, error) {
	out := make([]segmentLayout, len(job.Segments))
	offset, program := 0.0, 0.0
	last := len(job.Segments) - 1

	for i, seg := range job.Segments {
		plan := seg.Plan
		from, ok := job.Track(plan.FromTrack)
		if !ok {
			return nil, fmt.Errorf("segment %d: unknown track %s", i, plan.FromTrack)
		}
		to, ok := job.Track(plan.ToTrack)
		if !ok {
			return nil, fmt.Errorf("segment %d: unknown track %s", i, plan.ToTrack)
		}
		if from.DurationSec <= 0 || to.DurationSec <= 0 {
			return nil, fmt.Errorf("segment %d: track duration unknown", i)
		}

		tempo := 1.0
		if plan.TempoRatio > 0 {
			tempo = 1 / plan.TempoRatio
		}

		remaining := math.Max(0, from.DurationSec-offset)
		fade := sequencer.BarsToSeconds((from.BPM+to.BPM)/2, plan.Bars)
		fade = math.Min(fade, maxFadeShare*remaining)
		fade = math.Min(fade, maxFadeShare*to.DurationSec/tempo)
		if fade < minCrossfade {
			fade = math.Min(minCrossfade, remaining)
		}

		l := segmentLayout{
			Ordinal:        i,
			From:           from,
			To:             to,
			OutgoingOffset: offset,
			Crossfade:      fade,
			Tempo:          tempo,
			Start:          program,
			FadeAt:         program + remaining - fade,
		}
		if i < last {
			l.IncomingLimit = fade
		}
		out[i] = l

		program += remaining
		// seconds of the incoming file consumed by the stretched fade
		offset = fade * tempo
	}
	return out, nil
}

// segmentSpec turns a layout into a toolchain request.
func segmentSpec(l segmentLayout, plan model.TransitionPlan, library *strategy.Library, output, workDir string) client.SegmentSpec {
	spec := client.SegmentSpec{
		Outgoing:         l.From.FileRef,
		OutgoingOffset:   l.OutgoingOffset,
		OutgoingDuration: l.From.DurationSec,
		Incoming:         l.To.FileRef,
		IncomingTempo:    l.Tempo,
		IncomingPitch:    plan.PitchShiftSemitones,
		IncomingLimit:    l.IncomingLimit,
		Crossfade:        l.Crossfade,
		Curve:            plan.CrossfadeCurve,
		HighPass:         plan.HarmonicDistance > 1,
		BassSwap:         plan.BassSwap,
		Output:           output,
		WorkDir:          workDir,
	}
	for _, ref := range plan.OverlayRefs {
		sample, ok := library.Sample(ref)
		if !ok {
			continue
		}
		path, _ := library.Path(ref)
		tempo := 1.0
		if sample.BPM > 0 && l.From.BPM > 0 {
			tempo = l.From.BPM / sample.BPM
		}
		spec.Overlays = append(spec.Overlays, client.Overlay{Path: path, Tempo: tempo})
	}
	return spec
}

func segmentPath(job *model.SessionJob, ordinal int) string {
	return filepath.Join(job.WorkDir, SegmentFile(ordinal))
}
