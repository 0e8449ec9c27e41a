package worker

import (
	"fmt"
	"strings"

	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/sequencer"
)

// BuildTracklist renders the tracklist text of a finished job: one entry
// per track with its start time on the program, followed by how the mix
// moves into the next track.
func BuildTracklist(job *model.SessionJob) (string, error) {
	layouts, err := planLayout(job)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("automix tracklist\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&b, "Session: %s\n", job.SessionID)
	fmt.Fprintf(&b, "Tracks: %d  Transitions: %d\n", len(job.Tracks), len(job.Segments))
	if job.Guidance != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", job.Guidance)
	}
	b.WriteString(strings.Repeat("-", 60) + "\n")

	for i, l := range layouts {
		start := 0.0
		if i > 0 {
			start = layouts[i-1].FadeAt
		}
		writeTrack(&b, i+1, start, l.From)

		plan := job.Segments[i].Plan
		fmt.Fprintf(&b, "    -> %d bars, %s", plan.Bars, plan.CrossfadeCurve)
		if plan.BassSwap {
			b.WriteString(", bass swap")
		}
		if plan.TempoRatio != 1 {
			fmt.Fprintf(&b, ", tempo x%.3f", 1/plan.TempoRatio)
		}
		if plan.PitchShiftSemitones != 0 {
			fmt.Fprintf(&b, ", pitch %+.0f", plan.PitchShiftSemitones)
		}
		if len(plan.OverlayRefs) > 0 {
			fmt.Fprintf(&b, ", overlays %s", strings.Join(plan.OverlayRefs, " "))
		}
		b.WriteString("\n")
		if plan.Reasoning != "" {
			fmt.Fprintf(&b, "       %s\n", plan.Reasoning)
		}
		if plan.Comment != "" {
			fmt.Fprintf(&b, "       \"%s\"\n", plan.Comment)
		}
	}
	if n := len(layouts); n > 0 {
		writeTrack(&b, n+1, layouts[n-1].FadeAt, layouts[n-1].To)
	}
	return b.String(), nil
}

func writeTrack(b *strings.Builder, n int, start float64, t model.Track) {
	key := sequencer.HarmonicCode(t)
	if !t.Key.IsZero() {
		key = t.Key.String() + " (" + key + ")"
	}
	fmt.Fprintf(b, "%2d. [%s] %s  %.1f BPM  %s\n", n, clock(start), t.Name, t.BPM, key)
}

func clock(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	s := int(sec + 0.5)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
