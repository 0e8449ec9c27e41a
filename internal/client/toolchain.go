package client

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/model"
)

// Toolchain renders transitions and stitches the final mix.
type Toolchain interface {
	RenderSegment(ctx context.Context, spec SegmentSpec) error
	Concat(ctx context.Context, inputs []string, output string) error
}

// Overlay is a sample mixed over the crossfade.
type Overlay struct {
	Path  string
	Tempo float64
}

// SegmentSpec describes one rendered transition. The outgoing track plays
// from OutgoingOffset to its end and is crossfaded into the incoming track,
// which is time-stretched and pitch-shifted first.
type SegmentSpec struct {
	Outgoing       string
	OutgoingOffset float64
	// OutgoingDuration is the full length of the outgoing file.
	OutgoingDuration float64

	Incoming      string
	IncomingTempo float64
	IncomingPitch float64
	// IncomingLimit cuts the processed incoming track after this many
	// seconds; zero keeps all of it.
	IncomingLimit float64

	Crossfade float64
	Curve     model.CrossfadeCurve
	HighPass  bool
	BassSwap  bool
	Overlays  []Overlay

	Output  string
	WorkDir string
}

// FFmpegToolchain shells out to ffmpeg and rubberband.
type FFmpegToolchain struct {
	ffmpegPath     string
	rubberbandPath string
	loudnessTarget float64
	sampleRate     int
}

func NewFFmpegToolchain(cfg *config.ToolchainConfig) *FFmpegToolchain {
	t := &FFmpegToolchain{
		ffmpegPath:     cfg.FFmpegPath,
		rubberbandPath: cfg.RubberbandPath,
		loudnessTarget: cfg.LoudnessTarget,
		sampleRate:     cfg.SampleRate,
	}
	if t.ffmpegPath == "" {
		t.ffmpegPath = "ffmpeg"
	}
	if t.rubberbandPath == "" {
		t.rubberbandPath = "rubberband"
	}
	if t.loudnessTarget == 0 {
		t.loudnessTarget = -16
	}
	if t.sampleRate == 0 {
		t.sampleRate = 44100
	}
	return t
}

func (t *FFmpegToolchain) RenderSegment(ctx context.Context, spec SegmentSpec) error {
	incoming := spec.Incoming
	if needsStretch(spec.IncomingTempo, spec.IncomingPitch) {
		processed, cleanup, err := t.stretch(ctx, spec)
		if err != nil {
			return err
		}
		defer cleanup()
		incoming = processed
	}

	args := []string{"-y", "-v", "error"}
	if spec.OutgoingOffset > 0 {
		args = append(args, "-ss", ffloat(spec.OutgoingOffset))
	}
	args = append(args, "-i", spec.Outgoing)
	if spec.IncomingLimit > 0 {
		args = append(args, "-t", ffloat(spec.IncomingLimit))
	}
	args = append(args, "-i", incoming)
	for _, o := range spec.Overlays {
		args = append(args, "-i", o.Path)
	}
	args = append(args,
		"-filter_complex", t.segmentFilter(spec),
		"-map", "[out]",
		"-ar", fmt.Sprintf("%d", t.sampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		spec.Output,
	)
	return run(ctx, t.ffmpegPath, args...)
}

// segmentFilter builds the filter graph for a segment.
func (t *FFmpegToolchain) segmentFilter(spec SegmentSpec) string {
	format := fmt.Sprintf("aformat=sample_rates=%d:channel_layouts=stereo", t.sampleRate)
	fadeStart := math.Max(0, spec.OutgoingDuration-spec.OutgoingOffset-spec.Crossfade)

	outChain := []string{format}
	if spec.HighPass {
		outChain = append(outChain, fmt.Sprintf("highpass=f=80:enable='gte(t,%s)'", ffloat(fadeStart)))
	}
	inChain := []string{format}
	if spec.BassSwap {
		outChain = append(outChain, fmt.Sprintf("highpass=f=200:enable='gte(t,%s)'", ffloat(fadeStart+spec.Crossfade/2)))
		inChain = append(inChain, fmt.Sprintf("highpass=f=200:enable='lt(t,%s)'", ffloat(spec.Crossfade/2)))
	}

	curve := spec.Curve
	if !curve.IsValid() {
		curve = model.DefaultCrossfade
	}

	parts := []string{
		"[0:a]" + strings.Join(outChain, ",") + "[a]",
		"[1:a]" + strings.Join(inChain, ",") + "[b]",
		fmt.Sprintf("[a][b]acrossfade=d=%s:curve1=%s:curve2=%s", ffloat(spec.Crossfade), curve, curve),
	}
	if len(spec.Overlays) == 0 {
		parts[2] += "[out]"
		return strings.Join(parts, ";")
	}

	parts[2] += "[x]"
	delayMs := int(math.Round(fadeStart * 1000))
	mixInputs := "[x]"
	for i, o := range spec.Overlays {
		label := fmt.Sprintf("[o%d]", i)
		parts = append(parts, fmt.Sprintf("[%d:a]%s,atempo=%s,adelay=%d|%d%s",
			i+2, format, ffloat(clampAtempo(o.Tempo)), delayMs, delayMs, label))
		mixInputs += label
	}
	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=first:dropout_transition=2:normalize=0[out]",
		mixInputs, len(spec.Overlays)+1))
	return strings.Join(parts, ";")
}

// stretch decodes the incoming track to wav and runs rubberband over it.
func (t *FFmpegToolchain) stretch(ctx context.Context, spec SegmentSpec) (string, func(), error) {
	dir := spec.WorkDir
	if dir == "" {
		dir = filepath.Dir(spec.Output)
	}
	base := strings.TrimSuffix(filepath.Base(spec.Output), filepath.Ext(spec.Output))
	decoded := filepath.Join(dir, base+".in.wav")
	stretched := filepath.Join(dir, base+".rb.wav")
	cleanup := func() {
		_ = os.Remove(decoded)
		_ = os.Remove(stretched)
	}

	if err := run(ctx, t.ffmpegPath, "-y", "-v", "error",
		"-i", spec.Incoming,
		"-ar", fmt.Sprintf("%d", t.sampleRate), "-ac", "2",
		"-acodec", "pcm_s16le",
		decoded,
	); err != nil {
		cleanup()
		return "", nil, err
	}

	tempo := spec.IncomingTempo
	if tempo <= 0 {
		tempo = 1
	}
	if err := run(ctx, t.rubberbandPath,
		"-T", ffloat(tempo),
		"-p", ffloat(spec.IncomingPitch),
		decoded, stretched,
	); err != nil {
		cleanup()
		return "", nil, err
	}
	return stretched, cleanup, nil
}

// Concat joins segment files in order and applies one loudness pass.
func (t *FFmpegToolchain) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return model.NewError(model.KindRender, "nothing to concatenate", nil)
	}

	var list strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", in, err)
		}
		list.WriteString("file '" + strings.ReplaceAll(abs, "'", `'\''`) + "'\n")
	}
	listPath := output + ".list.txt"
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return model.NewError(model.KindStorage, "failed to write concat list", err)
	}
	defer os.Remove(listPath)

	return run(ctx, t.ffmpegPath, "-y", "-v", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-af", fmt.Sprintf("loudnorm=I=%s:TP=-1.5:LRA=11", ffloat(t.loudnessTarget)),
		"-ar", fmt.Sprintf("%d", t.sampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		output,
	)
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return model.NewError(model.KindRender,
			fmt.Sprintf("%s failed: %s", filepath.Base(name), lastLine(stderr.String())), err)
	}
	return nil
}

func needsStretch(tempo, pitch float64) bool {
	return (tempo > 0 && math.Abs(tempo-1) > 1e-6) || math.Abs(pitch) > 1e-6
}

func clampAtempo(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return math.Max(0.5, math.Min(2, v))
}

func ffloat(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
