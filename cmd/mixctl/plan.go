package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v3"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/sequencer"
	"github.com/makeasinger/automix/internal/service"
	"github.com/makeasinger/automix/internal/strategy"
	"github.com/makeasinger/automix/internal/worker"
)

// fixture describes analyzed tracks without audio, e.g.
//
//	guidance = "warm-up into a peak"
//
//	[[tracks]]
//	slot = "a"
//	name = "Opener"
//	bpm = 122
//	key = "Am"
//	energy = 0.4
//	duration = 312
type fixture struct {
	Guidance string         `toml:"guidance"`
	Tracks   []fixtureTrack `toml:"tracks"`
}

type fixtureTrack struct {
	Slot     string  `toml:"slot"`
	Name     string  `toml:"name"`
	BPM      float64 `toml:"bpm"`
	Key      string  `toml:"key"`
	Energy   float64 `toml:"energy"`
	Duration float64 `toml:"duration"`
}

func loadFixture(path string) (*fixture, error) {
	var f fixture
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if len(f.Tracks) < 2 {
		return nil, fmt.Errorf("fixture needs at least 2 tracks, got %d", len(f.Tracks))
	}
	return &f, nil
}

// tracks converts fixture entries to analyzed tracks. A key that does not
// parse is left empty so the sequencer reports it.
func (f *fixture) tracks() []model.Track {
	out := make([]model.Track, len(f.Tracks))
	for i, ft := range f.Tracks {
		slot := ft.Slot
		if slot == "" {
			slot = fmt.Sprintf("t%d", i+1)
		}
		name := ft.Name
		if name == "" {
			name = slot
		}
		t := model.Track{
			ID:          slot,
			Slot:        slot,
			Name:        name,
			BPM:         ft.BPM,
			Energy:      ft.Energy,
			DurationSec: ft.Duration,
		}
		if key, err := model.ParseKey(ft.Key); err == nil {
			t.Key = key
			t.HarmonicCode = key.Camelot()
		}
		out[i] = t
	}
	return out
}

// planJob sequences the fixture and resolves every transition with the
// default strategy, producing the job a worker would render.
func planJob(ctx context.Context, f *fixture, mode model.JobMode, cfg *config.MixConfig, library *strategy.Library, log *logger.Logger) (*model.SessionJob, []sequencer.Exclusion, error) {
	settings := service.DefaultSettings(cfg)
	seq := sequencer.New(sequencer.Config{
		MixSensitivity: settings.MixSensitivity,
		DefaultBars:    settings.DefaultBars,
		MaxStretch:     cfg.MaxStretch,
	}, log)

	tracks := f.tracks()
	var (
		plan *sequencer.Plan
		err  error
	)
	if mode == model.JobModePair {
		plan, err = seq.Fixed(tracks[:2])
	} else {
		plan, err = seq.Sequence(tracks)
	}
	if err != nil {
		return nil, nil, err
	}

	resolver := strategy.NewResolver(library, log)
	for i := range plan.Transitions {
		plan.Transitions[i] = resolver.Resolve(ctx, strategy.Request{
			Plan:     plan.Transitions[i],
			From:     plan.Order[i],
			To:       plan.Order[i+1],
			Guidance: f.Guidance,
			Settings: settings,
		})
	}

	job := &model.SessionJob{
		SessionID: "dry-run",
		Mode:      mode,
		Guidance:  f.Guidance,
		Phase:     model.PhaseRendering,
		Tracks:    plan.Order,
		Segments:  plan.Segments(),
	}
	return job, plan.Excluded, nil
}

func planCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Sequence a TOML track fixture and print the tracklist without rendering",
		ArgsUsage: "<fixture.toml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "set or pair (pair mixes the first two tracks in file order)",
				Value: string(model.JobModeSet),
			},
			&cli.StringFlag{
				Name:  "guidance",
				Usage: "Override the fixture guidance",
			},
			&cli.StringFlag{
				Name:  "samples",
				Usage: "Sample library manifest",
				Value: cfg.Mix.SampleManifest,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the transition plans as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected one fixture file")
			}
			f, err := loadFixture(cmd.Args().First())
			if err != nil {
				return err
			}
			if g := cmd.String("guidance"); g != "" {
				f.Guidance = g
			}

			mode := model.JobMode(cmd.String("mode"))
			if mode != model.JobModeSet && mode != model.JobModePair {
				return fmt.Errorf("unknown mode %q", mode)
			}

			var library *strategy.Library
			if path := cmd.String("samples"); path != "" {
				if library, err = strategy.LoadLibrary(path); err != nil {
					return err
				}
			}

			job, excluded, err := planJob(ctx, f, mode, &cfg.Mix, library, newLogger(cmd))
			if err != nil {
				return err
			}
			return printPlan(os.Stdout, job, excluded, cmd.Bool("json"))
		},
	}
}

func printPlan(w io.Writer, job *model.SessionJob, excluded []sequencer.Exclusion, asJSON bool) error {
	if asJSON {
		plans := make([]model.TransitionPlan, len(job.Segments))
		for i, seg := range job.Segments {
			plans[i] = seg.Plan
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Transitions []model.TransitionPlan `json:"transitions"`
			Excluded    []sequencer.Exclusion  `json:"excluded,omitempty"`
		}{plans, excluded})
	}

	text, err := worker.BuildTracklist(job)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}
	for _, ex := range excluded {
		fmt.Fprintf(w, "excluded %s: %s\n", ex.TrackID, ex.Reason)
	}
	return nil
}
