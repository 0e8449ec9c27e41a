package strategy

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/makeasinger/automix/internal/model"
	"github.com/makeasinger/automix/internal/sequencer"
)

const (
	sampleBPMTolerance = 5.0
	sampleMaxSteps     = 1
)

// Library is the overlay sample catalog loaded from a yaml manifest.
type Library struct {
	dir     string
	samples []model.Sample
}

type manifest struct {
	Samples []model.Sample `yaml:"samples"`
}

// LoadLibrary reads a manifest of the form
//
//	samples:
//	  - id: pad-01
//	    file: instruments/pad-01.wav
//	    bpm: 124
//	    camelot: 8A
//	    category: instruments
//
// Sample files are resolved relative to the manifest directory.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse sample manifest: %w", err)
	}
	lib := &Library{dir: filepath.Dir(path)}
	seen := make(map[string]bool, len(m.Samples))
	for _, s := range m.Samples {
		if s.ID == "" || s.File == "" || seen[s.ID] {
			continue
		}
		if _, _, err := model.ParseCamelot(s.Camelot); err != nil {
			continue
		}
		seen[s.ID] = true
		lib.samples = append(lib.samples, s)
	}
	return lib, nil
}

// NewLibrary builds a catalog from samples already in memory.
func NewLibrary(dir string, samples []model.Sample) *Library {
	return &Library{dir: dir, samples: samples}
}

func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.samples)
}

// Sample returns the catalog entry with the given id.
func (l *Library) Sample(id string) (model.Sample, bool) {
	if l == nil {
		return model.Sample{}, false
	}
	for _, s := range l.samples {
		if s.ID == id {
			return s, true
		}
	}
	return model.Sample{}, false
}

// Path returns the file of the sample with the given id.
func (l *Library) Path(id string) (string, bool) {
	s, ok := l.Sample(id)
	if !ok {
		return "", false
	}
	if filepath.IsAbs(s.File) {
		return s.File, true
	}
	return filepath.Join(l.dir, s.File), true
}

// Candidates returns the samples that fit a transition: within a few BPM of
// the pair's average tempo, at most one wheel step from the outgoing key,
// and in a category the admin settings allow.
func (l *Library) Candidates(from, to model.Track, settings model.AdminSettings) []model.Sample {
	if l == nil || len(l.samples) == 0 {
		return nil
	}
	avg := from.BPM
	if to.BPM > 0 {
		avg = (from.BPM + to.BPM) / 2
	}
	code := sequencer.HarmonicCode(from)

	var out []model.Sample
	for _, s := range l.samples {
		if !categoryAllowed(s.Category, settings) {
			continue
		}
		if math.Abs(s.BPM-avg) > sampleBPMTolerance {
			continue
		}
		steps, err := model.WheelSteps(s.Camelot, code)
		if err != nil || steps > sampleMaxSteps {
			continue
		}
		out = append(out, s)
	}
	return out
}

func categoryAllowed(c model.SampleCategory, settings model.AdminSettings) bool {
	switch c {
	case model.SampleVocals:
		return settings.AllowVocals
	case model.SampleInstruments, model.SamplePercussion:
		return settings.AllowInstruments
	default:
		return false
	}
}
