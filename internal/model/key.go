package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is a musical key: a tonic pitch class and a scale.
type Key struct {
	Tonic Tonic `json:"tonic"`
	Scale Scale `json:"scale"`
}

// Camelot wheel numbers indexed by pitch class. Minor keys carry the
// letter A and major keys the letter B; relative keys share a number.
var (
	camelotMajor = [12]int{8, 3, 10, 5, 12, 7, 2, 9, 4, 11, 6, 1}
	camelotMinor = [12]int{5, 12, 7, 2, 9, 4, 11, 6, 1, 8, 3, 10}
)

var flatAliases = map[string]Tonic{
	"DB": TonicCSharp,
	"EB": TonicDSharp,
	"GB": TonicFSharp,
	"AB": TonicGSharp,
	"BB": TonicASharp,
	"CB": TonicB,
	"FB": TonicE,
	"E#": TonicF,
	"B#": TonicC,
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Tonic == "" || k.Scale == ""
}

// PitchClass returns 0..11 for the tonic, or -1 when unknown.
func (k Key) PitchClass() int {
	for i, t := range Tonics {
		if t == k.Tonic {
			return i
		}
	}
	return -1
}

// Transpose shifts the tonic by the given number of semitones.
func (k Key) Transpose(semitones int) Key {
	pc := k.PitchClass()
	if pc < 0 {
		return k
	}
	pc = ((pc+semitones)%12 + 12) % 12
	return Key{Tonic: Tonics[pc], Scale: k.Scale}
}

// Camelot returns the wheel code such as "8B", or "" for an unknown key.
func (k Key) Camelot() string {
	pc := k.PitchClass()
	if pc < 0 {
		return ""
	}
	switch k.Scale {
	case ScaleMajor:
		return fmt.Sprintf("%dB", camelotMajor[pc])
	case ScaleMinor:
		return fmt.Sprintf("%dA", camelotMinor[pc])
	}
	return ""
}

func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.Tonic) + " " + string(k.Scale)
}

// ParseKey accepts "C", "C#m", "Db minor", "A min", "F#maj" or a wheel code like "8A".
func ParseKey(s string) (Key, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Key{}, fmt.Errorf("empty key")
	}
	if num, letter, err := ParseCamelot(raw); err == nil {
		return keyFromCamelot(num, letter), nil
	}

	up := strings.ToUpper(strings.ReplaceAll(raw, " ", ""))
	scale := ScaleMajor
	for _, suffix := range []string{"MINOR", "MIN", "M"} {
		if strings.HasSuffix(up, suffix) && len(up) > len(suffix) {
			up = strings.TrimSuffix(up, suffix)
			scale = ScaleMinor
			break
		}
	}
	for _, suffix := range []string{"MAJOR", "MAJ"} {
		if strings.HasSuffix(up, suffix) {
			up = strings.TrimSuffix(up, suffix)
			scale = ScaleMajor
			break
		}
	}

	if t, ok := flatAliases[up]; ok {
		return Key{Tonic: t, Scale: scale}, nil
	}
	for _, t := range Tonics {
		if string(t) == up {
			return Key{Tonic: t, Scale: scale}, nil
		}
	}
	return Key{}, fmt.Errorf("unrecognized key %q", s)
}

// ParseCamelot splits a wheel code into its number (1..12) and letter (A or B).
func ParseCamelot(code string) (int, byte, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) < 2 {
		return 0, 0, fmt.Errorf("invalid camelot code %q", code)
	}
	letter := c[len(c)-1]
	if letter != 'A' && letter != 'B' {
		return 0, 0, fmt.Errorf("invalid camelot letter in %q", code)
	}
	n, err := strconv.Atoi(c[:len(c)-1])
	if err != nil || n < 1 || n > 12 {
		return 0, 0, fmt.Errorf("invalid camelot number in %q", code)
	}
	return n, letter, nil
}

// WheelSteps is the circular distance between two wheel numbers, 0..6.
// The letter is ignored, so relative keys are 0 steps apart.
func WheelSteps(a, b string) (int, error) {
	na, _, err := ParseCamelot(a)
	if err != nil {
		return 0, err
	}
	nb, _, err := ParseCamelot(b)
	if err != nil {
		return 0, err
	}
	d := na - nb
	if d < 0 {
		d = -d
	}
	if 12-d < d {
		d = 12 - d
	}
	return d, nil
}

func keyFromCamelot(num int, letter byte) Key {
	table := camelotMajor
	scale := ScaleMajor
	if letter == 'A' {
		table = camelotMinor
		scale = ScaleMinor
	}
	for pc, n := range table {
		if n == num {
			return Key{Tonic: Tonics[pc], Scale: scale}
		}
	}
	return Key{}
}
