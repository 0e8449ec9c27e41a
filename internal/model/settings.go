package model

// AdminSettings are operator-tunable mix rules read by workers per job.
type AdminSettings struct {
	MixSensitivity    float64 `json:"mixSensitivity" validate:"gte=0,lte=1"`
	DefaultBars       int     `json:"defaultBars" validate:"oneof=16 32 64"`
	BassSwapIntensity float64 `json:"bassSwapIntensity" validate:"gte=0,lte=1"`
	AllowInstruments  bool    `json:"allowInstruments"`
	AllowVocals       bool    `json:"allowVocals"`
	SystemPrompt      string  `json:"systemPrompt,omitempty" validate:"max=8000"`
}

// UpdateSettingsRequest patches AdminSettings; nil fields are left as they are.
type UpdateSettingsRequest struct {
	MixSensitivity    *float64 `json:"mixSensitivity" validate:"omitempty,gte=0,lte=1"`
	DefaultBars       *int     `json:"defaultBars" validate:"omitempty,oneof=16 32 64"`
	BassSwapIntensity *float64 `json:"bassSwapIntensity" validate:"omitempty,gte=0,lte=1"`
	AllowInstruments  *bool    `json:"allowInstruments"`
	AllowVocals       *bool    `json:"allowVocals"`
	SystemPrompt      *string  `json:"systemPrompt" validate:"omitempty,max=8000"`
}

// Apply copies the set fields of r onto s.
func (r *UpdateSettingsRequest) Apply(s *AdminSettings) {
	if r.MixSensitivity != nil {
		s.MixSensitivity = *r.MixSensitivity
	}
	if r.DefaultBars != nil {
		s.DefaultBars = *r.DefaultBars
	}
	if r.BassSwapIntensity != nil {
		s.BassSwapIntensity = *r.BassSwapIntensity
	}
	if r.AllowInstruments != nil {
		s.AllowInstruments = *r.AllowInstruments
	}
	if r.AllowVocals != nil {
		s.AllowVocals = *r.AllowVocals
	}
	if r.SystemPrompt != nil {
		s.SystemPrompt = *r.SystemPrompt
	}
}

// Sample is an overlay asset from the sample library.
type Sample struct {
	ID       string         `json:"id" yaml:"id"`
	File     string         `json:"file" yaml:"file"`
	BPM      float64        `json:"bpm" yaml:"bpm"`
	Camelot  string         `json:"camelot" yaml:"camelot"`
	Category SampleCategory `json:"category" yaml:"category"`
}
