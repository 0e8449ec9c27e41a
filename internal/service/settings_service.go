package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/automix/internal/config"
	"github.com/makeasinger/automix/internal/model"
)

// SettingsKey holds the admin-tunable mix rules.
const SettingsKey = "mix:admin_settings"

// SettingsService stores admin settings in Redis. Workers read them once
// per job, so an update applies to jobs started afterwards.
type SettingsService struct {
	redis     *redis.Client
	defaults  model.AdminSettings
	validator *validator.Validate
}

func NewSettingsService(redisClient *redis.Client, cfg *config.MixConfig, v *validator.Validate) *SettingsService {
	if v == nil {
		v = validator.New()
	}
	return &SettingsService{
		redis:     redisClient,
		defaults:  DefaultSettings(cfg),
		validator: v,
	}
}

// DefaultSettings derives the settings used before an admin saves any.
func DefaultSettings(cfg *config.MixConfig) model.AdminSettings {
	s := model.AdminSettings{
		MixSensitivity:   0.5,
		DefaultBars:      32,
		AllowInstruments: true,
	}
	if cfg == nil {
		return s
	}
	if cfg.MixSensitivity >= 0 && cfg.MixSensitivity <= 1 {
		s.MixSensitivity = cfg.MixSensitivity
	}
	switch cfg.DefaultBars {
	case 16, 32, 64:
		s.DefaultBars = cfg.DefaultBars
	}
	return s
}

func (s *SettingsService) Defaults() model.AdminSettings {
	return s.defaults
}

// Get returns the stored settings, or the defaults when none are stored.
// A stored value that no longer validates is ignored.
func (s *SettingsService) Get(ctx context.Context) (model.AdminSettings, error) {
	data, err := s.redis.Get(ctx, SettingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.defaults, nil
	}
	if err != nil {
		return s.defaults, model.NewError(model.KindStorage, "failed to read settings", err)
	}

	settings := s.defaults
	if err := json.Unmarshal(data, &settings); err != nil {
		return s.defaults, model.NewError(model.KindStorage, "failed to decode settings", err)
	}
	if err := s.validator.Struct(&settings); err != nil {
		return s.defaults, model.NewError(model.KindStorage, "stored settings are invalid", err)
	}
	return settings, nil
}

// Update applies a partial update and stores the result.
func (s *SettingsService) Update(ctx context.Context, req *model.UpdateSettingsRequest) (model.AdminSettings, error) {
	if err := s.validator.Struct(req); err != nil {
		return model.AdminSettings{}, model.NewError(model.KindInput, "invalid settings", err)
	}

	// an unreadable stored value is replaced, starting from the defaults
	settings, _ := s.Get(ctx)
	req.Apply(&settings)
	if err := s.validator.Struct(&settings); err != nil {
		return model.AdminSettings{}, model.NewError(model.KindInput, "invalid settings", err)
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return model.AdminSettings{}, fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.redis.Set(ctx, SettingsKey, data, 0).Err(); err != nil {
		return model.AdminSettings{}, model.NewError(model.KindStorage, "failed to save settings", err)
	}
	return settings, nil
}
