package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	Decision  DecisionConfig
	Analysis  AnalysisConfig
	Toolchain ToolchainConfig
	Mix       MixConfig
	Archive   ArchiveConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SessionsPerHour int
	UploadsPerHour  int
	JobsPerHour     int
}

// OIDCConfig points the token verifier at an OpenID provider. RoleClaim
// names the claim carrying project roles; AdminRole is the provider role
// granted the service's admin role.
type OIDCConfig struct {
	Issuer    string
	Audience  string
	RoleClaim string
	AdminRole string
	Timeout   time.Duration
}

type GatewayConfig struct {
	Enabled bool
}

// DecisionConfig points at an OpenAI-compatible chat completion API.
type DecisionConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	RequestsPerSec float64
}

type AnalysisConfig struct {
	ServiceURL  string
	FFprobePath string
	Timeout     time.Duration
	Parallelism int
}

type ToolchainConfig struct {
	FFmpegPath     string
	FFprobePath    string
	RubberbandPath string
	LoudnessTarget float64
	SampleRate     int
}

type MixConfig struct {
	SessionRoot    string
	SessionTTL     time.Duration
	MaxUploadMB    int
	MaxTracks      int
	DefaultBars    int
	MixSensitivity float64
	MaxStretch     float64
	RenderRetries  int
	SampleManifest string
	SweepInterval  time.Duration
}

// ArchiveConfig enables an S3-compatible copy of finished mixes.
type ArchiveConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type WorkerConfig struct {
	Enabled        bool
	Concurrency    int
	PipelineWeight int
	RenderWeight   int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("DECISION_API_KEY")
	readSecret("ARCHIVE_ACCESS_KEY_ID")
	readSecret("ARCHIVE_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.audience", "OIDC_AUDIENCE")
	_ = v.BindEnv("oidc.role_claim", "OIDC_ROLE_CLAIM")
	_ = v.BindEnv("oidc.admin_role", "OIDC_ADMIN_ROLE")
	_ = v.BindEnv("oidc.timeout", "OIDC_TIMEOUT")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.sessions_per_hour", "RATELIMIT_SESSIONS_PER_HOUR")
	_ = v.BindEnv("ratelimit.uploads_per_hour", "RATELIMIT_UPLOADS_PER_HOUR")
	_ = v.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")
	_ = v.BindEnv("decision.api_key", "DECISION_API_KEY")
	_ = v.BindEnv("decision.base_url", "DECISION_BASE_URL")
	_ = v.BindEnv("decision.model", "DECISION_MODEL")
	_ = v.BindEnv("decision.timeout", "DECISION_TIMEOUT")
	_ = v.BindEnv("decision.requests_per_sec", "DECISION_RPS")
	_ = v.BindEnv("analysis.service_url", "ANALYSIS_SERVICE_URL")
	_ = v.BindEnv("analysis.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("analysis.timeout", "ANALYSIS_TIMEOUT")
	_ = v.BindEnv("analysis.parallelism", "ANALYSIS_PARALLELISM")
	_ = v.BindEnv("toolchain.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("toolchain.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("toolchain.rubberband_path", "RUBBERBAND_PATH")
	_ = v.BindEnv("toolchain.loudness_target", "LOUDNESS_TARGET")
	_ = v.BindEnv("toolchain.sample_rate", "SAMPLE_RATE")
	_ = v.BindEnv("mix.session_root", "SESSION_ROOT")
	_ = v.BindEnv("mix.session_ttl", "SESSION_TTL")
	_ = v.BindEnv("mix.max_upload_mb", "MAX_UPLOAD_MB")
	_ = v.BindEnv("mix.max_tracks", "MAX_TRACKS")
	_ = v.BindEnv("mix.default_bars", "DEFAULT_BARS")
	_ = v.BindEnv("mix.mix_sensitivity", "MIX_SENSITIVITY")
	_ = v.BindEnv("mix.max_stretch", "MAX_STRETCH")
	_ = v.BindEnv("mix.render_retries", "RENDER_RETRIES")
	_ = v.BindEnv("mix.sample_manifest", "SAMPLE_MANIFEST")
	_ = v.BindEnv("mix.sweep_interval", "SWEEP_INTERVAL")
	_ = v.BindEnv("archive.endpoint", "ARCHIVE_ENDPOINT")
	_ = v.BindEnv("archive.region", "ARCHIVE_REGION")
	_ = v.BindEnv("archive.access_key_id", "ARCHIVE_ACCESS_KEY_ID")
	_ = v.BindEnv("archive.secret_access_key", "ARCHIVE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("archive.bucket_name", "ARCHIVE_BUCKET_NAME")
	_ = v.BindEnv("archive.public_url", "ARCHIVE_PUBLIC_URL")
	_ = v.BindEnv("worker.enabled", "WORKER_ENABLED")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.pipeline_weight", "WORKER_PIPELINE_WEIGHT")
	_ = v.BindEnv("worker.render_weight", "WORKER_RENDER_WEIGHT")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("oidc.role_claim", "urn:zitadel:iam:org:project:roles")
	v.SetDefault("oidc.admin_role", "mix-admin")
	v.SetDefault("oidc.timeout", "10s")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.sessions_per_hour", 30)
	v.SetDefault("ratelimit.uploads_per_hour", 200)
	v.SetDefault("ratelimit.jobs_per_hour", 10)

	// Decision service defaults
	v.SetDefault("decision.base_url", "https://api.openai.com/v1")
	v.SetDefault("decision.model", "gpt-4o-mini")
	v.SetDefault("decision.timeout", "8s")
	v.SetDefault("decision.requests_per_sec", 2.0)

	// Analysis defaults
	v.SetDefault("analysis.ffprobe_path", "ffprobe")
	v.SetDefault("analysis.timeout", "120s")
	v.SetDefault("analysis.parallelism", 4)

	// Toolchain defaults
	v.SetDefault("toolchain.ffmpeg_path", "ffmpeg")
	v.SetDefault("toolchain.ffprobe_path", "ffprobe")
	v.SetDefault("toolchain.rubberband_path", "rubberband")
	v.SetDefault("toolchain.loudness_target", -16.0)
	v.SetDefault("toolchain.sample_rate", 44100)

	// Mix defaults
	v.SetDefault("mix.session_root", "./sessions")
	v.SetDefault("mix.session_ttl", "1h")
	v.SetDefault("mix.max_upload_mb", 100)
	v.SetDefault("mix.max_tracks", 24)
	v.SetDefault("mix.default_bars", 32)
	v.SetDefault("mix.mix_sensitivity", 0.5)
	v.SetDefault("mix.max_stretch", 1.08)
	v.SetDefault("mix.render_retries", 2)
	v.SetDefault("mix.sweep_interval", "15m")

	// Archive defaults
	v.SetDefault("archive.region", "auto")

	// Worker defaults
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.pipeline_weight", 4)
	v.SetDefault("worker.render_weight", 6)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SessionsPerHour: v.GetInt("ratelimit.sessions_per_hour"),
			UploadsPerHour:  v.GetInt("ratelimit.uploads_per_hour"),
			JobsPerHour:     v.GetInt("ratelimit.jobs_per_hour"),
		},
		OIDC: OIDCConfig{
			Issuer:    strings.TrimSuffix(v.GetString("oidc.issuer"), "/"),
			Audience:  v.GetString("oidc.audience"),
			RoleClaim: v.GetString("oidc.role_claim"),
			AdminRole: v.GetString("oidc.admin_role"),
			Timeout:   v.GetDuration("oidc.timeout"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Decision: DecisionConfig{
			APIKey:         v.GetString("decision.api_key"),
			BaseURL:        v.GetString("decision.base_url"),
			Model:          v.GetString("decision.model"),
			Timeout:        v.GetDuration("decision.timeout"),
			RequestsPerSec: v.GetFloat64("decision.requests_per_sec"),
		},
		Analysis: AnalysisConfig{
			ServiceURL:  v.GetString("analysis.service_url"),
			FFprobePath: v.GetString("analysis.ffprobe_path"),
			Timeout:     v.GetDuration("analysis.timeout"),
			Parallelism: v.GetInt("analysis.parallelism"),
		},
		Toolchain: ToolchainConfig{
			FFmpegPath:     v.GetString("toolchain.ffmpeg_path"),
			FFprobePath:    v.GetString("toolchain.ffprobe_path"),
			RubberbandPath: v.GetString("toolchain.rubberband_path"),
			LoudnessTarget: v.GetFloat64("toolchain.loudness_target"),
			SampleRate:     v.GetInt("toolchain.sample_rate"),
		},
		Mix: MixConfig{
			SessionRoot:    v.GetString("mix.session_root"),
			SessionTTL:     v.GetDuration("mix.session_ttl"),
			MaxUploadMB:    v.GetInt("mix.max_upload_mb"),
			MaxTracks:      v.GetInt("mix.max_tracks"),
			DefaultBars:    v.GetInt("mix.default_bars"),
			MixSensitivity: v.GetFloat64("mix.mix_sensitivity"),
			MaxStretch:     v.GetFloat64("mix.max_stretch"),
			RenderRetries:  v.GetInt("mix.render_retries"),
			SampleManifest: v.GetString("mix.sample_manifest"),
			SweepInterval:  v.GetDuration("mix.sweep_interval"),
		},
		Archive: ArchiveConfig{
			Endpoint:        v.GetString("archive.endpoint"),
			Region:          v.GetString("archive.region"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
			BucketName:      v.GetString("archive.bucket_name"),
			PublicURL:       v.GetString("archive.public_url"),
		},
		Worker: WorkerConfig{
			Enabled:        v.GetBool("worker.enabled"),
			Concurrency:    v.GetInt("worker.concurrency"),
			PipelineWeight: v.GetInt("worker.pipeline_weight"),
			RenderWeight:   v.GetInt("worker.render_weight"),
		},
	}

	return cfg, nil
}

// MaxUploadBytes is the per-file upload limit.
func (m MixConfig) MaxUploadBytes() int64 {
	return int64(m.MaxUploadMB) * 1024 * 1024
}
