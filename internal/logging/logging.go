// Package logging configures the process-wide slog logger. Development runs
// get a plain text handler; stage and prod runs get a sampled zap JSON core
// behind slog so call sites never depend on the backend.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backend selects the slog handler implementation.
type Backend string

const (
	BackendStd Backend = "std"
	BackendZap Backend = "zap"
)

// Env is the deployment environment, read from APP_ENV.
type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

// Config controls logger construction. Zero values are filled in by Init.
type Config struct {
	Service    string
	Version    string
	InstanceID string

	Level   slog.Level
	Env     Env
	Backend Backend // default: zap for stage/prod, std for dev
	Debug   bool

	SampleInitial    int
	SampleThereafter int
}

var def *slog.Logger

// Init builds the logger described by cfg and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "emochat"
	}
	if cfg.InstanceID == "" {
		hn, _ := os.Hostname()
		cfg.InstanceID = hn + "-" + uuid.New().String()[:8]
	}
	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	h = h.WithAttrs([]slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	})

	def = slog.New(h)
	slog.SetDefault(def)
	return def
}

// L returns the configured logger, initialising a default one on first use.
func L() *slog.Logger {
	if def != nil {
		return def
	}
	return Init(Config{})
}

// DetectEnv maps APP_ENV onto an Env, defaulting to dev.
func DetectEnv() Env {
	return ParseEnv(os.Getenv("APP_ENV"))
}

// ParseEnv normalises an environment name.
func ParseEnv(raw string) Env {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return EnvProd
	case "stage", "staging", "preprod", "pre-production":
		return EnvStage
	default:
		return EnvDev
	}
}

func level(cfg Config) slog.Level {
	if cfg.Debug && cfg.Level == 0 {
		return slog.LevelDebug
	}
	return cfg.Level
}
