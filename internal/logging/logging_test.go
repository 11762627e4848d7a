package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseEnv(t *testing.T) {
	tests := []struct {
		raw  string
		want Env
	}{
		{"", EnvDev},
		{"dev", EnvDev},
		{"PRODUCTION", EnvProd},
		{" prod ", EnvProd},
		{"staging", EnvStage},
		{"preprod", EnvStage},
		{"whatever", EnvDev},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEnv(tt.raw))
		})
	}
}

func TestInit_SetsDefault(t *testing.T) {
	l := Init(Config{Env: EnvDev, Service: "test"})
	require.NotNil(t, l)
	assert.Same(t, l, L())
	assert.Same(t, l, slog.Default())
}

func TestInit_ZapBackend(t *testing.T) {
	l := Init(Config{Env: EnvProd, Backend: BackendZap})
	require.NotNil(t, l)
	assert.False(t, l.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, l.Enabled(context.Background(), slog.LevelInfo))
}

func TestToZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, toZapLevel(slog.LevelDebug))
	assert.Equal(t, zapcore.InfoLevel, toZapLevel(slog.LevelInfo))
	assert.Equal(t, zapcore.WarnLevel, toZapLevel(slog.LevelWarn))
	assert.Equal(t, zapcore.ErrorLevel, toZapLevel(slog.LevelError))
}
