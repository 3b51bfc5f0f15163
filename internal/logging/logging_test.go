package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_DEV", "1")
	t.Setenv("LOG_LEVEL", "")

	cfg := ConfigFromEnv()
	if !cfg.Dev || cfg.Level != "debug" {
		t.Errorf("unexpected dev config: %+v", cfg)
	}

	t.Setenv("LOG_DEV", "")
	t.Setenv("LOG_LEVEL", "warn")
	cfg = ConfigFromEnv()
	if cfg.Dev || cfg.Level != "warn" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestInitLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := Init(Config{Level: tt.level})
			if err != nil {
				t.Fatalf("init failed: %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}
