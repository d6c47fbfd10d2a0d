package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. appEnv "dev" selects the console encoder.
func New(appEnv, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if appEnv == "dev" {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
