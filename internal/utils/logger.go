package utils

import (
	"go.uber.org/zap"
)

func NewLogger(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	return cfg.Build()
}

// MustSugar builds a logger for the given environment and falls back to a
// no-op logger when the zap config cannot be built.
func MustSugar(env string) *zap.SugaredLogger {
	l, err := NewLogger(env == "development" || env == "dev")
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
