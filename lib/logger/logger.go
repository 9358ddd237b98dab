package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a named sugared logger. With no sink arguments logs go to
// stderr; a non-empty sink path appends to that file instead.
func New(name string, sinks ...string) (*zap.SugaredLogger, error) {
	outputs := []string{"stderr"}
	for _, s := range sinks {
		if s != "" {
			outputs = []string{s}
			break
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = outputs
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return l.Named(name).Sugar(), nil
}

// NewNop returns a logger that discards everything.
func NewNop(name string) *zap.SugaredLogger {
	return zap.NewNop().Named(name).Sugar()
}
