// Package logging builds the zap loggers used by every pipeline stage and
// the field sets they attach to source and block events.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/catalogue-rag/internal/catalogue"
)

// New builds a zap.Logger configured for development or production. Both
// write to stderr so command output on stdout stays machine readable.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger.With(zap.String("service", "catalogue")), nil
}

// SourceFields identifies a source in log events.
func SourceFields(src catalogue.Source) []zap.Field {
	return []zap.Field{
		zap.String("source_id", src.ID),
		zap.String("url", src.NormalizedURL),
	}
}

// BlockFields describes a detected block without the body preview.
func BlockFields(info catalogue.BlockInfo) []zap.Field {
	return []zap.Field{
		zap.String("block_type", string(info.Type)),
		zap.String("block_reason", info.Reason),
		zap.Int("status", info.Signature.StatusCode),
	}
}
