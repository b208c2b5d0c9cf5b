// internal/logging/otel.go
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// newCore builds the zapcore.Core described by cfg.
//
// Telemetry export to an OTEL collector is out of scope for cass; logs go
// to stdout only.
func newCore(cfg *Config) (zapcore.Core, error) {
	if !cfg.Output.Stdout {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	baseEncoder := newEncoder(cfg.Format)
	encoder, err := NewRedactingEncoder(baseEncoder, cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}
	writer := zapcore.AddSync(os.Stdout)
	core := zapcore.NewCore(encoder, writer, cfg.Level)

	return newSampledCore(core, cfg.Sampling), nil
}
