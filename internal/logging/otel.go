// internal/logging/otel.go
package logging

import (
	"errors"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// instrumentationName identifies swarm log records in the OTEL pipeline.
const instrumentationName = "github.com/Xzeroone/The-Swarm"

// newCore assembles the enabled sinks. The terminal sink is redacted; the
// OTEL bridge receives records as-is and relies on the scrubbed session
// record for anything persisted.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var sinks []zapcore.Core

	if cfg.Output.Stderr {
		enc, err := NewRedactingEncoder(encoderFor(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), cfg.Level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider))
		sinks = append(sinks, levelGate{Core: bridge, min: cfg.Level})
	}
	if len(sinks) == 0 {
		return nil, errors.New("no log sink available: stderr is off and no OTEL provider was given")
	}
	return newSampledCore(zapcore.NewTee(sinks...), cfg.Sampling), nil
}

// levelGate applies the configured level to a core that has none of its own.
type levelGate struct {
	zapcore.Core
	min zapcore.Level
}

func (g levelGate) Enabled(lvl zapcore.Level) bool { return lvl >= g.min }

func (g levelGate) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level < g.min {
		return ce
	}
	return g.Core.Check(e, ce)
}

func (g levelGate) With(fields []zapcore.Field) zapcore.Core {
	g.Core = g.Core.With(fields)
	return g
}

func encoderFor(format string) zapcore.Encoder {
	if format == "json" {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeLevel = encodeLevel(zapcore.LowercaseLevelEncoder)
		return zapcore.NewJSONEncoder(ec)
	}
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	ec.EncodeLevel = encodeLevel(zapcore.CapitalColorLevelEncoder)
	return zapcore.NewConsoleEncoder(ec)
}

// encodeLevel names TraceLevel, which zap prints as "Level(-2)".
func encodeLevel(next zapcore.LevelEncoder) zapcore.LevelEncoder {
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if l == TraceLevel {
			enc.AppendString("TRACE")
			return
		}
		next(l, enc)
	}
}
