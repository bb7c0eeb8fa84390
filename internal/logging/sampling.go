// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore thins out repeated entries below Warn, such as per-iteration
// progress lines in a long session. Warn and above are never dropped.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	quiet := bandCore{Core: core, from: TraceLevel, below: zapcore.WarnLevel}
	loud := bandCore{Core: core, from: zapcore.WarnLevel, below: zapcore.InvalidLevel}
	return zapcore.NewTee(
		zapcore.NewSamplerWithOptions(quiet, cfg.Tick, cfg.Initial, cfg.Thereafter),
		loud,
	)
}

// bandCore accepts levels in [from, below).
type bandCore struct {
	zapcore.Core
	from, below zapcore.Level
}

func (c bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.from && lvl < c.below && c.Core.Enabled(lvl)
}

func (c bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return c.Core.Check(e, ce)
	}
	return ce
}

func (c bandCore) With(fields []zapcore.Field) zapcore.Core {
	c.Core = c.Core.With(fields)
	return c
}
