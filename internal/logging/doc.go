// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug) for prompts and raw model output
//   - stderr output plus an optional OpenTelemetry bridge
//   - session and iteration correlation pulled from the context
//   - key and pattern based secret redaction in the encoder
//   - sampling below Warn
//
// Usage:
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, directive.SessionID)
//	ctx = logging.WithIteration(ctx, 3)
//	logger.Info(ctx, "executed candidate", zap.String("class", "success"))
//
// Tests use TestLogger:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "iteration recorded", zap.Int("seq", 1))
//	tl.AssertLogged(t, zapcore.InfoLevel, "iteration recorded")
//	tl.AssertField(t, "iteration recorded", "seq", int64(1))
//	entries := tl.ForSession(directive.SessionID)
package logging
