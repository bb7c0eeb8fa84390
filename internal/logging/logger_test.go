package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Output = OutputConfig{}
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithIteration(WithSessionID(context.Background(), "sess-1"), 4)

	tl.Info(ctx, "iteration recorded", zap.String("class", "success"))

	tl.AssertLogged(t, zapcore.InfoLevel, "iteration recorded")
	tl.AssertField(t, "iteration recorded", "session.id", "sess-1")
	tl.AssertField(t, "iteration recorded", "iteration", int64(4))
	tl.AssertField(t, "iteration recorded", "class", "success")
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "prompt")
	tl.Debug(ctx, "debug")
	tl.Warn(ctx, "warn")
	tl.Error(ctx, "error")

	tl.AssertLogged(t, TraceLevel, "prompt")
	tl.AssertLogged(t, zapcore.DebugLevel, "debug")
	tl.AssertLogged(t, zapcore.WarnLevel, "warn")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error")
	tl.AssertNotLogged(t, zapcore.InfoLevel, "prompt")
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "via context")
	tl.AssertLogged(t, zapcore.InfoLevel, "via context")
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig().Redaction
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	z := zap.New(core)

	z.Info("model call",
		zap.String("token", "abc123"),
		zap.String("stderr", "Authorization: Bearer sk-live-xyz"),
		zap.String("model", "qwen2.5:0.5b"),
	)

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "sk-live-xyz")
	assert.Contains(t, out, "qwen2.5:0.5b")
}

func TestRedactingEncoder_BadPattern(t *testing.T) {
	_, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestSnippet(t *testing.T) {
	f := Snippet("code", "print('hello world')", 5)
	assert.Equal(t, "print...[15 more bytes]", f.String)

	f = Snippet("code", "x=1", 5)
	assert.Equal(t, "x=1", f.String)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("TRACE")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)
}

func TestSampledCore_WarnAlwaysPasses(t *testing.T) {
	var buf bytes.Buffer
	base := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), TraceLevel)
	core := newSampledCore(base, SamplingConfig{Enabled: true, Tick: 1e9, Initial: 1, Thereafter: 0})
	z := zap.New(core)

	for i := 0; i < 5; i++ {
		z.Info("same")
		z.Warn("loud")
	}

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"same"`)))
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte(`"loud"`)))
}

func TestContextFields_IterationKeepsSession(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-9")
	assert.Equal(t, "sess-9", SessionIDFromContext(WithIteration(ctx, 2)))

	_, ok := IterationFromContext(WithSessionID(WithIteration(ctx, 2), "sess-10"))
	assert.False(t, ok, "a new session starts without an iteration")
}

func TestTestLogger_ForSession(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(WithSessionID(context.Background(), "a"), "session started")
	tl.Info(WithSessionID(context.Background(), "b"), "session started")
	tl.Info(context.Background(), "untagged")

	assert.Len(t, tl.ForSession("a"), 1)
	assert.Len(t, tl.All(), 3)
	assert.Contains(t, tl.Messages(), "INFO: untagged")
}

func TestSnippet_RuneBoundary(t *testing.T) {
	f := Snippet("stdout", "héllo", 2)
	assert.Equal(t, "h...[5 more bytes]", f.String)
}

func TestLevelFromString_Unknown(t *testing.T) {
	_, err := LevelFromString("loud")
	assert.ErrorContains(t, err, "unknown log level")
}
