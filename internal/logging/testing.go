// internal/logging/testing.go
package logging

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every entry down to Trace.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core)},
		observed: observed,
	}
}

// All returns every recorded entry in order.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message equals msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// ForSession returns the entries tagged with sessionID, e.g. by WithSessionID.
func (t *TestLogger) ForSession(sessionID string) []observer.LoggedEntry {
	return t.observed.FilterField(zap.String(sessionIDKey, sessionID)).All()
}

// Messages lists the recorded messages, one per entry, prefixed with level.
func (t *TestLogger) Messages() []string {
	entries := t.observed.All()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s: %s", e.Level.CapitalString(), e.Message))
	}
	return out
}

func (t *TestLogger) find(level zapcore.Level, substr string) bool {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// AssertLogged fails tb unless some entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if !t.find(level, substr) {
		tb.Errorf("no %s entry containing %q; recorded:\n  %s",
			level.CapitalString(), substr, strings.Join(t.Messages(), "\n  "))
	}
}

// AssertNotLogged fails tb if any entry at level contains substr.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if t.find(level, substr) {
		tb.Errorf("unexpected %s entry containing %q", level.CapitalString(), substr)
	}
}

// AssertField fails tb unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	var seen []any
	for _, e := range t.observed.FilterMessage(msg).All() {
		v, ok := e.ContextMap()[key]
		if !ok {
			continue
		}
		if reflect.DeepEqual(v, want) {
			return
		}
		seen = append(seen, v)
	}
	tb.Errorf("%q: field %s=%v not found (saw %v)", msg, key, want, seen)
}
