// internal/logging/redact.go
package logging

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Snippet is a field holding at most n bytes of val, cut on a rune boundary.
// Generated code, stdout and model replies are logged through it.
func Snippet(key, val string, n int) zap.Field {
	if len(val) <= n {
		return zap.String(key, val)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(val[cut]) {
		cut--
	}
	return zap.String(key, fmt.Sprintf("%s...[%d more bytes]", val[:cut], len(val)-cut))
}

// RedactingEncoder masks configured keys entirely and rewrites pattern
// matches inside any other string value. Model output and subprocess stderr
// pass through here before reaching the terminal.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	enc := &RedactingEncoder{Encoder: base}
	if !cfg.Enabled {
		return enc, nil
	}
	enc.keys = make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		enc.keys[strings.ToLower(f)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		enc.patterns = append(enc.patterns, re)
	}
	return enc, nil
}

// masked reports whether key is hidden outright, writing the placeholder.
func (e *RedactingEncoder) masked(key string) bool {
	if _, ok := e.keys[strings.ToLower(key)]; !ok {
		return false
	}
	e.Encoder.AddString(key, redacted)
	return true
}

func (e *RedactingEncoder) scrub(val string) string {
	for _, re := range e.patterns {
		val = re.ReplaceAllString(val, redacted)
	}
	return val
}

func (e *RedactingEncoder) AddString(key, val string) {
	if !e.masked(key) {
		e.Encoder.AddString(key, e.scrub(val))
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if !e.masked(key) {
		e.Encoder.AddString(key, e.scrub(string(val)))
	}
}

func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.masked(key) {
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
