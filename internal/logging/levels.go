// internal/logging/levels.go
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Prompts, raw model responses and full
// subprocess output go here.
const TraceLevel = zapcore.Level(-2)

var levelNames = map[string]zapcore.Level{
	"trace":   TraceLevel,
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"":        zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// LevelFromString parses a configured level name. Case and surrounding
// whitespace are ignored; an empty name means info.
func LevelFromString(name string) (zapcore.Level, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (want trace, debug, info, warn or error)", name)
}
