// Package logger provides structured logging with consistent fields.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	output io.Writer = os.Stderr
	level            = zerolog.InfoLevel
)

// Configure sets the process-wide output and level used by loggers created
// afterwards. Unknown levels fall back to info.
func Configure(w io.Writer, lvl string) {
	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		output = w
	}
	level = ParseLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond
}

// ParseLevel maps a config string to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return l
}

// Logger wraps a component-scoped zerolog logger.
type Logger struct {
	base zerolog.Logger
}

// New creates a logger with component metadata.
func New(component string) *Logger {
	mu.RLock()
	w, lvl := output, level
	mu.RUnlock()
	l := zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger().
		Level(lvl)
	return &Logger{base: l}
}

// NewWriter creates a logger writing to w regardless of global config.
func NewWriter(component string, w io.Writer, lvl zerolog.Level) *Logger {
	return &Logger{base: zerolog.New(w).With().Str("component", component).Logger().Level(lvl)}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{base: zerolog.Nop()}
}

// Debug logs debug messages with optional key/value pairs.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.base.Debug().Fields(kvToMap(keyvals...)).Msg(msg)
}

// Info logs informational messages with optional key/value pairs.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.base.Info().Fields(kvToMap(keyvals...)).Msg(msg)
}

// Warn logs warning messages with optional key/value pairs.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.base.Warn().Fields(kvToMap(keyvals...)).Msg(msg)
}

// Error logs error messages with optional key/value pairs.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.base.Error().Fields(kvToMap(keyvals...)).Msg(msg)
}

// kvToMap converts a flat list of key/value pairs into a map for zerolog.
// Errors are stored by message so they serialize.
func kvToMap(kv ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i < len(kv)-1; i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, isErr := kv[i+1].(error); isErr && err != nil {
			fields[key] = err.Error()
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
