// Package logger provides the structured, component-tagged logging calling
// convention used throughout beacon: InfoCF/WarnCF/ErrorCF/DebugCF each take
// a component name, a message, and a flat field map.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	Init(os.Stderr, "info")
}

// Init (re)configures the global logger. level is one of
// debug|info|warn|error; unrecognized values fall back to info.
func Init(w io.Writer, level string) {
	zl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		zl = zerolog.InfoLevel
	}
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(w).With().Timestamp().Logger().Level(zl)
}

func fields(e *zerolog.Event, f map[string]interface{}) *zerolog.Event {
	for k, v := range f {
		e = e.Interface(k, v)
	}
	return e
}

// DebugCF logs a debug-level message tagged with the owning component.
func DebugCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Debug().Str("component", component), f).Msg(msg)
}

// InfoCF logs an info-level message tagged with the owning component.
func InfoCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Info().Str("component", component), f).Msg(msg)
}

// WarnCF logs a warn-level message tagged with the owning component.
func WarnCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Warn().Str("component", component), f).Msg(msg)
}

// ErrorCF logs an error-level message tagged with the owning component.
func ErrorCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Error().Str("component", component), f).Msg(msg)
}

// Info/Warn/Error/Debug are convenience wrappers with no component tag, used
// at startup before any component context exists (e.g. in cmd/beacond).
func Info(msg string, f map[string]interface{})  { InfoCF("", msg, f) }
func Warn(msg string, f map[string]interface{})  { WarnCF("", msg, f) }
func Error(msg string, f map[string]interface{}) { ErrorCF("", msg, f) }
func Debug(msg string, f map[string]interface{}) { DebugCF("", msg, f) }
