package logging

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options configures the root logger
type Options struct {
	Level  string // trace, debug, info, warn, error
	JSON   bool
	Output io.Writer
}

var (
	mu         sync.RWMutex
	rootLogger hclog.Logger
)

// New builds an hclog logger named "probe"
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "probe",
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})
}

// SetLogger sets the process-wide logger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	rootLogger = logger
}

// GetLogger returns the process-wide logger
func GetLogger() hclog.Logger {
	mu.RLock()
	l := rootLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if rootLogger == nil {
		rootLogger = New(Options{Level: os.Getenv("PROBE_LOG_LEVEL")})
	}
	return rootLogger
}

// OrDefault returns l, or the process-wide logger when l is nil
func OrDefault(l hclog.Logger) hclog.Logger {
	if l != nil {
		return l
	}
	return GetLogger()
}
