// Package obslog wires every dvel subsystem through a single structured
// logger instead of ad-hoc fmt.Println calls.
package obslog

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	current *slog.Logger
)

func init() {
	current = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Set replaces the process-wide logger. Tests use this to capture output.
func Set(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Get returns the process-wide logger.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// With returns a child logger scoped to a subsystem name.
func With(subsystem string) *slog.Logger {
	return Get().With("subsystem", subsystem)
}
