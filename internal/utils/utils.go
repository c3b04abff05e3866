// Package utils holds the small ambient helpers shared across the
// ingest binary that don't warrant their own package.
package utils

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"ingest/internal/config"
)

// DebugLog prints only when --debug is set.
func DebugLog(format string, args ...any) {
	if config.DebugEnabled {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// SetupGracefulShutdown returns a channel that receives SIGINT and
// SIGTERM, for a main loop to select on alongside its own work.
func SetupGracefulShutdown() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// Max returns the larger of a and b.
func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
