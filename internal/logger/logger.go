// Package logger provides the process-wide structured logger shared by
// the gateway and nexus binaries, plus a set of component sub-loggers
// scoped to one subsystem each.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with configuration. serviceName
// distinguishes "gateway" from "nexus" in every emitted record.
func Initialize(serviceName, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", serviceName).
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Security creates a logger for authentication and authorization events.
func Security() *zerolog.Logger { return component("security") }

// Gateway creates a logger for gateway session lifecycle events: hello,
// identify, heartbeat timeouts, event-filter rejections.
func Gateway() *zerolog.Logger { return component("gateway") }

// Nexus creates a logger for nexus-side event queue and gateway
// connection bookkeeping.
func Nexus() *zerolog.Logger { return component("nexus") }

// RPC creates a logger for the QUIC transport: connection setup,
// circuit breaker transitions, procedure dispatch failures.
func RPC() *zerolog.Logger { return component("rpc") }

// EventQueue creates a logger for the nexus event log: batch sends,
// replay-window evictions.
func EventQueue() *zerolog.Logger { return component("eventqueue") }

// PermCache creates a logger for permission cache hits, misses, and
// invalidations.
func PermCache() *zerolog.Logger { return component("permcache") }

// RateLimit creates a logger for rate limiter penalty applications.
func RateLimit() *zerolog.Logger { return component("ratelimit") }

// AssetCache creates a logger for static asset compression and
// revalidation.
func AssetCache() *zerolog.Logger { return component("assetcache") }

// Storage creates a logger for the storage façade.
func Storage() *zerolog.Logger { return component("storage") }

// EmbedWorker creates a logger for embed-worker HTTP client calls.
func EmbedWorker() *zerolog.Logger { return component("embedworker") }

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger { return component("http") }
