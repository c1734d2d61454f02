// Package logger provides structured logging for the auction server.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"
	// AuctionIDKey is the context key for auction IDs.
	AuctionIDKey ContextKey = "auction_id"
)

// Log is the global logger instance.
var Log zerolog.Logger

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // time format for console output
}

// DefaultConfig returns sensible defaults for production.
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger.
func Init(cfg Config) {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: cfg.TimeFormat,
		}
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "auctionserver").
		Logger()
}

// WithRequestID adds a request ID to the logger context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithAuctionID adds an auction ID to the logger context.
func WithAuctionID(ctx context.Context, auctionID string) context.Context {
	return context.WithValue(ctx, AuctionIDKey, auctionID)
}

// FromContext returns a logger carrying whatever request/auction IDs
// are present in ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	l := Log.With()

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.Str("request_id", requestID)
	}
	if auctionID, ok := ctx.Value(AuctionIDKey).(string); ok {
		l = l.Str("auction_id", auctionID)
	}

	return l.Logger()
}

// Refresher returns a logger for periodic refresher events.
func Refresher() zerolog.Logger {
	return Log.With().Str("component", "refresher").Logger()
}

// Sandbox returns a logger for sandbox child process events.
func Sandbox() zerolog.Logger {
	return Log.With().Str("component", "sandbox").Logger()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
