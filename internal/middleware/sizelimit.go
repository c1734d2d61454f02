package middleware

import (
	"net/http"
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // Max request body size in bytes
	MaxURLLength int   // Max URL length
}

// DefaultSizeLimitConfig returns default size limit configuration,
// sourced from the caller's config.Config rather than the process
// environment: cmd/server/main.go builds this from cfg.MaxRequestBodyBytes
// / cfg.MaxURLLength so the limit here and transport's own read cap
// agree on one number instead of drifting independently.
func DefaultSizeLimitConfig(maxBodySize int64, maxURLLength int) *SizeLimitConfig {
	if maxBodySize <= 0 {
		maxBodySize = 1024 * 1024 // Default: 1MB
	}
	if maxURLLength <= 0 {
		maxURLLength = 8192 // Default: 8KB
	}

	return &SizeLimitConfig{
		Enabled:      true, // Enabled by default for security
		MaxBodySize:  maxBodySize,
		MaxURLLength: maxURLLength,
	}
}

// SizeLimiter provides request size limiting middleware
type SizeLimiter struct {
	config *SizeLimitConfig
}

// NewSizeLimiter creates a new size limiter
func NewSizeLimiter(config *SizeLimitConfig) *SizeLimiter {
	if config == nil {
		config = DefaultSizeLimitConfig(0, 0)
	}
	return &SizeLimiter{config: config}
}

// Middleware returns the size limiting middleware handler
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Check URL length
		if len(r.URL.String()) > sl.config.MaxURLLength {
			http.Error(w, `{"error":"URL too long"}`, http.StatusRequestURITooLong)
			return
		}

		// Check Content-Length header if present
		if r.ContentLength > sl.config.MaxBodySize {
			http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}

		// Wrap body with size limit reader
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.config.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}

// SetMaxBodySize sets the max body size
func (sl *SizeLimiter) SetMaxBodySize(size int64) {
	sl.config.MaxBodySize = size
}

// SetMaxURLLength sets the max URL length
func (sl *SizeLimiter) SetMaxURLLength(length int) {
	sl.config.MaxURLLength = length
}

// SetEnabled enables or disables size limiting
func (sl *SizeLimiter) SetEnabled(enabled bool) {
	sl.config.Enabled = enabled
}
