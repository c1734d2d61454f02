// Command server is the entry point for the sandboxed auction worklet
// server: it loads the function configuration, starts the periodic
// refresher, and serves the computeBid/runAdAuction HTTP surface.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worklethost/auctionserver/internal/auction"
	"github.com/worklethost/auctionserver/internal/config"
	"github.com/worklethost/auctionserver/internal/fetch"
	"github.com/worklethost/auctionserver/internal/metrics"
	"github.com/worklethost/auctionserver/internal/middleware"
	"github.com/worklethost/auctionserver/internal/refresher"
	"github.com/worklethost/auctionserver/internal/repository"
	"github.com/worklethost/auctionserver/internal/sandbox"
	"github.com/worklethost/auctionserver/internal/scriptengine"
	"github.com/worklethost/auctionserver/internal/transport"
	"github.com/worklethost/auctionserver/pkg/logger"
	redisclient "github.com/worklethost/auctionserver/pkg/redis"
)

func main() {
	bindAddress := flag.String("bind_address", "", "Address to listen on for the RPC surface")
	metricsAddress := flag.String("metrics_address", "", "Address to listen on for Prometheus metrics")
	configurationFile := flag.String("configuration_file", "config.yaml", "Path to the YAML configuration file")
	useSandbox := flag.Bool("use_sandbox", false, "Run script compilation/invocation in a separate worklet-sandboxee child process")
	refreshInterval := flag.Duration("function_refresh_interval", 0, "Interval between function repository refreshes")
	asyncWait := flag.Duration("bidding_function_async_wait", 0, "Additional wait budget for a script's returned promise to settle")
	logLevel := flag.String("log_level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log_format", "", "Log format (json, console)")
	flag.Parse()

	cfg, err := config.Load(*configurationFile)
	if err != nil {
		logger.Init(logger.DefaultConfig())
		logger.Log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *bindAddress != "" {
		cfg.BindAddress = *bindAddress
	}
	if *metricsAddress != "" {
		cfg.MetricsAddress = *metricsAddress
	}
	if *useSandbox {
		cfg.UseSandbox = true
	}
	if *refreshInterval > 0 {
		cfg.FunctionRefreshInterval = *refreshInterval
	}
	if *asyncWait > 0 {
		cfg.BiddingFunctionAsyncWait = *asyncWait
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, TimeFormat: time.RFC3339})
	log := logger.Log

	log.Info().
		Str("bind_address", cfg.BindAddress).
		Str("configuration_file", cfg.ConfigurationFile).
		Bool("use_sandbox", cfg.UseSandbox).
		Dur("function_refresh_interval", cfg.FunctionRefreshInterval).
		Msg("starting auction worklet server")

	m := metrics.NewMetrics("auctionserver")

	var cache *redisclient.Client
	if cfg.RedisURL != "" {
		cache, err = redisclient.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to construct redis revalidation cache, fetches will always hit origin")
			cache = nil
		} else {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := cache.Ping(pingCtx); err != nil {
				log.Warn().Err(err).Msg("redis revalidation cache unreachable at startup, fetches will degrade to origin on failure")
			}
			cancel()
		}
	}

	var fetchOpts []fetch.Option
	if cache != nil {
		fetchOpts = append(fetchOpts, fetch.WithCache(cache, cfg.FunctionRefreshInterval))
	}
	fetcher := fetch.New(fetchOpts...)

	repo := repository.New()
	rebuild := buildRebuildFunc(cfg, fetcher, m)

	refresh := refresher.New(repo, rebuild, 0, cfg.FunctionRefreshInterval).WithMetrics(m)
	if err := refresh.Start(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial function repository build failed, starting with an empty repository")
	}

	driver := auction.NewDriver(repo).WithMetrics(m)
	handlers := transport.New(driver, cfg.MaxRequestBodyBytes)

	cors := middleware.NewCORS(middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins))
	security := middleware.NewSecurityHeaders(middleware.DefaultSecurityConfig(!cfg.DisableHSTS))
	sizeLimiter := middleware.NewSizeLimiter(middleware.DefaultSizeLimitConfig(cfg.MaxRequestBodyBytes, cfg.MaxURLLength))

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/health", healthHandler())
	mux.Handle("/metrics", metrics.Handler())

	handler := http.Handler(mux)
	handler = m.Middleware(handler)
	handler = sizeLimiter.Middleware(handler)
	handler = loggingMiddleware(handler)
	handler = security(handler)
	handler = cors(handler)

	server := &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: metrics.Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddress).Msg("rpc surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddress).Msg("metrics endpoint listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	refresh.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	_ = metricsServer.Shutdown(ctx)

	if cache != nil {
		_ = cache.Close()
	}

	log.Info().Msg("server stopped gracefully")
}

// buildRebuildFunc returns the RebuildFunc the refresher drives: fetch
// every configured function's source, compile it (in-process or via a
// sandbox child depending on cfg.UseSandbox), and assemble a brand-new
// Snapshot.
func buildRebuildFunc(cfg *config.Config, fetcher *fetch.Fetcher, m *metrics.Metrics) refresher.RebuildFunc {
	return func(ctx context.Context) (*repository.Snapshot, error) {
		start := time.Now()
		snapshot := &repository.Snapshot{
			Bidders: make(map[string]repository.Entry, len(cfg.BiddingFunctions)),
			Scorers: make(map[string]repository.Entry, len(cfg.AdScoringFunctions)),
		}

		for _, fn := range cfg.BiddingFunctions {
			spec := auction.FunctionSpec{SpecURI: fn.URI, InlineSource: fn.Source}
			script, err := compileOne(ctx, fetcher, spec, scriptengine.RoleBidder, cfg, m)
			if err != nil {
				l := logger.Refresher()
				l.Warn().Err(err).Str("uri", fn.URI).Msg("bidding function unavailable")
				snapshot.Bidders[fn.URI] = repository.Entry{IsAvailable: false}
				continue
			}
			snapshot.Bidders[fn.URI] = repository.Entry{Script: script, IsAvailable: true}
		}

		for _, fn := range cfg.AdScoringFunctions {
			spec := auction.FunctionSpec{SpecURI: fn.URI, InlineSource: fn.Source}
			script, err := compileOne(ctx, fetcher, spec, scriptengine.RoleScorer, cfg, m)
			if err != nil {
				l := logger.Refresher()
				l.Warn().Err(err).Str("uri", fn.URI).Msg("scoring function unavailable")
				snapshot.Scorers[fn.URI] = repository.Entry{IsAvailable: false}
				continue
			}
			snapshot.Scorers[fn.URI] = repository.Entry{Script: script, IsAvailable: true}
		}

		m.RecordRefresh("success", time.Since(start))
		return snapshot, nil
	}
}

// compileOne fetches and compiles one bidding or scoring function. When
// cfg.UseSandbox is set, compilation and every later invocation happen
// inside a spawned worklet-sandboxee child instead of in this
// process; either way the result satisfies repository.Invoker, so the
// caller (buildRebuildFunc) never has to care which it got.
func compileOne(ctx context.Context, fetcher *fetch.Fetcher, spec auction.FunctionSpec, role scriptengine.Role, cfg *config.Config, m *metrics.Metrics) (repository.Invoker, error) {
	source, err := fetcher.Fetch(ctx, spec)
	if err != nil {
		return nil, err
	}

	roleName := "bidder"
	if role == scriptengine.RoleScorer {
		roleName = "scorer"
	}

	if cfg.UseSandbox {
		// The sandboxed child is a separate process: it cannot reach this
		// process's Prometheus registry, so its invocations are unmetered.
		proc, err := sandbox.Spawn(int64(cfg.SandboxMemoryLimitMB) * 1024 * 1024)
		if err != nil {
			return nil, err
		}
		if err := proc.Compile(roleName, string(source)); err != nil {
			_ = proc.Close()
			return nil, err
		}
		return sandbox.NewInvoker(proc), nil
	}

	return scriptengine.Compile(role, string(source), scriptengine.Options{
		AsyncWait: cfg.BiddingFunctionAsyncWait,
		OnInvocation: func(latency time.Duration, hasError, timedOut bool) {
			m.RecordInvocation(roleName, latency, hasError, timedOut)
		},
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		event := logger.Log.Info()
		if wrapped.statusCode >= 400 {
			event = logger.Log.Warn()
		}
		if wrapped.statusCode >= 500 {
			event = logger.Log.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", duration).
			Str("remote_addr", r.RemoteAddr).
			Msg("http request")
	})
}

func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Log.Error().Err(err).Msg("failed to encode health response")
		}
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
