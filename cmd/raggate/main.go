package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"raggate/internal/config"
	"raggate/internal/gate"
	"raggate/internal/httputil"
	"raggate/internal/mapping"
	"raggate/internal/metrics"
	"raggate/internal/proxy"
	"raggate/internal/token"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides RAGGATE_CONFIG env var)")
	flag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("RAGGATE_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("listen", cfg.Server.Listen).
		Str("upstream", cfg.Upstream.BaseURL).
		Str("mapping_file", cfg.Mapping.File).
		Int("token_ttl_sec", cfg.Token.TTLSec).
		Strs("allowed_origins", cfg.Security.AllowedOrigins).
		Msg("gateway configuration")

	tokens, err := token.NewService(cfg.Token.Secret, cfg.Token.ClientSecret, cfg.Token.System, cfg.TokenTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token service")
	}

	mappings := mapping.NewStore(cfg.Mapping.File)
	var watcher *mapping.Watcher
	if !cfg.Mapping.WatchDisabled {
		watcher = mapping.NewWatcher(mappings, time.Duration(cfg.Mapping.DebounceMs)*time.Millisecond)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("mapping watch unavailable; table will not hot-reload")
			watcher = nil
		}
	}

	proxyHandler, err := proxy.NewHandler(cfg, mappings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create proxy handler")
	}
	g := gate.New(tokens, cfg)

	mux := http.NewServeMux()

	// Token exchange sits in front of the gate: it must be reachable without
	// a prior token.
	mux.HandleFunc("/api/get-token", handleGetToken(tokens))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, mappings, watcher != nil)
	})

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)
	mux.Handle("/metrics", promhttp.Handler())

	// Everything else is the proxied surface, behind the gate.
	mux.Handle("/", g.Middleware(proxyHandler))

	handler := Chain(
		httputil.RequestIDMiddleware(log.Logger),
		httputil.CORSMiddleware(cfg.Security.AllowedOrigins),
	)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Str("upstream", cfg.Upstream.BaseURL).Msg("gateway listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if watcher != nil {
			watcher.Stop()
		}
		proxyHandler.Shutdown()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		log.Info().Msg("shutdown complete")
	}
}

// handleGetToken exchanges the shared client secret for a signed gateway
// token: GET /api/get-token?secret=...&userid=...
func handleGetToken(tokens *token.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := httputil.GetLogger(r.Context())

		if err := tokens.CheckClientSecret(r.URL.Query().Get("secret")); err != nil {
			logger.Warn().Msg("token issuance refused: client secret mismatch")
			httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "口令错误"})
			return
		}

		userID := r.URL.Query().Get("userid")
		tok, err := tokens.Issue(userID)
		if err != nil {
			logger.Error().Err(err).Msg("token signing failed")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		metrics.TokensIssued.Inc()
		logger.Info().Str("userid", userID).Dur("ttl", tokens.TTL()).Msg("token issued")
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "token": tok})
	}
}

func handleHealth(w http.ResponseWriter, mappings *mapping.Store, watching bool) {
	type HealthStatus struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	status := HealthStatus{
		Status:     "ok",
		Components: map[string]string{"proxy": "ok", "token": "ok"},
	}
	if watching {
		status.Components["mapping_watch"] = "ok"
	} else {
		status.Components["mapping_watch"] = "disabled"
	}
	if mappings.Current().Len() == 0 {
		status.Components["mapping"] = "empty"
	} else {
		status.Components["mapping"] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// Middleware wraps an http.Handler and returns a new handler
type Middleware func(http.Handler) http.Handler

// Chain composes multiple middlewares into a single middleware.
// Chain(mw1, mw2)(handler) => mw1(mw2(handler))
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
