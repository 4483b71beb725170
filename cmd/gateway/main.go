// Command gateway runs the chainbridge security gateway.
//
// Configuration is layered: built-in defaults, a YAML config file
// (-config flag, GATEKEEPER_CONFIG env, ./gatekeeper.yaml,
// /etc/gatekeeper/config.yaml), then GATEKEEPER_* environment
// overrides. See pkg/config for the full surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainbridge/gatekeeper/pkg/auth"
	"github.com/chainbridge/gatekeeper/pkg/auth/apikey"
	"github.com/chainbridge/gatekeeper/pkg/auth/jwt"
	"github.com/chainbridge/gatekeeper/pkg/config"
	"github.com/chainbridge/gatekeeper/pkg/identity"
	"github.com/chainbridge/gatekeeper/pkg/observability"
	"github.com/chainbridge/gatekeeper/pkg/pipeline"
	"github.com/chainbridge/gatekeeper/pkg/ratelimit"
	"github.com/chainbridge/gatekeeper/pkg/session"
	"github.com/chainbridge/gatekeeper/pkg/signature"
	"github.com/chainbridge/gatekeeper/pkg/store"
	"github.com/chainbridge/gatekeeper/pkg/store/memory"
	"github.com/chainbridge/gatekeeper/pkg/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared store backend.
	var (
		kv      store.KV
		windows store.WindowStore
	)
	switch cfg.Storage.Type {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MinConns:        cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: cfg.Storage.Postgres.MaxConnLifetime,
			MigrateOnStart:  cfg.Storage.Postgres.MigrateOnStart,
		})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		kv, windows = pg, pg
		logger.Info("storage enabled", "type", "postgres")
	default:
		m := memory.New()
		kv, windows = m, m
		logger.Info("storage enabled", "type", "memory")
	}

	// Credential validators.
	chain := &auth.Chain{
		APIKeyHeader:       cfg.Auth.APIKeyHeader,
		AllowQueryFallback: cfg.Auth.AllowQueryFallback,
		Logger:             logger,
	}
	if cfg.Auth.JWT.Secret != "" {
		chain.Bearer = jwt.New(jwt.Config{
			Secret:    cfg.Auth.JWT.Secret,
			Algorithm: cfg.Auth.JWT.Algorithm,
			Issuer:    cfg.Auth.JWT.Issuer,
			Audience:  cfg.Auth.JWT.Audience,
		})
	}
	if cfg.Auth.APIKeyTable != "" {
		keys := apikey.Load(cfg.Auth.APIKeyTable)
		if err := keys.Err(); err != nil {
			logger.Error("api key table unreadable, key auth will fail closed",
				"path", cfg.Auth.APIKeyTable, "error", err)
		}
		chain.APIKey = keys
	}
	if chain.Bearer == nil && chain.APIKey == nil {
		return fmt.Errorf("no credential validator configured: set auth.jwt.secret or auth.api_key_table")
	}

	// Agent identity registry.
	var registry *identity.Registry
	if cfg.Identity.RegistryPath != "" {
		registry, err = identity.Load(cfg.Identity.RegistryPath, logger)
		if err != nil {
			return fmt.Errorf("loading identity registry: %w", err)
		}
		logger.Info("identity registry loaded",
			"path", cfg.Identity.RegistryPath, "version", registry.Version())
	}

	sessions := session.NewManager(kv, session.Config{
		TTL:              cfg.Session.TTL,
		RefreshThreshold: cfg.Session.RefreshThreshold,
	}, logger)

	limiter := ratelimit.New(windows, ratelimit.Config{
		Default:   cfg.RateLimit.Default,
		Overrides: cfg.RateLimit.Overrides,
	}, logger)

	// Signature verification, only when signed prefixes are configured.
	var verifier *signature.Verifier
	if len(cfg.Signature.Prefixes) > 0 {
		verifier, err = signature.NewVerifier(signature.Config{
			Secret:    []byte(cfg.Signature.Secret),
			Algorithm: cfg.Signature.Algorithm,
			Tolerance: cfg.Signature.Tolerance,
		}, signature.NewNonceStore(kv, cfg.Signature.NonceRetention))
		if err != nil {
			return fmt.Errorf("building signature verifier: %w", err)
		}
	}

	p := &pipeline.Pipeline{
		Chain:           chain,
		Registry:        registry,
		Lanes:           identity.NewLaneMapper(cfg.Identity.LaneRules),
		Sessions:        sessions,
		Limiter:         limiter,
		Verifier:        verifier,
		RequireIdentity: cfg.Pipeline.RequireGID,
		SignedPrefixes:  cfg.Signature.Prefixes,
		Exempt:          pipeline.NewExemptions(cfg.Pipeline.ExemptPaths),
		TierMultipliers: cfg.RateLimit.TierMultipliers,
		Cookie: pipeline.CookieConfig{
			Name:     cfg.Session.CookieName,
			Secure:   cfg.Session.CookieSecure,
			SameSite: sameSite(cfg.Session.CookieSameSite),
		},
		Logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("GET "+cfg.Observability.Metrics.Path, promhttp.Handler())
	}
	mux.HandleFunc("GET /v1/auth/whoami", whoami)
	mux.HandleFunc("POST /v1/sessions/invalidate", invalidateSessions(sessions))

	handler := pipeline.RequestID(
		pipeline.Logging(logger)(
			observability.MetricsMiddleware(
				pipeline.Recovery(logger)(
					p.Handler(mux)))))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// whoami reports the authenticated principal, for debugging and client
// smoke tests.
func whoami(w http.ResponseWriter, r *http.Request) {
	out := auth.OutcomeFromContext(r.Context())
	if out == nil {
		http.Error(w, "no authentication context", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"user_id": out.UserID,
		"method":  out.Method,
		"gid":     out.GID,
		"tier":    out.Tier,
	}
	if rec := pipeline.IdentityFromContext(r.Context()); rec != nil {
		resp["identity"] = rec.Name
		resp["execution_lanes"] = rec.ExecutionLanes
	}
	if sess := pipeline.SessionFromContext(r.Context()); sess != nil {
		resp["session_id"] = sess.SessionID
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// invalidateSessions revokes every session of the calling subject.
func invalidateSessions(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := auth.OutcomeFromContext(r.Context())
		if out == nil {
			http.Error(w, "no authentication context", http.StatusInternalServerError)
			return
		}
		n, err := sessions.InvalidateAll(r.Context(), out.UserID)
		if err != nil {
			http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"invalidated": n})
	}
}

func sameSite(mode string) http.SameSite {
	switch mode {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
