// Command session-gateway runs the FusionAuth login gateway with its device limit webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	gateway "github.com/giantswarm/session-gateway"
	"github.com/giantswarm/session-gateway/instrumentation"
	"github.com/giantswarm/session-gateway/providers/fusionauth"
	"github.com/giantswarm/session-gateway/storage"
	"github.com/giantswarm/session-gateway/storage/memory"
	"github.com/giantswarm/session-gateway/storage/valkey"
	"github.com/giantswarm/session-gateway/token"
)

// version is set at build time
var version = "dev"

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	providerTimeout   = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:          "session-gateway",
		Short:        "FusionAuth login gateway with a per-user device limit",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(envFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, s, newLogger(s))
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path of a .env file to load")
	registerFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, s settings, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     instrumentation.DefaultServiceName,
		ServiceVersion:  version,
		Enabled:         s.Metrics,
		MetricsExporter: metricsExporter(s.Metrics),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	cache, closeCache, err := newKeySetCache(s, logger, inst)
	if err != nil {
		return err
	}
	defer closeCache()

	issuer := s.Issuer
	if issuer == "" {
		issuer = discoverIssuer(ctx, s, logger)
	}

	provider, err := fusionauth.NewProvider(&fusionauth.Config{
		BaseURL:      s.FusionAuthURL,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		APIKey:       s.APIKey,
		RedirectURL:  s.RedirectURL,
		Issuer:       issuer,
		HTTPClient:   &http.Client{Timeout: providerTimeout},
	})
	if err != nil {
		return fmt.Errorf("failed to create FusionAuth provider: %w", err)
	}
	provider.SetInstrumentation(inst)

	remote := token.NewRemoteKeySource(provider.JWKSURL(), &http.Client{Timeout: providerTimeout})
	remote.SetInstrumentation(inst)
	keys := token.NewCachingKeySource(remote, cache, token.CacheConfig{
		Key:    s.FusionAuthURL,
		TTL:    s.KeySetTTL,
		Logger: logger,
	})
	validator := token.NewValidator(keys, token.Config{
		Issuer:   issuer,
		Audience: s.ClientID,
	})

	gw, err := gateway.New(provider, validator, s.gatewayConfig(logger))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	gw.SetInstrumentation(inst)

	handler := gateway.NewHandler(gw, logger)
	defer handler.Stop()

	server := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting session gateway",
			"addr", s.ListenAddr,
			"fusionauth", s.FusionAuthURL,
			"max_devices", s.MaxDevices,
			"https", s.HTTPS,
			"metrics", s.Metrics,
			"keyset_cache", cacheKind(s),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down session gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Session gateway stopped")
	return nil
}

// newKeySetCache returns the shared Valkey cache when an address is configured and
// a per-process memory cache otherwise.
func newKeySetCache(s settings, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.KeySetCache, func(), error) {
	if s.ValkeyAddr == "" {
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil
	}

	store, err := valkey.New(valkey.Config{
		Address:  s.ValkeyAddr,
		Password: s.ValkeyPassword,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	store.SetInstrumentation(inst)
	return store, store.Close, nil
}

// discoverIssuer reads the tenant issuer from FusionAuth's discovery document.
// Without it the iss claim is not checked.
func discoverIssuer(ctx context.Context, s settings, logger *slog.Logger) string {
	md, err := fusionauth.Discover(ctx, s.FusionAuthURL, &http.Client{Timeout: providerTimeout})
	if err != nil {
		logger.Warn("Issuer discovery failed, the iss claim will not be checked", "error", err)
		return ""
	}
	logger.Info("Discovered token issuer", "issuer", md.Issuer)
	return md.Issuer
}

func cacheKind(s settings) string {
	if s.ValkeyAddr != "" {
		return "valkey"
	}
	return "memory"
}

func metricsExporter(enabled bool) string {
	if enabled {
		return instrumentation.MetricsExporterPrometheus
	}
	return ""
}
