package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	connector "github.com/forcebridge/mcp-salesforce"
	"github.com/forcebridge/mcp-salesforce/auth"
	"github.com/forcebridge/mcp-salesforce/connection"
	"github.com/forcebridge/mcp-salesforce/instrumentation"
	"github.com/forcebridge/mcp-salesforce/lifecycle"
	"github.com/forcebridge/mcp-salesforce/providers"
	sfprovider "github.com/forcebridge/mcp-salesforce/providers/salesforce"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/registry/memory"
	"github.com/forcebridge/mcp-salesforce/registry/valkey"
	"github.com/forcebridge/mcp-salesforce/security"
	"github.com/forcebridge/mcp-salesforce/tools"
)

var (
	serveHTTPAddr string
	serveStdio    bool
	serveDebug    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the auth surface and the MCP tool server",
	Long: `Starts the HTTP auth surface (/auth/login, /auth/callback, /auth/status,
/auth/logout plus health endpoints) and, with --stdio, the MCP tool server
on stdin/stdout.

Configuration is read from the environment:

  SALESFORCE_CLIENT_ID       connected app consumer key (required)
  SALESFORCE_CLIENT_SECRET   connected app consumer secret (required)
  SALESFORCE_REDIRECT_URL    OAuth callback URL (required)
  SALESFORCE_LOGIN_URL       login host (default https://login.salesforce.com)
  SALESFORCE_SCOPES          comma-separated scopes (default api,refresh_token)
  REGISTRY_BACKEND           "memory" (default) or "valkey"
  VALKEY_ADDRESS             Valkey host:port (required for valkey backend)
  VALKEY_PASSWORD            Valkey password
  VALKEY_DB                  Valkey database number
  ENCRYPTION_SECRET          enables credential encryption at rest
  AUDIT_ENABLED              "true" enables security audit logging
  TRUST_PROXY                "true" trusts X-Forwarded-For headers
  RATE_LIMIT_RPS             per-IP requests per second (0 disables)
  RATE_LIMIT_BURST           per-IP burst size
  OTEL_ENABLED               "true" enables OpenTelemetry instrumentation
  DEFAULT_RETURN_URL         post-callback redirect fallback`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", ":8080", "address for the HTTP auth surface")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "also serve MCP tools on stdin/stdout")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig builds the connector configuration from the environment
func loadConfig() *connector.Config {
	cfg := &connector.Config{
		Salesforce: connector.SalesforceConfig{
			ClientID:     os.Getenv("SALESFORCE_CLIENT_ID"),
			ClientSecret: os.Getenv("SALESFORCE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("SALESFORCE_REDIRECT_URL"),
			LoginURL:     os.Getenv("SALESFORCE_LOGIN_URL"),
		},
		Registry: connector.RegistryConfig{
			Backend:        os.Getenv("REGISTRY_BACKEND"),
			ValkeyAddress:  os.Getenv("VALKEY_ADDRESS"),
			ValkeyPassword: os.Getenv("VALKEY_PASSWORD"),
			ValkeyDB:       envInt("VALKEY_DB"),
		},
		RateLimit: connector.RateLimitConfig{
			Rate:  envInt("RATE_LIMIT_RPS"),
			Burst: envInt("RATE_LIMIT_BURST"),
		},
		Security: connector.SecurityConfig{
			EncryptionSecret:   os.Getenv("ENCRYPTION_SECRET"),
			TrustProxy:         envBool("TRUST_PROXY"),
			EnableAuditLogging: envBool("AUDIT_ENABLED"),
		},
		DefaultReturnURL: os.Getenv("DEFAULT_RETURN_URL"),
	}
	if scopes := os.Getenv("SALESFORCE_SCOPES"); scopes != "" {
		cfg.Salesforce.Scopes = strings.Split(scopes, ",")
	}
	return cfg
}

func envInt(key string) int {
	v, _ := strconv.Atoi(os.Getenv(key))
	return v
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	// Logs go to stderr: stdout belongs to the MCP protocol in stdio mode
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := loadConfig().WithDefaults(logger)

	var encryptor *security.Encryptor
	if cfg.Security.EncryptionSecret != "" {
		var err error
		encryptor, err = security.NewEncryptorFromSecret(cfg.Security.EncryptionSecret)
		if err != nil {
			return fmt.Errorf("failed to initialize encryptor: %w", err)
		}
	}

	states := auth.NewStateManager(
		auth.WithTTL(cfg.StateTTL),
		auth.WithSweepInterval(cfg.StateSweepInterval),
		auth.WithLogger(logger),
	)
	defer states.Stop()

	reg, err := buildRegistry(cfg, encryptor, logger)
	if err != nil {
		return err
	}

	coordinator := lifecycle.NewCoordinator(
		lifecycle.WithDrainTimeout(cfg.DrainTimeout),
		lifecycle.WithLogger(logger),
	)

	provider, err := sfprovider.NewProvider(&sfprovider.Config{
		ClientID:     cfg.Salesforce.ClientID,
		ClientSecret: cfg.Salesforce.ClientSecret,
		RedirectURL:  cfg.Salesforce.RedirectURL,
		LoginURL:     cfg.Salesforce.LoginURL,
		Scopes:       cfg.Salesforce.Scopes,
		HTTPClient:   cfg.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	srv, err := connector.NewServer(provider, states, reg, coordinator, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Security.EnableAuditLogging {
		srv.SetAuditor(security.NewAuditor(logger, true))
	}
	if cfg.RateLimit.Rate > 0 {
		rl := security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
		defer rl.Stop()
		srv.SetRateLimiter(rl)
	}
	if envBool("OTEL_ENABLED") {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName:    "mcp-salesforce",
			ServiceVersion: rootCmd.Version,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		srv.SetInstrumentation(inst)
		coordinator.RegisterHook("instrumentation", inst.Shutdown)
	}

	// Cleanup hooks run after the drain completes
	coordinator.RegisterHook("final-sweep", func(ctx context.Context) error {
		removed, err := reg.SweepIdle(ctx, cfg.MaxIdle)
		if removed > 0 {
			logger.Info("Final sweep removed idle credentials", "count", removed)
		}
		return err
	})
	coordinator.RegisterHook("registry-close", func(ctx context.Context) error {
		return reg.Close()
	})

	return serveLoop(srv, provider, cfg, coordinator, logger)
}

// buildRegistry constructs the configured registry backend
func buildRegistry(cfg *connector.Config, encryptor *security.Encryptor, logger *slog.Logger) (registry.Registry, error) {
	switch cfg.Registry.Backend {
	case "", "memory":
		opts := []memory.Option{
			memory.WithLogger(logger),
			memory.WithSweepInterval(cfg.CredentialSweepInterval),
			memory.WithMaxIdle(cfg.MaxIdle),
		}
		if encryptor != nil {
			opts = append(opts, memory.WithEncryptor(encryptor))
		}
		return memory.New(opts...), nil
	case "valkey":
		return valkey.New(valkey.Config{
			Address:   cfg.Registry.ValkeyAddress,
			Password:  cfg.Registry.ValkeyPassword,
			DB:        cfg.Registry.ValkeyDB,
			KeyPrefix: cfg.Registry.ValkeyKeyPrefix,
			MaxIdle:   cfg.MaxIdle,
			Encryptor: encryptor,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

// serveLoop runs the HTTP auth surface (and optionally the stdio MCP server)
// until a termination signal arrives, then drains through the coordinator.
func serveLoop(srv *connector.Server, provider providers.Provider, cfg *connector.Config, coordinator *lifecycle.Coordinator, logger *slog.Logger) error {
	handler := connector.NewHandler(srv, logger)
	httpServer := &http.Server{
		Addr:              serveHTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: cfg.HTTPTimeout,
	}

	factory, err := connection.NewFactory(connection.Config{
		Registry:        srv.Registry(),
		Provider:        provider,
		APIVersion:      cfg.Salesforce.APIVersion,
		HTTPClient:      cfg.HTTPClient,
		Logger:          logger,
		Auditor:         srv.Auditor(),
		Instrumentation: srv.Instrumentation(),
	})
	if err != nil {
		return err
	}

	toolService, err := tools.NewService(tools.Config{
		Factory:       factory,
		Coordinator:   coordinator,
		ServerVersion: rootCmd.Version,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP auth surface listening", "addr", serveHTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if serveStdio {
		go func() {
			logger.Info("Serving MCP tools on stdio")
			if err := toolService.ServeStdio(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Termination signal received, draining")
	// Further signals are absorbed by the coordinator's idempotent shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+cfg.HTTPTimeout)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown completed with errors", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
