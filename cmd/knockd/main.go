// knockd serves the secret-knock verification API.
//
//	knockd [--config path]
//
// The config file is watched; edits to the [knock] section change the
// default policy of the running server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"knockd/internal/config"
	"knockd/internal/logging"
	"knockd/internal/metrics"
	"knockd/internal/security"
	"knockd/internal/store"
	"knockd/internal/verify"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "knockd",
	Short:         "Secret knock verification server",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, configPath)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: config.toml in the platform config dir)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "knockd: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, path string) error {
	if path == "" {
		if path = config.FindConfigFile(); path == "" {
			path = config.ConfigPath()
		}
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	logCfg, err := cfg.Logging.LoggerConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.WithComponent("knockd")

	st, err := store.Open(cfg.Storage.Path, store.WithBusyTimeout(time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond))
	if err != nil {
		return err
	}
	defer st.Close()

	policy, err := cfg.Knock.Policy()
	if err != nil {
		return err
	}

	maxFailures, lockFor := cfg.Server.Lockout()
	srv, err := verify.New(verify.Options{
		Store:          st,
		Lockout:        security.NewLockout(maxFailures, lockFor),
		Policy:         policy,
		Metrics:        metrics.NewKnockdMetrics(nil),
		Logger:         logger.WithComponent("verify"),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	loader.OnChange(func(c *config.Config) {
		p, err := c.Knock.Policy()
		if err != nil {
			log.Warn("ignoring reloaded policy", "error", err)
			return
		}
		if err := srv.SetPolicy(p); err != nil {
			log.Warn("ignoring reloaded policy", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "path", path, "error", err)
	}
	go func() {
		for err := range loader.Errors() {
			log.Error("config reload failed", "error", err)
		}
	}()

	readTimeout, writeTimeout, shutdownTimeout := cfg.Server.Timeouts()
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "policy", policy.String(), "version", Version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
