// Package main is the entry point for the wakezilla proxy server: the
// wake-gated forwarding engine plus its management HTTP surface.
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"wakezilla/internal/api"
	"wakezilla/internal/config"
	"wakezilla/internal/monitor"
	"wakezilla/internal/reachability"
	"wakezilla/internal/registry"
	"wakezilla/internal/supervisor"
	"wakezilla/internal/wake"
	"wakezilla/internal/wol"
)

var port uint16

var rootCmd = &cobra.Command{
	Use:   "proxy-server",
	Short: "Runs the wakezilla wake-gated TCP forwarding proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cmd.Flags().Changed("port"))
	},
}

func init() {
	rootCmd.Flags().Uint16Var(&port, "port", 3000, "management HTTP surface port")
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}

func run(ctx context.Context, portFlagSet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}
	setupLogging(cfg)

	if portFlagSet {
		cfg.Server.Port = port
	}

	reg := registry.New(cfg.Storage.MachinesDBPath)
	if err := reg.Load(); err != nil {
		return exitError{code: 1, err: fmt.Errorf("load machine registry: %w", err)}
	}

	emitter := wol.NewEmitter()
	coordinator := wake.NewCoordinator(reg, emitter, reachability.IsReachable)
	mon := monitor.New(reg)
	super := supervisor.New(reg, coordinator, mon)
	reg.SetChangeHandler(super)

	if err := super.Reconcile(reg.Snapshot()); err != nil {
		return exitError{code: 2, err: fmt.Errorf("start listeners: %w", err)}
	}

	srv := api.New(reg, coordinator)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("management HTTP surface listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errCh:
		return exitError{code: 2, err: fmt.Errorf("management HTTP surface: %w", err)}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	super.Shutdown()
	if err := reg.Persist(); err != nil {
		log.Error().Err(err).Msg("final registry persistence failed")
	}

	return nil
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if ee, ok := err.(exitError); ok {
			log.Error().Err(ee.err).Msg("fatal")
			os.Exit(ee.code)
		}
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}
