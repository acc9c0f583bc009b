// Package main is the entry point for the wakezilla shutdown agent
// ("client"): a small HTTP service a managed machine runs to receive
// the inactivity monitor's turn-off call.
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

	"wakezilla/internal/config"
	"wakezilla/internal/shutdownagent"
)

var port uint16

var rootCmd = &cobra.Command{
	Use:   "client-server",
	Short: "Runs the wakezilla shutdown agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cmd.Flags().Changed("port"))
	},
}

func init() {
	rootCmd.Flags().Uint16Var(&port, "port", 3001, "shutdown agent listen port")

	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func run(ctx context.Context, portFlagSet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}

	listenPort := cfg.Health.Port
	if portFlagSet {
		listenPort = port
	}

	agent := shutdownagent.New(shutdownagent.LogOnlyExecutor{})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Health.Host, listenPort),
		Handler: agent.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("shutdown agent listening")
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
		return exitError{code: 2, err: fmt.Errorf("shutdown agent: %w", err)}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
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
