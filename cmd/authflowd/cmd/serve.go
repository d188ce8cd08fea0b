package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrEthical07/authflow/httpapi"
	"github.com/MrEthical07/authflow/metrics/export/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the login API",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, engine, _, logger, release, err := buildEngine()
		if err != nil {
			return err
		}
		defer release()

		opts := httpapi.Options{TrustProxy: f.HTTP.TrustProxy}
		if f.Metrics.Enabled {
			opts.Metrics = prometheus.New(engine).Handler()
		}

		server := &http.Server{
			Addr:              f.HTTP.Addr,
			Handler:           httpapi.NewRouterWithOptions(engine, logger, opts),
			ReadHeaderTimeout: f.HTTP.ReadHeaderTimeout,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()
		logger.Infof("authflowd listening on %v (%v tokens, %v store)", f.HTTP.Addr, engine.Strategy(), f.Store.Backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Infof("received %v, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), f.HTTP.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(ctx)
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
