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

	"github.com/raysh454/m365guard/internal/app"
	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/server"
)

func newServeCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection service (HTTP messages + badge websocket)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			logger := logging.NewStdoutLogger("m365guard")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			holder := app.NewHolder(func() (*app.Guard, error) { return newGuard(cfg, logger) })
			guard, err := holder.AcquireOrCreate(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := holder.Release(context.Background()); err != nil {
					logger.Error("closing guard", logging.Err(err))
				}
			}()

			srv, err := server.NewServer(server.Config{ListenAddr: cfg.Listen, Logger: logger}, guard)
			if err != nil {
				return fmt.Errorf("new server: %w", err)
			}
			httpSrv := srv.HTTPServer()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", logging.Field{Key: "addr", Value: cfg.Listen})
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx, httpSrv); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	return cmd
}
