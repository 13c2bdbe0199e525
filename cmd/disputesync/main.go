package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/disputesync/internal/config"
	"github.com/agentworkforce/disputesync/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "disputesync",
		Short:         "Chargeback dispute synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("DISPUTESYNC_CONFIG")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := run(ctx, configPath)
			if err != nil {
				logger := log.WithComponent("main")
				logger.Error().Err(err).Str(log.FieldEvent, "server.failed").Msg("disputesync stopped")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to disputesync.yaml (default $DISPUTESYNC_CONFIG)")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Service: "disputesync"})
	logger := log.WithComponent("main")

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	holder := config.NewHolder(cfg, configPath)
	holder.OnReload(a.applyReload)
	if err := holder.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("configuration hot reload disabled")
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.server}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str(log.FieldEvent, "server.listening").Str("addr", cfg.Server.Addr).Msg("disputesync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		newScheduler(a.engine, cfg.Engine).Run(gctx)
		return nil
	})
	return g.Wait()
}
