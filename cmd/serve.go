package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pfriedland/distributed-der/api"
	"github.com/pfriedland/distributed-der/config"
	"github.com/pfriedland/distributed-der/headend"
	"github.com/pfriedland/distributed-der/infra/logger"
	"github.com/pfriedland/distributed-der/infra/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the headend control plane",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := headend.NewService(cfg)
	if err != nil {
		return err
	}

	go func() {
		if err := metrics.StartPromServer(ctx, cfg.Headend.MetricsAddr); err != nil {
			logger.New("main").Errorf("prom server: %v", err)
		}
	}()

	mux := api.NewMux(svc.Registry, svc.Cache, svc, svc.Events)
	return svc.Run(ctx, cfg.Headend.Addr, mux)
}
