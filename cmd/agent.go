package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pfriedland/distributed-der/agent"
	"github.com/pfriedland/distributed-der/config"
	"github.com/pfriedland/distributed-der/infra/logger"
	"github.com/pfriedland/distributed-der/internal/eventbus"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a field agent gateway",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := agent.New(cfg.Agent, cfg.Fleet.Assets, eventbus.New(), logger.New("agent"))
	if err != nil {
		return err
	}
	if err := a.Run(ctx); err != context.Canceled {
		return err
	}
	return nil
}
