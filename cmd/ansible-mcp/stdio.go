package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ansible-mcp/internal/infra/logger"
	"ansible-mcp/internal/infra/tracer"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP over stdin and stdout",
	Args:  cobra.NoArgs,
	RunE:  runStdio,
}

// runStdio keeps stdout for protocol frames; logs and spans go to stderr.
func runStdio(cmd *cobra.Command, _ []string) error {
	log, logCloser, err := logger.New(cfg.Logger, logger.WithService(cfg.Server.Name), logger.ForStdio())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer,
		tracer.WithServiceName(cfg.Server.Name),
		tracer.WithWriter(os.Stderr),
	)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	c := newComponents(cfg, log)
	defer c.Close()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.cancelActive(shutdownCtx)
	}()

	go c.registry.Run(ctx)

	log.Info("ansible-mcp serving stdio", "max_running", cfg.Jobs.MaxRunning)
	return c.mcp.ServeStdio(ctx, os.Stdin, os.Stdout)
}
