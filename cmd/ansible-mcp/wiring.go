package main

import (
	"context"
	"log/slog"
	"time"

	"ansible-mcp/internal/adapter/gateway"
	"ansible-mcp/internal/adapter/mcpserver"
	"ansible-mcp/internal/adapter/playbook"
	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/infra/config"
	"ansible-mcp/internal/infra/middleware"
	"ansible-mcp/internal/usecase/command"
	"ansible-mcp/internal/usecase/eventbus"
	"ansible-mcp/internal/usecase/jobs"
	"ansible-mcp/internal/usecase/runner"
	"ansible-mcp/internal/usecase/stream"
)

// components holds everything every subcommand shares: the event bus, the
// job registry and the service that spawns Ansible.
type components struct {
	bus       *eventbus.Bus
	registry  *jobs.Registry
	service   *jobs.Service
	playbooks *playbook.Store
	mcp       *mcpserver.Server
	logger    *slog.Logger
}

func newComponents(cfg *config.Config, logger *slog.Logger) *components {
	bus := eventbus.New(logger)
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		logger.Debug("event", "type", ev.Type, "job_id", ev.JobID)
	})

	launcher := runner.New(runner.Config{
		Env:       cfg.Ansible.EnvList(),
		Dir:       cfg.Ansible.WorkDir,
		WaitDelay: cfg.Jobs.WaitDelay,
		KillGrace: cfg.Jobs.KillGrace,
	}, logger)

	registry := jobs.NewRegistry(jobs.RegistryConfig{
		MaxRunning:    cfg.Jobs.MaxRunning,
		Retention:     cfg.Jobs.Retention,
		SweepInterval: cfg.Jobs.SweepInterval,
		Stream: stream.Config{
			BacklogChunks:   cfg.Stream.BacklogChunks,
			BacklogBytes:    cfg.Stream.BacklogBytes,
			SubscriberQueue: cfg.Stream.SubscriberQueue,
		},
	}, bus, logger)

	service := jobs.NewService(serviceConfig(cfg), registry, launcher, bus, logger)
	store := playbook.NewStore(cfg.Ansible.PlaybookDir, logger)

	return &components{
		bus:       bus,
		registry:  registry,
		service:   service,
		playbooks: store,
		mcp: mcpserver.New(mcpserver.Config{
			Name:    cfg.Server.Name,
			Version: cfg.Server.Version,
			BaseURL: cfg.Server.BaseURL,
		}, service, store, logger),
		logger: logger,
	}
}

func serviceConfig(cfg *config.Config) jobs.ServiceConfig {
	kindTimeouts := make(map[domain.JobKind]time.Duration, len(cfg.Jobs.KindTimeouts))
	for kind, d := range cfg.Jobs.KindTimeouts {
		kindTimeouts[domain.JobKind(kind)] = d
	}
	return jobs.ServiceConfig{
		Engine: command.Engine{
			Ansible:          cfg.Ansible.Ansible,
			AnsiblePlaybook:  cfg.Ansible.AnsiblePlaybook,
			AnsibleInventory: cfg.Ansible.AnsibleInventory,
			DefaultInventory: cfg.Ansible.DefaultInventory,
			PlaybookDir:      cfg.Ansible.PlaybookDir,
			CheckPaths:       cfg.Ansible.CheckPaths,
		},
		Dir:            cfg.Ansible.WorkDir,
		DefaultTimeout: cfg.Jobs.DefaultTimeout,
		KindTimeouts:   kindTimeouts,
		KillGrace:      cfg.Jobs.KillGrace,
		Breaker: jobs.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
			Interval:    cfg.Breaker.Interval,
		},
	}
}

// handlerDeps maps config onto the gateway. History is attached by the caller.
func (c *components) handlerDeps(cfg *config.Config) gateway.HandlerDeps {
	tokens := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Auth.Tokens))
	for _, t := range cfg.Gateway.Auth.Tokens {
		tokens = append(tokens, gateway.TokenEntry{Name: t.Name, Token: t.Token})
	}
	return gateway.HandlerDeps{
		Jobs:      c.service,
		Playbooks: c.playbooks,
		Bus:       c.bus,
		Auth:      gateway.NewStaticTokenAuth(tokens),
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: cfg.Gateway.RateLimit.RequestsPerMin,
			BurstSize:      cfg.Gateway.RateLimit.Burst,
			TrustedProxies: cfg.Gateway.RateLimit.TrustedProxies,
		},
		Info: gateway.ServerInfo{
			Name:        cfg.Server.Name,
			Version:     cfg.Server.Version,
			Description: cfg.Server.Description,
			BaseURL:     cfg.Server.BaseURL,
		},
		Stream: gateway.StreamOptions{
			Heartbeat:          cfg.Stream.Heartbeat,
			CancelOnDisconnect: cfg.Stream.CancelOnDisconnect,
		},
		Tools:  c.mcp.Catalog(),
		Logger: c.logger,
	}
}

// cancelActive cancels every job that has not finished and waits up to ctx
// for them to settle.
func (c *components) cancelActive(ctx context.Context) {
	for _, s := range c.registry.List(jobs.ListFilter{}) {
		if s.State.Terminal() {
			continue
		}
		if _, err := c.service.Cancel(s.ID, "server shutting down"); err != nil {
			c.logger.Debug("cancel on shutdown", "job_id", s.ID, "error", err)
			continue
		}
		if _, err := c.registry.Wait(ctx, s.ID); err != nil {
			c.logger.Warn("job did not stop before shutdown", "job_id", s.ID, "error", err)
		}
	}
}

func (c *components) Close() {
	c.bus.Close()
}
