package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Validate(Defaults()) = %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr must not be empty"},
		{"bad addr", func(c *Config) { c.Server.Addr = "8080" }, "not a valid host:port"},
		{"empty ansible binary", func(c *Config) { c.Ansible.AnsiblePlaybook = "" }, "ansible.ansible_playbook"},
		{"bad env key", func(c *Config) { c.Ansible.Env = map[string]string{"A=B": "x"} }, "ansible.env key"},
		{"negative max running", func(c *Config) { c.Jobs.MaxRunning = -1 }, "jobs.max_running"},
		{"zero retention", func(c *Config) { c.Jobs.Retention = 0 }, "jobs.retention"},
		{"zero sweep", func(c *Config) { c.Jobs.SweepInterval = 0 }, "jobs.sweep_interval"},
		{"zero kill grace", func(c *Config) { c.Jobs.KillGrace = 0 }, "jobs.kill_grace"},
		{"unknown kind timeout", func(c *Config) { c.Jobs.KindTimeouts["reboot"] = time.Second }, "unknown kind"},
		{"zero backlog", func(c *Config) { c.Stream.BacklogChunks = 0 }, "stream.backlog_chunks"},
		{"zero heartbeat", func(c *Config) { c.Stream.Heartbeat = 0 }, "stream.heartbeat"},
		{"zero breaker failures", func(c *Config) { c.Breaker.MaxFailures = 0 }, "breaker.max_failures"},
		{"empty token", func(c *Config) { c.Gateway.Auth.Tokens = []TokenConfig{{Name: "ci"}} }, "token must not be empty"},
		{"duplicate token name", func(c *Config) {
			c.Gateway.Auth.Tokens = []TokenConfig{{Name: "ci", Token: "a"}, {Name: "ci", Token: "b"}}
		}, "duplicate token name"},
		{"bad proxy", func(c *Config) { c.Gateway.RateLimit.TrustedProxies = []string{"proxy.local"} }, "not an IP address"},
		{"history without path", func(c *Config) { c.History.Enabled = true; c.History.Path = "" }, "history.path"},
		{"schedule without name", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Schedule: "@daily", Kind: "ping"}}
		}, "schedules[0].name"},
		{"schedule bad kind", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Schedule: "@daily", Kind: "reboot"}}
		}, "schedules[0].kind"},
		{"duplicate schedule", func(c *Config) {
			c.Schedules = []ScheduleConfig{
				{Name: "x", Schedule: "@daily", Kind: "ping"},
				{Name: "x", Schedule: "@daily", Kind: "ping"},
			}
		}, "duplicate schedule name"},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }, "logger.level"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if !strings.Contains(ve.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", ve.Error(), tt.want)
			}
		})
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Addr = ""
	cfg.Jobs.Retention = 0
	cfg.Logger.Level = "loud"

	var ve *ValidationError
	if !errors.As(Validate(cfg), &ve) {
		t.Fatal("expected *ValidationError")
	}
	if len(ve.Errors) != 3 {
		t.Errorf("Errors = %v, want 3", ve.Errors)
	}
}
