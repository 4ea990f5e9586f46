package config

import (
	"fmt"
	"net"
	"strings"

	"ansible-mcp/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match load failures with errors.Is(err, domain.ErrConfigLoad).
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateAnsible(cfg, ve)
	validateJobs(cfg, ve)
	validateStream(cfg, ve)
	validateBreaker(cfg, ve)
	validateGateway(cfg, ve)
	validateHistory(cfg, ve)
	validateSchedules(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Name == "" {
		ve.Add("server.name must not be empty")
	}
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
}

func validateAnsible(cfg *Config, ve *ValidationError) {
	a := cfg.Ansible
	for name, v := range map[string]string{
		"ansible.ansible":           a.Ansible,
		"ansible.ansible_playbook":  a.AnsiblePlaybook,
		"ansible.ansible_inventory": a.AnsibleInventory,
	} {
		if v == "" {
			ve.Add("%s must not be empty", name)
		}
	}
	for k := range a.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			ve.Add("ansible.env key %q is invalid", k)
		}
	}
}

func validateJobs(cfg *Config, ve *ValidationError) {
	j := cfg.Jobs
	if j.MaxRunning < 0 {
		ve.Add("jobs.max_running must be >= 0")
	}
	if j.Retention <= 0 {
		ve.Add("jobs.retention must be > 0")
	}
	if j.SweepInterval <= 0 {
		ve.Add("jobs.sweep_interval must be > 0")
	}
	if j.DefaultTimeout < 0 {
		ve.Add("jobs.default_timeout must be >= 0")
	}
	if j.KillGrace <= 0 {
		ve.Add("jobs.kill_grace must be > 0")
	}
	if j.WaitDelay < 0 {
		ve.Add("jobs.wait_delay must be >= 0")
	}
	for kind, d := range j.KindTimeouts {
		if !domain.JobKind(kind).Valid() {
			ve.Add("jobs.kind_timeouts: unknown kind %q", kind)
		}
		if d < 0 {
			ve.Add("jobs.kind_timeouts[%s] must be >= 0", kind)
		}
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	s := cfg.Stream
	if s.BacklogChunks <= 0 {
		ve.Add("stream.backlog_chunks must be > 0")
	}
	if s.BacklogBytes <= 0 {
		ve.Add("stream.backlog_bytes must be > 0")
	}
	if s.SubscriberQueue <= 0 {
		ve.Add("stream.subscriber_queue must be > 0")
	}
	if s.Heartbeat <= 0 {
		ve.Add("stream.heartbeat must be > 0")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if cfg.Breaker.MaxFailures == 0 {
		ve.Add("breaker.max_failures must be > 0")
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		ve.Add("breaker.open_timeout must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
		if t.Name == "" {
			ve.Add("gateway.auth.tokens[%d].name must not be empty", i)
			continue
		}
		if seen[t.Name] {
			ve.Add("gateway.auth.tokens[%d]: duplicate token name %q", i, t.Name)
		}
		seen[t.Name] = true
		if strings.HasPrefix(t.Token, encPrefix) {
			ve.Add("gateway.auth.tokens[%d] (%s) is encrypted but ANSIBLEMCP_CONFIG_KEY is not set", i, t.Name)
		}
	}

	rl := cfg.Gateway.RateLimit
	if rl.RequestsPerMin < 0 {
		ve.Add("gateway.rate_limit.requests_per_min must be >= 0")
	}
	if rl.Burst < 0 {
		ve.Add("gateway.rate_limit.burst must be >= 0")
	}
	for i, p := range rl.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("gateway.rate_limit.trusted_proxies[%d] %q is not an IP address", i, p)
		}
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if cfg.History.Enabled && cfg.History.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
}

func validateSchedules(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Schedules {
		if s.Name == "" {
			ve.Add("schedules[%d].name must not be empty", i)
		} else if seen[s.Name] {
			ve.Add("schedules[%d]: duplicate schedule name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Schedule == "" {
			ve.Add("schedules[%d].schedule must not be empty", i)
		}
		if !domain.JobKind(s.Kind).Valid() {
			ve.Add("schedules[%d].kind %q is invalid", i, s.Kind)
		}
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
