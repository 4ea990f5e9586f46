package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Includes  []string         `yaml:"includes,omitempty"`
	Server    ServerConfig     `yaml:"server"`
	Ansible   AnsibleConfig    `yaml:"ansible"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Stream    StreamConfig     `yaml:"stream"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	History   HistoryConfig    `yaml:"history"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Logger    LoggerConfig     `yaml:"logger"`
	Tracer    TracerConfig     `yaml:"tracer"`
}

// ServerConfig identifies the server and where it listens.
type ServerConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Addr        string `yaml:"addr"`
	BaseURL     string `yaml:"base_url"` // public URL used in the manifest; empty uses the request host
}

// AnsibleConfig describes the installed engine.
type AnsibleConfig struct {
	Ansible          string            `yaml:"ansible"`
	AnsiblePlaybook  string            `yaml:"ansible_playbook"`
	AnsibleInventory string            `yaml:"ansible_inventory"`
	DefaultInventory string            `yaml:"default_inventory"`
	PlaybookDir      string            `yaml:"playbook_dir"`
	WorkDir          string            `yaml:"work_dir"`
	Env              map[string]string `yaml:"env,omitempty"`
	CheckPaths       bool              `yaml:"check_paths"`
}

// defaultAnsibleEnv keeps engine output free of color codes and avoids
// interactive host key prompts.
var defaultAnsibleEnv = map[string]string{
	"ANSIBLE_FORCE_COLOR":       "0",
	"ANSIBLE_HOST_KEY_CHECKING": "False",
}

// EnvList returns the KEY=VALUE pairs to add to the engine's environment.
// Defaults apply only when neither the config nor the process environment
// sets the variable.
func (a AnsibleConfig) EnvList() []string {
	env := make([]string, 0, len(a.Env)+len(defaultAnsibleEnv))
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range defaultAnsibleEnv {
		if _, ok := a.Env[k]; ok {
			continue
		}
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// JobsConfig holds job lifecycle settings.
type JobsConfig struct {
	MaxRunning     int                      `yaml:"max_running"` // 0 means unlimited
	Retention      time.Duration            `yaml:"retention"`
	SweepInterval  time.Duration            `yaml:"sweep_interval"`
	DefaultTimeout time.Duration            `yaml:"default_timeout"` // 0 means none
	KindTimeouts   map[string]time.Duration `yaml:"kind_timeouts,omitempty"`
	KillGrace      time.Duration            `yaml:"kill_grace"`
	WaitDelay      time.Duration            `yaml:"wait_delay"`
}

// StreamConfig bounds per-job output buffering.
type StreamConfig struct {
	BacklogChunks      int           `yaml:"backlog_chunks"`
	BacklogBytes       int           `yaml:"backlog_bytes"`
	SubscriberQueue    int           `yaml:"subscriber_queue"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	CancelOnDisconnect bool          `yaml:"cancel_on_disconnect"`
}

// BreakerConfig configures the spawn circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig lists accepted bearer tokens. No tokens disables auth.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is one accepted token. Token may be "enc:"-prefixed.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// RateLimitConfig limits API requests per client IP.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"` // 0 disables
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// HistoryConfig controls the SQLite archive of finished jobs.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ScheduleConfig submits a job on a recurring schedule.
type ScheduleConfig struct {
	Name          string         `yaml:"name"`
	Schedule      string         `yaml:"schedule"` // cron expression, descriptor or duration
	Kind          string         `yaml:"kind"`
	Request       map[string]any `yaml:"request,omitempty"`
	SkipIfRunning bool           `yaml:"skip_if_running"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.ansible-mcp, or ./data without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".ansible-mcp")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name:        "ansible-mcp",
			Version:     "dev",
			Description: "Run Ansible ad-hoc commands and playbooks with streamed output",
			Addr:        ":8080",
		},
		Ansible: AnsibleConfig{
			Ansible:          "ansible",
			AnsiblePlaybook:  "ansible-playbook",
			AnsibleInventory: "ansible-inventory",
			DefaultInventory: "inventory.ini",
			PlaybookDir:      "playbooks",
		},
		Jobs: JobsConfig{
			MaxRunning:    4,
			Retention:     time.Hour,
			SweepInterval: time.Minute,
			KindTimeouts:  map[string]time.Duration{"ping": 30 * time.Second},
			KillGrace:     5 * time.Second,
			WaitDelay:     2 * time.Second,
		},
		Stream: StreamConfig{
			BacklogChunks:   1024,
			BacklogBytes:    4 << 20,
			SubscriberQueue: 256,
			Heartbeat:       15 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
			Interval:    60 * time.Second,
		},
		History: HistoryConfig{
			Path: filepath.Join(defaultDataDir(), "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := loadFile(cfg, path, data); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ANSIBLEMCP_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string, data []byte) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return err
	}

	// First pass finds the includes.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	inc := &includer{visited: map[string]bool{absPath: true}}
	if err := inc.apply(cfg, filepath.Dir(absPath), 0); err != nil {
		return err
	}
	// Second pass so the main file wins over its includes. Schedules from
	// both are kept.
	schedules := cfg.Schedules
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config (second pass): %w", err)
	}
	cfg.Schedules = schedules
	cfg.Includes = nil
	return nil
}

// ApplyEnvOverrides maps ANSIBLEMCP_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
			*dst = d
		}
	}

	setString("ANSIBLEMCP_SERVER_ADDR", &cfg.Server.Addr)
	setString("ANSIBLEMCP_SERVER_BASE_URL", &cfg.Server.BaseURL)

	setString("ANSIBLEMCP_ANSIBLE_BIN", &cfg.Ansible.Ansible)
	setString("ANSIBLEMCP_ANSIBLE_PLAYBOOK_BIN", &cfg.Ansible.AnsiblePlaybook)
	setString("ANSIBLEMCP_ANSIBLE_INVENTORY_BIN", &cfg.Ansible.AnsibleInventory)
	setString("ANSIBLEMCP_ANSIBLE_DEFAULT_INVENTORY", &cfg.Ansible.DefaultInventory)
	setString("ANSIBLEMCP_ANSIBLE_PLAYBOOK_DIR", &cfg.Ansible.PlaybookDir)
	setString("ANSIBLEMCP_ANSIBLE_WORK_DIR", &cfg.Ansible.WorkDir)

	if n, err := strconv.Atoi(os.Getenv("ANSIBLEMCP_JOBS_MAX_RUNNING")); err == nil {
		cfg.Jobs.MaxRunning = n
	}
	setDuration("ANSIBLEMCP_JOBS_DEFAULT_TIMEOUT", &cfg.Jobs.DefaultTimeout)
	setDuration("ANSIBLEMCP_JOBS_RETENTION", &cfg.Jobs.Retention)

	setBool("ANSIBLEMCP_STREAM_CANCEL_ON_DISCONNECT", &cfg.Stream.CancelOnDisconnect)
	setDuration("ANSIBLEMCP_STREAM_HEARTBEAT", &cfg.Stream.Heartbeat)

	// A single token from the environment is only used when the file lists none.
	if v := os.Getenv("ANSIBLEMCP_GATEWAY_TOKEN"); v != "" && len(cfg.Gateway.Auth.Tokens) == 0 {
		cfg.Gateway.Auth.Tokens = []TokenConfig{{Name: "env", Token: v}}
	}
	if v := os.Getenv("ANSIBLEMCP_GATEWAY_TRUSTED_PROXIES"); v != "" {
		cfg.Gateway.RateLimit.TrustedProxies = splitAndTrim(v, ",")
	}
	if n, err := strconv.Atoi(os.Getenv("ANSIBLEMCP_GATEWAY_RATE_LIMIT")); err == nil {
		cfg.Gateway.RateLimit.RequestsPerMin = n
	}

	setBool("ANSIBLEMCP_HISTORY_ENABLED", &cfg.History.Enabled)
	setString("ANSIBLEMCP_HISTORY_PATH", &cfg.History.Path)

	setString("ANSIBLEMCP_LOGGER_LEVEL", &cfg.Logger.Level)
	setString("ANSIBLEMCP_LOGGER_FORMAT", &cfg.Logger.Format)
	setString("ANSIBLEMCP_LOGGER_OUTPUT", &cfg.Logger.Output)
	setBool("ANSIBLEMCP_TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("ANSIBLEMCP_TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Group or world writable files are rejected.
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
