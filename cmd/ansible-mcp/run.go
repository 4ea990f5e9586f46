package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/infra/logger"
	"ansible-mcp/internal/usecase/command"
)

var (
	flagRunArgs []string // --arg key=value, repeatable
	flagRunJSON string   // --json '{...}'
)

var runCmd = &cobra.Command{
	Use:   "run <kind>",
	Short: "Run a single Ansible job and stream its output",
	Long: `Run a single job through the same job service the server uses.

Arguments are given as a JSON object with --json, or one at a time with
--arg key=value. Values that parse as JSON (numbers, booleans, arrays,
objects) keep their type; anything else is a string. --arg wins over --json.

Kinds: ` + kindList() + `

The exit code mirrors the job's exit code.`,
	Example: `  ansible-mcp run ping --arg pattern=web
  ansible-mcp run ad-hoc --arg pattern=all --arg module=shell --arg args=uptime
  ansible-mcp run playbook --json '{"playbook":"site.yml","check":true}'`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	runCmd.Flags().StringArrayVar(&flagRunArgs, "arg", nil, "request argument as key=value (repeatable)")
	runCmd.Flags().StringVar(&flagRunJSON, "json", "", "request arguments as a JSON object")
}

func kindList() string {
	names := make([]string, len(domain.JobKinds))
	for i, k := range domain.JobKinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func runJob(cmd *cobra.Command, args []string) error {
	kind := domain.JobKind(args[0])
	fields, err := requestArguments(flagRunJSON, flagRunArgs)
	if err != nil {
		return err
	}
	req, err := command.FromArguments(kind, fields)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger, logger.WithService(cfg.Server.Name), logger.ForStdio())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newComponents(cfg, log)
	defer c.Close()

	res, err := c.service.Execute(ctx, req, chunkWriter(cmd.OutOrStdout(), cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	if res.Dropped > 0 {
		log.Warn("output dropped", "job_id", res.Job.ID, "chunks", res.Dropped)
	}
	return jobExit(res.Job)
}

// requestArguments merges a JSON object with key=value pairs.
func requestArguments(rawJSON string, pairs []string) (map[string]any, error) {
	fields := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &fields); err != nil {
			return nil, fmt.Errorf("--json: %w", err)
		}
		if fields == nil {
			fields = map[string]any{}
		}
	}
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q: want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(val), &v); err != nil {
			v = val
		}
		fields[key] = v
	}
	return fields, nil
}

func chunkWriter(stdout, stderr io.Writer) func(domain.OutputChunk) {
	return func(ch domain.OutputChunk) {
		w := stdout
		if ch.Stream == domain.StreamStderr {
			w = stderr
		}
		w.Write(ch.Data)
	}
}

// jobExit maps a finished job onto the process exit code.
func jobExit(job domain.Job) error {
	if job.State == domain.JobSucceeded {
		return nil
	}
	code := 1
	if job.ExitCode != nil && *job.ExitCode > 0 {
		code = *job.ExitCode
	}
	if job.Reason != "" {
		fmt.Fprintf(os.Stderr, "ansible-mcp: job %s %s: %s\n", job.ID, job.State, job.Reason)
	}
	return &exitError{code: code}
}
