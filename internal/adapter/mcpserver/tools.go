package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/command"
	"ansible-mcp/internal/usecase/jobs"
)

// execTool is a tool that runs one job kind and waits for it.
type execTool struct {
	name        string
	kind        domain.JobKind
	description string
	readOnly    bool
	shape       func(res jobs.Result, out *ExecResult)
}

var execTools = []execTool{
	{
		name:        "list_inventory",
		kind:        domain.KindInventoryList,
		description: "Show the parsed inventory (ansible-inventory --list) as JSON.",
		readOnly:    true,
		shape:       parseInventory,
	},
	{
		name:        "list_hosts",
		kind:        domain.KindHostList,
		description: "List the hosts matched by a pattern.",
		readOnly:    true,
	},
	{
		name:        "validate_playbook",
		kind:        domain.KindSyntaxCheck,
		description: "Check a playbook's syntax without running it.",
		readOnly:    true,
	},
	{
		name:        "ping_hosts",
		kind:        domain.KindPing,
		description: "Check connectivity to hosts with the ping module.",
		readOnly:    true,
	},
	{
		name:        "run_ad_hoc",
		kind:        domain.KindAdHoc,
		description: "Run an ad-hoc module against a host pattern and wait for the result.",
	},
	{
		name:        "run_playbook",
		kind:        domain.KindPlaybook,
		description: "Run a playbook and wait for the result. Output is sent as log notifications while it runs.",
	},
	{
		name:        "ansible_version",
		kind:        domain.KindVersion,
		description: "Report the installed Ansible version.",
		readOnly:    true,
		shape:       firstLine,
	},
}

// ExecResult is the JSON body returned by execution tools.
type ExecResult struct {
	JobID     string          `json:"job_id"`
	State     domain.JobState `json:"state"`
	ExitCode  *int            `json:"exit_code"`
	Reason    string          `json:"reason,omitempty"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	Dropped   int64           `json:"dropped_events,omitempty"`
	Version   string          `json:"version,omitempty"`
	Inventory json.RawMessage `json:"inventory,omitempty"`
}

func (s *Server) registerTools() {
	for _, et := range execTools {
		schema, _ := command.Schema(et.kind)
		tool := mcp.NewToolWithRawSchema(et.name, et.description, schema)
		tool.Annotations = mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(et.readOnly),
			DestructiveHint: mcp.ToBoolPtr(!et.readOnly),
			OpenWorldHint:   mcp.ToBoolPtr(true),
		}
		s.add(tool, s.execHandler(et))
	}

	if s.playbooks != nil {
		s.add(mcp.NewTool("generate_playbook",
			mcp.WithDescription("Write a playbook into the playbook directory. Content must be a YAML list of plays."),
			mcp.WithString("name", mcp.Required(), mcp.Description("File name; directories are stripped and .yml is added if missing")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Playbook YAML")),
			mcp.WithDestructiveHintAnnotation(false),
		), s.generatePlaybook)
	}

	kinds := make([]string, len(domain.JobKinds))
	for i, k := range domain.JobKinds {
		kinds[i] = string(k)
	}
	states := []string{
		string(domain.JobQueued), string(domain.JobRunning), string(domain.JobSucceeded),
		string(domain.JobFailed), string(domain.JobCancelled), string(domain.JobTimedOut),
	}

	s.add(mcp.NewTool("start_job",
		mcp.WithDescription("Start a job without waiting. Returns its id and the URLs to stream its output."),
		mcp.WithString("kind", mcp.Required(), mcp.Enum(kinds...), mcp.Description("Job kind")),
		mcp.WithObject("request", mcp.Description("Request for the kind, same fields as the matching tool")),
	), s.startJob)
	s.add(mcp.NewTool("get_job",
		mcp.WithDescription("Get a job's current state."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Job id")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.getJob)
	s.add(mcp.NewTool("list_jobs",
		mcp.WithDescription("List jobs known to the server, oldest first."),
		mcp.WithString("kind", mcp.Enum(kinds...), mcp.Description("Only jobs of this kind")),
		mcp.WithString("state", mcp.Enum(states...), mcp.Description("Only jobs in this state")),
		mcp.WithString("filter", mcp.Description(`CEL expression over job, e.g. job.state == "Failed"`)),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.listJobs)
	s.add(mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a queued or running job. Cancelling a finished job returns its state."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Job id")),
	), s.cancelJob)
}

func (s *Server) execHandler(et execTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		creq, err := command.FromArguments(et.kind, req.GetArguments())
		if err != nil {
			return toolError(err), nil
		}

		res, err := s.jobs.Execute(ctx, creq, s.chunkNotifier(ctx, et.name))
		if err != nil {
			return toolError(err), nil
		}

		out := ExecResult{
			JobID:    res.Job.ID,
			State:    res.Job.State,
			ExitCode: res.Job.ExitCode,
			Reason:   res.Job.Reason,
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
			Dropped:  res.Dropped,
		}
		if et.shape != nil && res.Job.State == domain.JobSucceeded {
			et.shape(res, &out)
		}
		result := jsonResult(out)
		result.IsError = res.Job.State != domain.JobSucceeded
		return result, nil
	}
}

// chunkNotifier forwards output as MCP log notifications when the call has
// a client session to send them to.
func (s *Server) chunkNotifier(ctx context.Context, tool string) func(domain.OutputChunk) {
	srv := server.ServerFromContext(ctx)
	if srv == nil || server.ClientSessionFromContext(ctx) == nil {
		return nil
	}
	failed := false
	return func(c domain.OutputChunk) {
		if failed {
			return
		}
		level := mcp.LoggingLevelInfo
		if c.Stream == domain.StreamStderr {
			level = mcp.LoggingLevelWarning
		}
		err := srv.SendNotificationToClient(ctx, "notifications/message", map[string]any{
			"level":  level,
			"logger": tool,
			"data": map[string]any{
				"stream": c.Stream,
				"seq":    c.Seq,
				"text":   string(c.Data),
			},
		})
		if err != nil {
			failed = true
			s.logger.Debug("output notifications disabled for call", "tool", tool, "error", err)
		}
	}
}

func parseInventory(res jobs.Result, out *ExecResult) {
	trimmed := bytes.TrimSpace(res.Stdout)
	if json.Valid(trimmed) {
		out.Inventory = json.RawMessage(trimmed)
	}
}

func firstLine(res jobs.Result, out *ExecResult) {
	sc := bufio.NewScanner(bytes.NewReader(res.Stdout))
	if sc.Scan() {
		out.Version = strings.TrimSpace(sc.Text())
	}
}

func (s *Server) generatePlaybook(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := s.playbooks.Write(name, content)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"status": "written", "path": path}), nil
}

// StartedJob is the JSON body returned by start_job.
type StartedJob struct {
	JobID     string          `json:"job_id"`
	State     domain.JobState `json:"state"`
	StreamURL string          `json:"stream_url"`
	WSURL     string          `json:"ws_url"`
}

func (s *Server) startJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var args map[string]any
	if raw, ok := req.GetArguments()["request"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("request must be an object"), nil
		}
		args = m
	}

	creq, err := command.FromArguments(domain.JobKind(kind), args)
	if err != nil {
		return toolError(err), nil
	}
	// The job outlives this call.
	job, err := s.jobs.Submit(context.WithoutCancel(ctx), creq)
	if err != nil {
		return toolError(err), nil
	}

	base := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/api/v1/jobs/" + job.ID
	return jsonResult(StartedJob{
		JobID:     job.ID,
		State:     job.State,
		StreamURL: base + "/stream",
		WSURL:     wsURL(base + "/ws"),
	}), nil
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (s *Server) getJob(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.jobs.Registry().Get(id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(job), nil
}

func (s *Server) listJobs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const op = "mcpserver.listJobs"
	var f jobs.ListFilter
	if k := req.GetString("kind", ""); k != "" {
		f.Kind = domain.JobKind(k)
		if !f.Kind.Valid() {
			return toolError(domain.NewSubSystemError("command", op, domain.ErrInvalidInput, fmt.Sprintf("unknown kind %q", k))), nil
		}
	}
	if st := req.GetString("state", ""); st != "" {
		state, ok := domain.ParseJobState(st)
		if !ok {
			return toolError(domain.NewSubSystemError("command", op, domain.ErrInvalidInput, fmt.Sprintf("unknown state %q", st))), nil
		}
		f.State = state
	}
	if expr := req.GetString("filter", ""); expr != "" {
		filter, err := jobs.NewFilter(expr)
		if err != nil {
			return toolError(err), nil
		}
		f.Match = filter.Match
	}
	return jsonResult(map[string]any{"jobs": s.jobs.Registry().List(f)}), nil
}

func (s *Server) cancelJob(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.jobs.Cancel(id, jobs.ReasonCancelled)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(job), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// toolError reports err to the model with its machine-readable code.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", domain.ErrorCodeOf(err), err))
}
