// Package mcpserver exposes the job service as MCP tools over streamable
// HTTP, SSE and stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"ansible-mcp/internal/adapter/gateway"
	"ansible-mcp/internal/usecase/jobs"
)

// PlaybookWriter stores generated playbooks.
type PlaybookWriter interface {
	Write(name, content string) (string, error)
}

// Config describes the MCP server.
type Config struct {
	Name         string
	Version      string
	Instructions string
	BaseURL      string // public URL prefix used in stream links; empty gives relative links
}

// Server owns the MCP tool registry.
type Server struct {
	cfg       Config
	mcp       *server.MCPServer
	jobs      *jobs.Service
	playbooks PlaybookWriter
	logger    *slog.Logger
	tools     []mcp.Tool
	handlers  map[string]server.ToolHandlerFunc
}

// New builds the server and registers every tool. playbooks may be nil, in
// which case generate_playbook is not offered.
func New(cfg Config, svc *jobs.Service, playbooks PlaybookWriter, logger *slog.Logger) *Server {
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}
	s := &Server{
		cfg:       cfg,
		jobs:      svc,
		playbooks: playbooks,
		logger:    logger,
		handlers:  make(map[string]server.ToolHandlerFunc),
	}
	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions(cfg.Instructions),
	)
	s.registerTools()
	return s
}

const defaultInstructions = `Run Ansible through jobs. Execution tools wait for the job and return its
output; start_job returns immediately with a stream URL. Use get_job, list_jobs and cancel_job to
manage running jobs.`

// MCP returns the underlying mcp-go server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

func (s *Server) add(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = handler
	s.mcp.AddTool(tool, handler)
}

// Catalog describes the registered tools for the discovery manifest.
func (s *Server) Catalog() []gateway.ManifestTool {
	out := make([]gateway.ManifestTool, 0, len(s.tools))
	for _, tool := range s.tools {
		raw, err := json.Marshal(tool)
		if err != nil {
			s.logger.Warn("marshal tool definition", "tool", tool.Name, "error", err)
			continue
		}
		var mt gateway.ManifestTool
		if err := json.Unmarshal(raw, &mt); err != nil {
			continue
		}
		out = append(out, mt)
	}
	return out
}

// Mount serves streamable HTTP at /mcp and the SSE transport at /mcp/sse
// with its message endpoint at /mcp/message. The returned function shuts
// both transports down.
func (s *Server) Mount(r chi.Router, protect func(http.Handler) http.Handler) func(context.Context) error {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}
	streamable := server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath("/mcp"))
	sse := server.NewSSEServer(s.mcp,
		server.WithBaseURL(strings.TrimSuffix(s.cfg.BaseURL, "/")),
		server.WithStaticBasePath("/mcp"),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
	)

	r.With(protect).Handle("/mcp", streamable)
	r.With(protect).Handle("/mcp/sse", sse.SSEHandler())
	r.With(protect).Handle("/mcp/message", sse.MessageHandler())

	return func(ctx context.Context) error {
		return errors.Join(streamable.Shutdown(ctx), sse.Shutdown(ctx))
	}
}

// ServeStdio serves MCP over in/out until ctx is cancelled or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
