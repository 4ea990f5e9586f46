package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ManifestTool describes one MCP tool in the discovery manifest.
type ManifestTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Manifest is served at /.well-known/mcp.json so MCP clients can discover
// the server's transports and tools.
type Manifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Endpoints   map[string]string `json:"endpoints"`
	Auth        string            `json:"auth"`
	Tools       []ManifestTool    `json:"tools"`
}

func (h *handler) manifest(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(h.deps.Info.BaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}

	auth := "none"
	if h.deps.Auth != nil && h.deps.Auth.Enabled() {
		auth = "bearer"
	}
	tools := h.deps.Tools
	if tools == nil {
		tools = []ManifestTool{}
	}

	writeJSON(w, http.StatusOK, Manifest{
		Name:        h.deps.Info.Name,
		Version:     h.deps.Info.Version,
		Description: h.deps.Info.Description,
		Endpoints: map[string]string{
			"streamable_http": base + "/mcp",
			"sse":             base + "/mcp/sse",
			"message":         base + "/mcp/message",
			"rest":            base + "/api/v1",
		},
		Auth:  auth,
		Tools: tools,
	})
}
