package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"ansible-mcp/internal/domain"
)

const (
	timeoutProp   = `"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 86400, "description": "Kill the job after this many seconds"}`
	inventoryProp = `"inventory": {"type": "string", "description": "Inventory file path or comma-separated host list"}`
	patternProp   = `"pattern": {"type": "string", "description": "Host pattern (default: all)"}`
	extraVarsProp = `"extra_vars": {"type": "object", "description": "Variables passed with --extra-vars"}`
)

// schemas holds the JSON Schema for each request kind.
var schemas = map[domain.JobKind]string{
	domain.KindAdHoc: `{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "minLength": 1, "description": "Host pattern"},
    "module": {"type": "string", "description": "Module name (default: command)"},
    "args": {"type": "string", "description": "Module arguments"},
    "become": {"type": "boolean"},
    "forks": {"type": "integer", "minimum": 1, "maximum": 500},
    ` + inventoryProp + `,
    ` + extraVarsProp + `,
    ` + timeoutProp + `
  },
  "required": ["pattern"],
  "additionalProperties": false
}`,
	domain.KindPlaybook: `{
  "type": "object",
  "properties": {
    "playbook": {"type": "string", "minLength": 1, "description": "Playbook path"},
    "limit": {"type": "string", "description": "Limit to a host subset"},
    "tags": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "check": {"type": "boolean", "description": "Dry run"},
    ` + inventoryProp + `,
    ` + extraVarsProp + `,
    ` + timeoutProp + `
  },
  "required": ["playbook"],
  "additionalProperties": false
}`,
	domain.KindSyntaxCheck: `{
  "type": "object",
  "properties": {
    "playbook": {"type": "string", "minLength": 1, "description": "Playbook path"},
    ` + inventoryProp + `,
    ` + timeoutProp + `
  },
  "required": ["playbook"],
  "additionalProperties": false
}`,
	domain.KindInventoryList: `{
  "type": "object",
  "properties": {
    ` + inventoryProp + `,
    ` + timeoutProp + `
  },
  "additionalProperties": false
}`,
	domain.KindHostList: `{
  "type": "object",
  "properties": {
    ` + patternProp + `,
    ` + inventoryProp + `,
    ` + timeoutProp + `
  },
  "additionalProperties": false
}`,
	domain.KindPing: `{
  "type": "object",
  "properties": {
    ` + patternProp + `,
    ` + inventoryProp + `,
    ` + timeoutProp + `
  },
  "additionalProperties": false
}`,
	domain.KindVersion: `{
  "type": "object",
  "properties": {
    ` + timeoutProp + `
  },
  "additionalProperties": false
}`,
}

var (
	compileOnce sync.Once
	compiled    map[domain.JobKind]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[domain.JobKind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled = make(map[domain.JobKind]*jsonschema.Schema, len(schemas))
		for kind, src := range schemas {
			s, err := compiler.Compile([]byte(src))
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = s
		}
	})
	return compiled, compileErr
}

// Schema returns the JSON Schema describing requests of the given kind.
func Schema(kind domain.JobKind) (json.RawMessage, bool) {
	src, ok := schemas[kind]
	if !ok {
		return nil, false
	}
	return json.RawMessage(src), true
}

// Decode validates raw against the schema for kind and decodes it into the
// matching Request. An empty body is treated as an empty object.
func Decode(kind domain.JobKind, raw []byte) (Request, error) {
	const op = "command.Decode"
	if !kind.Valid() {
		return nil, invalid(op, fmt.Sprintf("unknown job kind %q", kind))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, invalid(op, fmt.Sprintf("malformed JSON: %v", err))
	}
	all, err := compiledSchemas()
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if result := all[kind].Validate(data); !result.IsValid() {
		return nil, invalid(op, fmt.Sprintf("%s", result.Error()))
	}

	req := newRequest(kind)
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, invalid(op, err.Error())
	}
	return deref(req), nil
}

// FromArguments decodes tool-call arguments into a Request.
func FromArguments(kind domain.JobKind, args map[string]any) (Request, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, invalid("command.FromArguments", err.Error())
	}
	return Decode(kind, raw)
}

func newRequest(kind domain.JobKind) any {
	switch kind {
	case domain.KindAdHoc:
		return &AdHoc{}
	case domain.KindPlaybook:
		return &Playbook{}
	case domain.KindSyntaxCheck:
		return &SyntaxCheck{}
	case domain.KindInventoryList:
		return &InventoryList{}
	case domain.KindHostList:
		return &HostList{}
	case domain.KindPing:
		return &Ping{}
	default:
		return &Version{}
	}
}

func deref(v any) Request {
	switch r := v.(type) {
	case *AdHoc:
		return *r
	case *Playbook:
		return *r
	case *SyntaxCheck:
		return *r
	case *InventoryList:
		return *r
	case *HostList:
		return *r
	case *Ping:
		return *r
	default:
		return *v.(*Version)
	}
}
