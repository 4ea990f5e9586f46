// Package command translates validated job requests into argument vectors
// for the automation engine. No shell is ever involved: every value becomes
// exactly one argv element.
package command

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ansible-mcp/internal/domain"
)

// Engine describes the installed automation engine.
type Engine struct {
	Ansible          string // ad-hoc binary (default: ansible)
	AnsiblePlaybook  string // default: ansible-playbook
	AnsibleInventory string // default: ansible-inventory
	DefaultInventory string // default: inventory.ini
	PlaybookDir      string // base for relative playbook paths
	CheckPaths       bool   // reject playbook/inventory files that do not exist
}

// WithDefaults fills unset binaries and the default inventory.
func (e Engine) WithDefaults() Engine {
	if e.Ansible == "" {
		e.Ansible = "ansible"
	}
	if e.AnsiblePlaybook == "" {
		e.AnsiblePlaybook = "ansible-playbook"
	}
	if e.AnsibleInventory == "" {
		e.AnsibleInventory = "ansible-inventory"
	}
	if e.DefaultInventory == "" {
		e.DefaultInventory = "inventory.ini"
	}
	return e
}

// Spec is a fully built command ready for the runner.
type Spec struct {
	Kind    domain.JobKind
	Argv    []string
	Timeout time.Duration // zero means the caller's default applies
}

// Request is one job request variant.
type Request interface {
	Kind() domain.JobKind
	Build(e Engine) (Spec, error)
}

// Options are shared by every request kind.
type Options struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (o Options) timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// AdHoc runs a single module against a host pattern.
type AdHoc struct {
	Options
	Pattern   string         `json:"pattern"`
	Module    string         `json:"module,omitempty"`
	Args      string         `json:"args,omitempty"`
	Inventory string         `json:"inventory,omitempty"`
	ExtraVars map[string]any `json:"extra_vars,omitempty"`
	Become    bool           `json:"become,omitempty"`
	Forks     int            `json:"forks,omitempty"`
}

func (AdHoc) Kind() domain.JobKind { return domain.KindAdHoc }

func (r AdHoc) Build(e Engine) (Spec, error) {
	const op = "AdHoc.Build"
	e = e.WithDefaults()
	if err := positional(op, "pattern", r.Pattern); err != nil {
		return Spec{}, err
	}
	module := r.Module
	if module == "" {
		// The implicit command module needs something to run.
		module = "command"
		if strings.TrimSpace(r.Args) == "" {
			return Spec{}, invalid(op, "args is required when module is omitted")
		}
	}
	if !moduleName.MatchString(module) {
		return Spec{}, invalid(op, fmt.Sprintf("module %q is not a valid module name", module))
	}
	if err := value(op, "args", r.Args); err != nil {
		return Spec{}, err
	}
	inv, err := e.inventory(op, r.Inventory)
	if err != nil {
		return Spec{}, err
	}

	argv := []string{e.Ansible, r.Pattern, "--module-name=" + module}
	if r.Args != "" {
		argv = append(argv, "--args="+r.Args)
	}
	argv = append(argv, "--inventory="+inv)
	if argv, err = appendExtraVars(op, argv, r.ExtraVars); err != nil {
		return Spec{}, err
	}
	if r.Become {
		argv = append(argv, "--become")
	}
	if r.Forks != 0 {
		if r.Forks < 1 || r.Forks > 500 {
			return Spec{}, invalid(op, "forks must be between 1 and 500")
		}
		argv = append(argv, "--forks="+strconv.Itoa(r.Forks))
	}
	return Spec{Kind: r.Kind(), Argv: argv, Timeout: r.timeout()}, nil
}

// Playbook runs a playbook file.
type Playbook struct {
	Options
	Playbook  string         `json:"playbook"`
	Inventory string         `json:"inventory,omitempty"`
	ExtraVars map[string]any `json:"extra_vars,omitempty"`
	Limit     string         `json:"limit,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Check     bool           `json:"check,omitempty"`
}

func (Playbook) Kind() domain.JobKind { return domain.KindPlaybook }

func (r Playbook) Build(e Engine) (Spec, error) {
	const op = "Playbook.Build"
	e = e.WithDefaults()
	pb, err := e.playbook(op, r.Playbook)
	if err != nil {
		return Spec{}, err
	}
	inv, err := e.inventory(op, r.Inventory)
	if err != nil {
		return Spec{}, err
	}

	argv := []string{e.AnsiblePlaybook, pb, "--inventory=" + inv}
	if argv, err = appendExtraVars(op, argv, r.ExtraVars); err != nil {
		return Spec{}, err
	}
	if r.Limit != "" {
		if err := value(op, "limit", r.Limit); err != nil {
			return Spec{}, err
		}
		argv = append(argv, "--limit="+r.Limit)
	}
	if len(r.Tags) > 0 {
		for _, tag := range r.Tags {
			if tag == "" || strings.Contains(tag, ",") {
				return Spec{}, invalid(op, fmt.Sprintf("tag %q must be non-empty and contain no commas", tag))
			}
			if err := value(op, "tags", tag); err != nil {
				return Spec{}, err
			}
		}
		argv = append(argv, "--tags="+strings.Join(r.Tags, ","))
	}
	if r.Check {
		argv = append(argv, "--check")
	}
	return Spec{Kind: r.Kind(), Argv: argv, Timeout: r.timeout()}, nil
}

// SyntaxCheck validates a playbook without running it.
type SyntaxCheck struct {
	Options
	Playbook  string `json:"playbook"`
	Inventory string `json:"inventory,omitempty"`
}

func (SyntaxCheck) Kind() domain.JobKind { return domain.KindSyntaxCheck }

func (r SyntaxCheck) Build(e Engine) (Spec, error) {
	const op = "SyntaxCheck.Build"
	e = e.WithDefaults()
	pb, err := e.playbook(op, r.Playbook)
	if err != nil {
		return Spec{}, err
	}
	inv, err := e.inventory(op, r.Inventory)
	if err != nil {
		return Spec{}, err
	}
	argv := []string{e.AnsiblePlaybook, pb, "--syntax-check", "--inventory=" + inv}
	return Spec{Kind: r.Kind(), Argv: argv, Timeout: r.timeout()}, nil
}

// InventoryList dumps the parsed inventory as JSON.
type InventoryList struct {
	Options
	Inventory string `json:"inventory,omitempty"`
}

func (InventoryList) Kind() domain.JobKind { return domain.KindInventoryList }

func (r InventoryList) Build(e Engine) (Spec, error) {
	const op = "InventoryList.Build"
	e = e.WithDefaults()
	inv, err := e.inventory(op, r.Inventory)
	if err != nil {
		return Spec{}, err
	}
	argv := []string{e.AnsibleInventory, "--inventory=" + inv, "--list"}
	return Spec{Kind: r.Kind(), Argv: argv, Timeout: r.timeout()}, nil
}

// HostList lists the hosts matching a pattern.
type HostList struct {
	Options
	Inventory string `json:"inventory,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

func (HostList) Kind() domain.JobKind { return domain.KindHostList }

func (r HostList) Build(e Engine) (Spec, error) {
	const op = "HostList.Build"
	e = e.WithDefaults()
	pattern, err := defaultPattern(op, r.Pattern)
	if err != nil {
		return Spec{}, err
	}
	inv, err := e.inventory(op, r.Inventory)
	if err != nil {
		return Spec{}, err
	}
	argv := []string{e.Ansible, pattern, "--inventory=" + inv, "--list-hosts"}
	return Spec{Kind: r.Kind(), Argv: argv, Timeout: r.timeout()}, nil
}

// Ping checks connectivity with the ping module.
type Ping struct {
	Options
	Inventory string `json:"inventory,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

func (Ping) Kind() domain.JobKind { return domain.KindPing }

func (r Ping) Build(e Engine) (Spec, error) {
	const op = "Ping.Build"
	e = e.WithDefaults()
	pattern, err := defaultPattern(op, r.Pattern)
	if err != nil {
		return Spec{}, err
	}
	inv, err := e.inventory(op, r.Inventory)
	if err != nil {
		return Spec{}, err
	}
	argv := []string{e.Ansible, pattern, "--module-name=ping", "--inventory=" + inv}
	return Spec{Kind: r.Kind(), Argv: argv, Timeout: r.timeout()}, nil
}

// Version queries the engine version.
type Version struct {
	Options
}

func (Version) Kind() domain.JobKind { return domain.KindVersion }

func (r Version) Build(e Engine) (Spec, error) {
	e = e.WithDefaults()
	return Spec{Kind: r.Kind(), Argv: []string{e.Ansible, "--version"}, Timeout: r.timeout()}, nil
}

// moduleName accepts short names and fully qualified collection names.
var moduleName = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

func invalid(op, detail string) error {
	return domain.NewSubSystemError("command", op, domain.ErrInvalidInput, detail)
}

// value rejects NUL bytes, which cannot be passed through execve.
func value(op, field, v string) error {
	if strings.ContainsRune(v, 0) {
		return invalid(op, field+" contains a NUL byte")
	}
	return nil
}

// positional validates a value placed outside any --flag=value pair, where
// a leading dash would be parsed as an option.
func positional(op, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(op, field+" is required")
	}
	if strings.HasPrefix(v, "-") {
		return invalid(op, field+" must not start with '-'")
	}
	return value(op, field, v)
}

func defaultPattern(op, pattern string) (string, error) {
	if pattern == "" {
		return "all", nil
	}
	return pattern, positional(op, "pattern", pattern)
}

func (e Engine) inventory(op, inv string) (string, error) {
	if inv == "" {
		inv = e.DefaultInventory
	}
	if err := value(op, "inventory", inv); err != nil {
		return "", err
	}
	// A comma marks an inline host list rather than a file.
	if e.CheckPaths && !strings.Contains(inv, ",") {
		if _, err := os.Stat(inv); err != nil {
			return "", invalid(op, fmt.Sprintf("inventory %q not found", inv))
		}
	}
	return inv, nil
}

func (e Engine) playbook(op, pb string) (string, error) {
	if err := positional(op, "playbook", pb); err != nil {
		return "", err
	}
	if !filepath.IsAbs(pb) && e.PlaybookDir != "" {
		pb = filepath.Join(e.PlaybookDir, pb)
	}
	if e.CheckPaths {
		info, err := os.Stat(pb)
		if err != nil {
			return "", invalid(op, fmt.Sprintf("playbook %q not found", pb))
		}
		if info.IsDir() {
			return "", invalid(op, fmt.Sprintf("playbook %q is a directory", pb))
		}
	}
	return pb, nil
}

func appendExtraVars(op string, argv []string, vars map[string]any) ([]string, error) {
	if len(vars) == 0 {
		return argv, nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, invalid(op, fmt.Sprintf("extra_vars: %v", err))
	}
	return append(argv, "--extra-vars="+string(data)), nil
}
