package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "ansible.yaml", `
ansible:
  default_inventory: /etc/ansible/hosts
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "ansible.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ansible.DefaultInventory != "/etc/ansible/hosts" {
		t.Errorf("DefaultInventory = %q", cfg.Ansible.DefaultInventory)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "jobs.yaml", "jobs:\n  max_running: 8\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes: [jobs.yaml]\njobs:\n  max_running: 3\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.MaxRunning != 3 {
		t.Errorf("MaxRunning = %d, want main file value 3", cfg.Jobs.MaxRunning)
	}
}

func TestIncludesSchedulesAccumulate(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "schedules.d")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, sub, "a.yaml", `
schedules:
  - name: ping-web
    schedule: "@every 5m"
    kind: ping
`)
	writeConfigFile(t, sub, "b.yaml", `
schedules:
  - name: version
    schedule: "@daily"
    kind: version
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "schedules.d/*.yaml"
schedules:
  - name: inventory
    schedule: "0 * * * *"
    kind: inventory-list
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var names []string
	for _, s := range cfg.Schedules {
		names = append(names, s.Name)
	}
	if len(names) != 3 {
		t.Fatalf("schedules = %v, want 3", names)
	}
	if names[0] != "inventory" {
		t.Errorf("main file schedules should come first: %v", names)
	}
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "level2.yaml", "history:\n  enabled: true\n  path: /tmp/h.db\n")
	writeConfigFile(t, dir, "level1.yaml", "includes: [level2.yaml]\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes: [level1.yaml]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.History.Enabled || cfg.History.Path != "/tmp/h.db" {
		t.Errorf("History = %+v", cfg.History)
	}
}

func TestIncludesCircular(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", "includes: [b.yaml]\n")
	writeConfigFile(t, dir, "b.yaml", "includes: [a.yaml]\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes: [a.yaml]\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Errorf("err = %v, want circular include error", err)
	}
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes: [\"../outside.yaml\"]\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("err = %v, want traversal error", err)
	}
}

func TestIncludesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes: [missing.yaml]\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing literal include")
	}
}

func TestIncludesEmptyGlob(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "includes: [\"conf.d/*.yaml\"]\n")
	if _, err := Load(path); err != nil {
		t.Errorf("a glob matching nothing should not fail: %v", err)
	}
}
