package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays files named by cfg.Includes onto cfg, e.g. a conf.d
// directory of schedules. Patterns may be globs and are resolved relative to
// the including file. A file may not be included twice.
type includer struct {
	visited map[string]bool
}

func (in *includer) apply(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if in.visited[p] {
				return fmt.Errorf("config includes: circular include detected for %q", p)
			}
			in.visited[p] = true
			if err := in.merge(cfg, p, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// merge unmarshals one file onto cfg and follows its own includes.
func (in *includer) merge(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	// Included schedules add to, rather than replace, those seen so far.
	prior := cfg.Schedules
	cfg.Schedules = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	cfg.Schedules = append(prior, cfg.Schedules...)

	if len(cfg.Includes) > 0 {
		return in.apply(cfg, filepath.Dir(path), depth)
	}
	return nil
}

// resolveIncludePaths expands pattern relative to baseDir. Relative patterns
// may not climb out of baseDir. A literal path that does not exist is
// returned as is so the read reports it; a glob matching nothing is fine.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
		rel, err := filepath.Rel(baseDir, pattern)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
		}
	}
	pattern = filepath.Clean(pattern)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return matches, nil
}
