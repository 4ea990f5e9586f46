// Package playbook stores generated playbooks under the configured playbook
// directory.
package playbook

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ansible-mcp/internal/domain"
)

const subsystem = "playbook"

// maxContentBytes bounds a single generated playbook.
const maxContentBytes = 1 << 20

// Store writes playbooks into one directory. All file access goes through an
// os.Root, so a name can never resolve outside dir.
type Store struct {
	dir       string
	overwrite bool
	logger    *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithOverwrite lets Write replace an existing playbook.
func WithOverwrite() Option {
	return func(s *Store) { s.overwrite = true }
}

// NewStore returns a store rooted at dir. The directory is created on first write.
func NewStore(dir string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{dir: dir, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the playbook directory.
func (s *Store) Dir() string { return s.dir }

// Write validates content as a list of plays and stores it as
// <dir>/<basename(name)>, adding ".yml" when name has no YAML extension.
// It returns the path written.
func (s *Store) Write(name, content string) (string, error) {
	const op = "Store.Write"

	file, err := fileName(name)
	if err != nil {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, err.Error())
	}
	if err := Validate([]byte(content)); err != nil {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, err.Error())
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%s: create playbook dir: %w", op, err)
	}
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return "", fmt.Errorf("%s: open playbook dir: %w", op, err)
	}
	defer root.Close()

	if s.overwrite {
		err = replaceFile(root, file, []byte(content))
	} else {
		err = createFile(root, file, []byte(content))
	}
	if errors.Is(err, fs.ErrExist) {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrDuplicate, file+" already exists")
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	path := filepath.Join(s.dir, file)
	s.logger.Info("playbook written", "path", path, "bytes", len(content))
	return path, nil
}

func createFile(root *os.Root, name string, data []byte) error {
	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		root.Remove(name)
		return err
	}
	return f.Close()
}

// replaceFile writes to a temporary sibling and renames it over name so a
// reader never sees a partial playbook.
func replaceFile(root *os.Root, name string, data []byte) error {
	tmp := "." + name + ".tmp"
	f, err := root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		root.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		root.Remove(tmp)
		return err
	}
	return root.Rename(tmp, name)
}

func fileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name must not be empty")
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid playbook name %q", name)
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yml", ".yaml":
		return base, nil
	default:
		return base + ".yml", nil
	}
}

// Validate checks that content is a non-empty YAML sequence of plays. Play
// contents are not interpreted.
func Validate(content []byte) error {
	if len(content) > maxContentBytes {
		return fmt.Errorf("playbook exceeds %d bytes", maxContentBytes)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return errors.New("playbook content must not be empty")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("parse playbook: %w", err)
	}
	if len(doc.Content) == 0 {
		return errors.New("playbook content must not be empty")
	}
	plays := doc.Content[0]
	if plays.Kind != yaml.SequenceNode {
		return fmt.Errorf("playbook must be a list of plays (line %d)", plays.Line)
	}
	if len(plays.Content) == 0 {
		return errors.New("playbook contains no plays")
	}
	for i, play := range plays.Content {
		if play.Kind != yaml.MappingNode {
			return fmt.Errorf("play %d (line %d) must be a mapping", i+1, play.Line)
		}
	}
	return nil
}
