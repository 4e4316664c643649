// Package workspace implements the local execution environment that agent
// sessions and pipeline handlers operate against: file access, directory
// listing, command execution in a dedicated process group, and content
// search, all resolved against a single working directory.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Environment inheritance policies for spawned commands.
const (
	EnvInheritAll  = "inherit_all"
	EnvInheritNone = "inherit_none"
	EnvInheritCore = "inherit_core"
)

// DefaultReadLimit is the number of lines returned by ReadFile when an
// offset is given without an explicit limit.
const DefaultReadLimit = 2000

// defaultCoreEnv is the allowlist applied under EnvInheritCore when the
// configuration does not supply its own.
var defaultCoreEnv = []string{
	"PATH", "HOME", "USER", "SHELL", "LANG", "LC_ALL", "TERM", "TMPDIR", "TZ",
}

// sensitiveEnvSuffixes are dropped under EnvInheritCore even when the
// variable name appears on the allowlist. Matching is case-insensitive.
var sensitiveEnvSuffixes = []string{
	"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL",
}

// Config controls workspace behavior.
type Config struct {
	// WorkingDir is the directory relative paths resolve against.
	WorkingDir string `yaml:"working_dir"`

	// EnvPolicy selects how spawned commands inherit the parent
	// environment: inherit_all, inherit_none, or inherit_core.
	EnvPolicy string `yaml:"env_policy"`

	// CoreEnvAllowlist overrides the built-in allowlist used by
	// inherit_core. Empty means use the default set.
	CoreEnvAllowlist []string `yaml:"core_env_allowlist"`

	// ExtraEnv is merged into every spawned command's environment after
	// policy filtering, so these always take effect.
	ExtraEnv map[string]string `yaml:"extra_env"`

	// DefaultCommandTimeout applies when a command is run without an
	// explicit timeout.
	DefaultCommandTimeout time.Duration `yaml:"default_command_timeout"`

	// MaxCommandTimeout caps any requested command timeout.
	MaxCommandTimeout time.Duration `yaml:"max_command_timeout"`

	// MaxOutputBytes caps captured stdout and stderr per command.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// DefaultConfig returns the workspace configuration used when the caller
// provides nothing.
func DefaultConfig() Config {
	return Config{
		WorkingDir:            ".",
		EnvPolicy:             EnvInheritAll,
		DefaultCommandTimeout: 10 * time.Second,
		MaxCommandTimeout:     10 * time.Minute,
		MaxOutputBytes:        64000,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.WorkingDir) == "" {
		cfg.WorkingDir = def.WorkingDir
	}
	switch cfg.EnvPolicy {
	case EnvInheritAll, EnvInheritNone, EnvInheritCore:
	default:
		cfg.EnvPolicy = def.EnvPolicy
	}
	if cfg.DefaultCommandTimeout <= 0 {
		cfg.DefaultCommandTimeout = def.DefaultCommandTimeout
	}
	if cfg.MaxCommandTimeout <= 0 {
		cfg.MaxCommandTimeout = def.MaxCommandTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if len(cfg.CoreEnvAllowlist) == 0 {
		cfg.CoreEnvAllowlist = append([]string(nil), defaultCoreEnv...)
	}
	return cfg
}

// Workspace is a local execution environment rooted at a working directory.
type Workspace struct {
	cfg  Config
	root string

	osOnce    sync.Once
	osVersion string
}

// New creates a workspace from the given configuration. Missing fields are
// filled from DefaultConfig.
func New(cfg Config) *Workspace {
	cfg = sanitizeConfig(cfg)
	root, err := filepath.Abs(cfg.WorkingDir)
	if err != nil {
		root = filepath.Clean(cfg.WorkingDir)
	}
	return &Workspace{cfg: cfg, root: root}
}

// Initialize verifies the working directory exists.
func (w *Workspace) Initialize() error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("working directory %s: %w", w.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", w.root)
	}
	return nil
}

// Cleanup releases any resources held by the workspace. The local
// environment holds nothing persistent, so repeated calls are safe.
func (w *Workspace) Cleanup() error {
	return nil
}

// WorkingDirectory returns the absolute working directory.
func (w *Workspace) WorkingDirectory() string {
	return w.root
}

// Config returns a copy of the workspace configuration. Mutating the copy
// does not affect the workspace; use it to derive related workspaces.
func (w *Workspace) Config() Config {
	cfg := w.cfg
	cfg.CoreEnvAllowlist = append([]string(nil), w.cfg.CoreEnvAllowlist...)
	if w.cfg.ExtraEnv != nil {
		cfg.ExtraEnv = make(map[string]string, len(w.cfg.ExtraEnv))
		for k, v := range w.cfg.ExtraEnv {
			cfg.ExtraEnv[k] = v
		}
	}
	return cfg
}

// Platform returns the host platform identifier.
func (w *Workspace) Platform() string {
	return runtime.GOOS
}

// OSVersion returns a human-readable kernel identifier, falling back to the
// platform name when it cannot be determined.
func (w *Workspace) OSVersion() string {
	w.osOnce.Do(func() {
		out, err := exec.Command("uname", "-sr").Output()
		if err != nil {
			w.osVersion = runtime.GOOS + "/" + runtime.GOARCH
			return
		}
		w.osVersion = strings.TrimSpace(string(out))
	})
	return w.osVersion
}

// resolve maps a possibly-relative path onto the working directory.
// Absolute paths are used as given.
func (w *Workspace) resolve(path string) string {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return w.root
	}
	if filepath.IsAbs(clean) {
		return filepath.Clean(clean)
	}
	return filepath.Join(w.root, clean)
}

// ReadFile returns file content. With offset or limit set it returns the
// slice of lines [offset, offset+limit) using 1-based line numbers, joined
// by newlines; limit defaults to DefaultReadLimit. With neither set the raw
// content is returned.
func (w *Workspace) ReadFile(path string, offset, limit int) (string, error) {
	data, err := os.ReadFile(w.resolve(path))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if offset <= 0 && limit <= 0 {
		return string(data), nil
	}
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	lines := strings.Split(string(data), "\n")
	start := offset - 1
	if start >= len(lines) {
		return "", nil
	}
	end := start + limit
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteFile writes UTF-8 content, creating parent directories as needed.
func (w *Workspace) WriteFile(path, content string) error {
	resolved := w.resolve(path)
	if dir := filepath.Dir(resolved); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// FileExists reports whether a path exists.
func (w *Workspace) FileExists(path string) bool {
	_, err := os.Stat(w.resolve(path))
	return err == nil
}

// DirEntry is one row of a directory listing. Size is nil for directories
// and for entries whose metadata could not be read.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  *int64 `json:"size"`
}

// ListDirectory returns a flat listing. depth=1 lists immediate children;
// greater depths recurse, prefixing nested entries with their parent path
// and a slash. A negative depth yields an empty listing; zero means the
// default depth of 1.
func (w *Workspace) ListDirectory(path string, depth int) ([]DirEntry, error) {
	if depth < 0 {
		return []DirEntry{}, nil
	}
	if depth == 0 {
		depth = 1
	}
	return listDir(w.resolve(path), "", depth)
}

func listDir(dir, prefix string, depth int) ([]DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		name := prefix + entry.Name()
		item := DirEntry{Name: name, IsDir: entry.IsDir()}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				size := info.Size()
				item.Size = &size
			}
		}
		out = append(out, item)
		if entry.IsDir() && depth > 1 {
			children, err := listDir(filepath.Join(dir, entry.Name()), name+"/", depth-1)
			if err != nil {
				// Unreadable subdirectories are listed but not descended.
				continue
			}
			out = append(out, children...)
		}
	}
	return out, nil
}
