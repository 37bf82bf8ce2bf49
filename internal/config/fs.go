package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the directories PPE reads tools from and writes logs
// to, plus the config file path, all relative to a single root. The
// original tool located its root by walking up from __file__ until it
// found a directory named "ppe"; Go binaries have no equivalent, so the
// root is instead taken from PPE_HOME, falling back to the directory
// containing the running executable.
type Layout struct {
	Root string
}

// NewLayout resolves PPE_HOME, or the executable's directory if unset.
func NewLayout() (*Layout, error) {
	if root := os.Getenv("PPE_HOME"); root != "" {
		return &Layout{Root: root}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving PPE_HOME: PPE_HOME is unset and executable path could not be determined: %w", err)
	}
	return &Layout{Root: filepath.Dir(exe)}, nil
}

// ConfigPath returns the path to the JSON config file, overridable via
// PPE_CONFIG_PATH.
func (l *Layout) ConfigPath() string {
	if p := os.Getenv("PPE_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(l.Root, "assets", "config.json")
}

// ToolDir returns the directory tools are resolved against, creating it
// if necessary. Overridable via PPE_TOOL_DIR.
func (l *Layout) ToolDir() (string, error) {
	dir := os.Getenv("PPE_TOOL_DIR")
	if dir == "" {
		dir = filepath.Join(l.Root, "tools")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating tool dir %s: %w", dir, err)
	}
	return dir, nil
}

// LogDir returns the directory rotated log files are written to,
// creating it if necessary. Overridable via PPE_LOG_DIR.
func (l *Layout) LogDir() (string, error) {
	dir := os.Getenv("PPE_LOG_DIR")
	if dir == "" {
		dir = filepath.Join(l.Root, "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir %s: %w", dir, err)
	}
	return dir, nil
}
