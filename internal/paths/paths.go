// Package paths resolves where pollcount looks for its configuration file
// and where a run writes its outputs.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultOutDirName is the CWD-relative output directory used when nothing
// else names one.
const DefaultOutDirName = "pollcount-out"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "POLLCOUNT_CONFIG_DIR"
	EnvOutDir    = "POLLCOUNT_OUT_DIR"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform-specific default configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/pollcount (fallback ~/.config/pollcount)
// macOS:   ~/Library/Application Support/pollcount
// Windows: %APPDATA%/pollcount
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "pollcount"), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "pollcount"), nil
	default:
		// macOS and Windows use os.UserConfigDir which returns
		// ~/Library/Application Support on macOS and %APPDATA% on Windows.
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "pollcount"), nil
	}
}

// ResolveConfigDir returns the configuration directory following the
// precedence chain: flag > POLLCOUNT_CONFIG_DIR env > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveOutDir returns the output directory following the precedence chain:
// flag > config-file value > POLLCOUNT_OUT_DIR env > $(CWD)/pollcount-out.
//
// Outputs default to a CWD-relative directory rather than a platform data
// directory: a run's artifacts belong next to the analysis that produced
// them.
func ResolveOutDir(flag, configValue string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if configValue != "" {
		return filepath.Abs(configValue)
	}
	if env := os.Getenv(EnvOutDir); env != "" {
		return filepath.Abs(env)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultOutDirName), nil
}
