// Package integration provides shared helpers for end-to-end CLI tests.
package integration

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// pollcountBin is the path to the binary built by TestMain.
var pollcountBin string

// buildErr records a TestMain build failure so tests can report it.
var buildErr error

// SetPollcountBin records the binary path for test helpers.
func SetPollcountBin(path string) { pollcountBin = path }

// SetBuildErr records a build failure from TestMain.
func SetBuildErr(err error) { buildErr = err }

// BuildError wraps a go build failure with its output.
type BuildError struct {
	Err    error
	Output string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed: %v\n%s", e.Err, e.Output)
}

// FindProjectRoot walks up from the working directory to the module root.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// RunResult captures one CLI invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// TestEnv is an isolated working directory plus config directory for one
// test, so runs never share state through the platform config dir.
type TestEnv struct {
	t         *testing.T
	WorkDir   string
	ConfigDir string
}

// NewTestEnv creates an isolated environment rooted in t.TempDir().
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if buildErr != nil {
		t.Fatalf("pollcount binary unavailable: %v", buildErr)
	}
	base := t.TempDir()
	env := &TestEnv{
		t:         t,
		WorkDir:   filepath.Join(base, "work"),
		ConfigDir: filepath.Join(base, "config"),
	}
	for _, d := range []string{env.WorkDir, env.ConfigDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return env
}

// RunPollcount invokes the binary with args inside the environment.
func (e *TestEnv) RunPollcount(args ...string) RunResult {
	e.t.Helper()

	cmd := exec.Command(pollcountBin, args...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), "POLLCOUNT_CONFIG_DIR="+e.ConfigDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			e.t.Fatalf("run pollcount %v: %v", args, err)
		}
	}
	return res
}

// MustRunPollcount runs the binary and fails the test on a nonzero exit.
func (e *TestEnv) MustRunPollcount(args ...string) RunResult {
	e.t.Helper()
	res := e.RunPollcount(args...)
	if res.ExitCode != 0 {
		e.t.Fatalf("pollcount %v exited %d\nstdout: %s\nstderr: %s",
			args, res.ExitCode, res.Stdout, res.Stderr)
	}
	return res
}
