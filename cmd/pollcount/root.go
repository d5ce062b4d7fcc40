// Root command for the pollcount CLI.
package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dgray-lab/pollcount/internal/pipeline"
)

// Exit codes: user errors (bad flags, malformed inputs) and system errors
// (modeling failures, I/O) are distinguished for scripting.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// Global flag values.
var (
	flagConfigDir string
)

var rootCmd = &cobra.Command{
	Use:           "pollcount",
	Short:         "Pollcount models pollinator counts from field-survey spreadsheets",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config", "",
		"configuration directory (default: platform config dir, see pollcount.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitCode maps an error to the CLI's exit code contract.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var flagErr *flagError
	if errors.As(err, &flagErr) || pipeline.IsSchemaError(err) {
		return exitUserError
	}
	return exitSysError
}

// flagError marks a user mistake in flags or config values.
type flagError struct{ err error }

func (e *flagError) Error() string { return e.err.Error() }
func (e *flagError) Unwrap() error { return e.err }
