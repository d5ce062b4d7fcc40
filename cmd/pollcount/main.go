// Package main provides the pollcount CLI: load the field-survey tables,
// clean and join them, fit the candidate Poisson models, and report the
// selected model's comparisons and predictions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
