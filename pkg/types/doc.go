// Package types defines the run configuration, sentinel errors, and shared
// record types for the pollcount analysis pipeline.
package types
