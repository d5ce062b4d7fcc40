package types

import "errors"

// Date-parse policies. DatePolicyFail aborts the run on the first malformed
// date; DatePolicyDrop drops the offending rows and records them in the
// cleaning log.
const (
	DatePolicyFail = "fail"
	DatePolicyDrop = "drop"
)

// DateLayout is the fixed ddMMMyyyy layout used by the Date column in all
// three input files, e.g. "01Jan2024".
const DateLayout = "02Jan2006"

// Config validation errors.
var (
	ErrInsectsPathEmpty   = errors.New("insects path must not be empty")
	ErrFlowersPathEmpty   = errors.New("flowers path must not be empty")
	ErrSpecimensPathEmpty = errors.New("specimens path must not be empty")
	ErrOutDirEmpty        = errors.New("output directory must not be empty")
	ErrDatePolicyUnknown  = errors.New("unknown date policy")
	ErrDispersionInvalid  = errors.New("dispersion threshold must be positive")
)

// knownDatePolicies lists the policies that Validate accepts.
var knownDatePolicies = map[string]bool{
	DatePolicyFail: true,
	DatePolicyDrop: true,
}

// Config holds the inputs, output locations, and modeling parameters for a
// single analysis run.
type Config struct {
	// Input files.
	InsectsPath   string `json:"insects" yaml:"insects"`     // CSV of insect counts
	FlowersPath   string `json:"flowers" yaml:"flowers"`     // XLSX of flower counts
	SpecimensPath string `json:"specimens" yaml:"specimens"` // XLSX of specimen identifications

	// Output directory for joined tables, plots, and the run archive.
	OutDir string `json:"out_dir" yaml:"out_dir"`

	// Reference levels for the categorical factors. Empty means the first
	// level in sorted label order, which is then printed so the choice is
	// visible rather than implicit.
	ReferenceBlock     string `json:"reference_block" yaml:"reference_block"`
	ReferenceTreatment string `json:"reference_treatment" yaml:"reference_treatment"`

	// DatePolicy controls what happens when a Date value fails to parse:
	// "fail" (default) or "drop".
	DatePolicy string `json:"date_policy" yaml:"date_policy"`

	// DispersionThreshold is the Pearson dispersion ratio above which the
	// report flags overdispersion. Zero selects the default of 1.2.
	DispersionThreshold float64 `json:"dispersion_threshold" yaml:"dispersion_threshold"`

	// Plots disables plot rendering when false; Archive disables the sqlite
	// run archive when false.
	Plots   bool `json:"plots" yaml:"plots"`
	Archive bool `json:"archive" yaml:"archive"`
}

// DefaultDispersionThreshold flags overdispersion when the Pearson ratio
// exceeds it materially.
const DefaultDispersionThreshold = 1.2

// Validate checks that the Config is well-formed. It returns a sentinel
// error from this package on failure.
func (c Config) Validate() error {
	if c.InsectsPath == "" {
		return ErrInsectsPathEmpty
	}
	if c.FlowersPath == "" {
		return ErrFlowersPathEmpty
	}
	if c.SpecimensPath == "" {
		return ErrSpecimensPathEmpty
	}
	if c.OutDir == "" {
		return ErrOutDirEmpty
	}
	if c.DatePolicy != "" && !knownDatePolicies[c.DatePolicy] {
		return ErrDatePolicyUnknown
	}
	if c.DispersionThreshold < 0 {
		return ErrDispersionInvalid
	}
	return nil
}

// EffectiveDatePolicy returns the configured date policy, defaulting to fail.
func (c Config) EffectiveDatePolicy() string {
	if c.DatePolicy == "" {
		return DatePolicyFail
	}
	return c.DatePolicy
}

// EffectiveDispersionThreshold returns the configured threshold or the default.
func (c Config) EffectiveDispersionThreshold() float64 {
	if c.DispersionThreshold == 0 {
		return DefaultDispersionThreshold
	}
	return c.DispersionThreshold
}
