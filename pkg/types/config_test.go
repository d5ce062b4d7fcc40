package types

import (
	"errors"
	"testing"
)

func validConfig() Config {
	return Config{
		InsectsPath:   "insects.csv",
		FlowersPath:   "flowers.xlsx",
		SpecimensPath: "specimens.xlsx",
		OutDir:        "out",
		Plots:         true,
		Archive:       true,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty insects path",
			mutate:  func(c *Config) { c.InsectsPath = "" },
			wantErr: ErrInsectsPathEmpty,
		},
		{
			name:    "empty flowers path",
			mutate:  func(c *Config) { c.FlowersPath = "" },
			wantErr: ErrFlowersPathEmpty,
		},
		{
			name:    "empty specimens path",
			mutate:  func(c *Config) { c.SpecimensPath = "" },
			wantErr: ErrSpecimensPathEmpty,
		},
		{
			name:    "empty out dir",
			mutate:  func(c *Config) { c.OutDir = "" },
			wantErr: ErrOutDirEmpty,
		},
		{
			name:    "unknown date policy",
			mutate:  func(c *Config) { c.DatePolicy = "ignore" },
			wantErr: ErrDatePolicyUnknown,
		},
		{
			name:   "explicit fail policy accepted",
			mutate: func(c *Config) { c.DatePolicy = DatePolicyFail },
		},
		{
			name:   "explicit drop policy accepted",
			mutate: func(c *Config) { c.DatePolicy = DatePolicyDrop },
		},
		{
			name:    "negative dispersion threshold",
			mutate:  func(c *Config) { c.DispersionThreshold = -0.5 },
			wantErr: ErrDispersionInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigEffectiveDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.EffectiveDatePolicy(); got != DatePolicyFail {
		t.Fatalf("default date policy: got %q, want %q", got, DatePolicyFail)
	}
	if got := cfg.EffectiveDispersionThreshold(); got != DefaultDispersionThreshold {
		t.Fatalf("default dispersion threshold: got %v, want %v", got, DefaultDispersionThreshold)
	}

	cfg.DatePolicy = DatePolicyDrop
	cfg.DispersionThreshold = 2.0
	if got := cfg.EffectiveDatePolicy(); got != DatePolicyDrop {
		t.Fatalf("explicit date policy: got %q", got)
	}
	if got := cfg.EffectiveDispersionThreshold(); got != 2.0 {
		t.Fatalf("explicit dispersion threshold: got %v", got)
	}
}
