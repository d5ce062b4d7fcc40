// Config loading for the pollcount CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/dgray-lab/pollcount/pkg/types"
)

const (
	configFileName = "pollcount"
	configFileType = "yaml"
	configFileExt  = "pollcount.yaml"

	// Config keys. Every run flag has a key here so a fixed analysis can
	// be captured in a file and re-run without flags.
	cfgKeyInsects             = "insects"
	cfgKeyFlowers             = "flowers"
	cfgKeySpecimens           = "specimens"
	cfgKeyOutDir              = "out_dir"
	cfgKeyReferenceBlock      = "reference_block"
	cfgKeyReferenceTreatment  = "reference_treatment"
	cfgKeyDatePolicy          = "date_policy"
	cfgKeyDispersionThreshold = "dispersion_threshold"
	cfgKeyPlots               = "plots"
	cfgKeyArchive             = "archive"
)

// defaultConfigYAML is written to pollcount.yaml on first run.
const defaultConfigYAML = `# pollcount configuration
# Every key mirrors a "pollcount run" flag; flags win over file values.

# Input files
# insects:    insects.csv
# flowers:    flowers.xlsx
# specimens:  specimens.xlsx

# Output directory (default: ./pollcount-out)
# out_dir:

# Reference levels for model coefficients (default: first level in sorted order)
# reference_block:
# reference_treatment:

# What to do with unparseable dates: fail or drop
date_policy: fail

# Dispersion ratio above which the run warns about overdispersion
dispersion_threshold: 1.2

plots: true
archive: true
`

// loadConfig reads pollcount.yaml from the resolved config directory. The
// directory and a commented default file are created on first run; a missing
// file is not an error.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := ensureConfigDir(configDir); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyDatePolicy, types.DatePolicyFail)
	v.SetDefault(cfgKeyDispersionThreshold, types.DefaultDispersionThreshold)
	v.SetDefault(cfgKeyPlots, true)
	v.SetDefault(cfgKeyArchive, true)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("POLLCOUNT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func ensureConfigDir(configDir string) error {
	return os.MkdirAll(configDir, 0o755)
}

// ensureDefaultConfigFile creates a commented pollcount.yaml if none exists.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
