// Run command for the pollcount CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgray-lab/pollcount/internal/paths"
	"github.com/dgray-lab/pollcount/internal/pipeline"
	"github.com/dgray-lab/pollcount/pkg/types"
)

var (
	flagInsects            string
	flagFlowers            string
	flagSpecimens          string
	flagOut                string
	flagReferenceBlock     string
	flagReferenceTreatment string
	flagDatePolicy         string
	flagNoPlots            bool
	flagNoArchive          bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full analysis: join, clean, fit, compare, predict",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig()
		if err != nil {
			return err
		}

		res, err := pipeline.Run(cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := pipeline.Write(res, cfg, cmd.OutOrStdout()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\noutputs written to %s\n", cfg.OutDir)
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&flagInsects, "insects", "", "insect counts CSV")
	f.StringVar(&flagFlowers, "flowers", "", "flower counts XLSX")
	f.StringVar(&flagSpecimens, "specimens", "", "specimen identifications XLSX")
	f.StringVar(&flagOut, "out", "", "output directory (default: ./"+paths.DefaultOutDirName+")")
	f.StringVar(&flagReferenceBlock, "reference-block", "", "reference level for the block factor")
	f.StringVar(&flagReferenceTreatment, "reference-treatment", "", "reference level for the treatment factor")
	f.StringVar(&flagDatePolicy, "date-policy", "", "unparseable dates: fail or drop (default: fail)")
	f.BoolVar(&flagNoPlots, "no-plots", false, "skip diagnostic and prediction plots")
	f.BoolVar(&flagNoArchive, "no-archive", false, "skip the sqlite run archive")
}

// buildConfig merges flags over config-file values into a validated run
// config. Flags win; the config file fills what flags leave empty.
func buildConfig() (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(flagConfigDir)
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return types.Config{}, err
	}

	pick := func(flag, key string) string {
		if flag != "" {
			return flag
		}
		return v.GetString(key)
	}

	outDir, err := paths.ResolveOutDir(flagOut, v.GetString(cfgKeyOutDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve output dir: %w", err)
	}

	cfg := types.Config{
		InsectsPath:         pick(flagInsects, cfgKeyInsects),
		FlowersPath:         pick(flagFlowers, cfgKeyFlowers),
		SpecimensPath:       pick(flagSpecimens, cfgKeySpecimens),
		OutDir:              outDir,
		ReferenceBlock:      pick(flagReferenceBlock, cfgKeyReferenceBlock),
		ReferenceTreatment:  pick(flagReferenceTreatment, cfgKeyReferenceTreatment),
		DatePolicy:          pick(flagDatePolicy, cfgKeyDatePolicy),
		DispersionThreshold: v.GetFloat64(cfgKeyDispersionThreshold),
		Plots:               v.GetBool(cfgKeyPlots) && !flagNoPlots,
		Archive:             v.GetBool(cfgKeyArchive) && !flagNoArchive,
	}

	if err := cfg.Validate(); err != nil {
		return types.Config{}, &flagError{err: err}
	}
	for _, p := range []string{cfg.InsectsPath, cfg.FlowersPath, cfg.SpecimensPath} {
		if _, err := os.Stat(p); err != nil {
			return types.Config{}, &flagError{err: fmt.Errorf("%w: %s", types.ErrFileNotFound, p)}
		}
	}
	return cfg, nil
}
