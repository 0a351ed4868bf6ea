package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kurtbell87/master-kit/internal/capsule"
	"github.com/kurtbell87/master-kit/internal/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check capsule and manifest files",
	Long: `Validate handoff artifacts against their format contracts.

Examples:
  mk validate capsule .masterkit/runs/<run-id>/artifacts/capsule.md
  mk validate manifest .masterkit/runs/<run-id>/manifest.json`,
}

var validateCapsuleCmd = &cobra.Command{
	Use:   "capsule <path>",
	Short: "Validate a capsule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := capsule.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("capsule invalid: %w", err)
		}
		fmt.Printf("ok: %s%s\n", args[0], syntheticNote(c.Synthetic))
		return nil
	},
}

var validateManifestCmd = &cobra.Command{
	Use:   "manifest <path>",
	Short: "Validate a manifest file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Read(args[0])
		if err != nil {
			return fmt.Errorf("manifest invalid: %w", err)
		}
		if err := manifest.Validate(m); err != nil {
			return fmt.Errorf("manifest invalid: %w", err)
		}
		fmt.Printf("ok: %s (%d artifacts, %d omitted)\n", args[0], len(m.Artifacts), m.OmittedCount)
		return nil
	},
}

func init() {
	validateCmd.AddCommand(validateCapsuleCmd)
	validateCmd.AddCommand(validateManifestCmd)
	rootCmd.AddCommand(validateCmd)
}
