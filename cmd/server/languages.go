package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sakif/runbox/internal/language"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "Print the effective language table",
	Long: `Print the built-in language table merged with the config file's languages
block, as YAML. The output can be pasted back into runbox.yaml as a starting
point for overrides.`,
	RunE: runLanguages,
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}

func runLanguages(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	defs := language.Merge(language.DefaultDefinitions(), cfg.Languages)
	out, err := yaml.Marshal(map[string][]language.Definition{"languages": defs})
	if err != nil {
		return fmt.Errorf("encoding languages: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
