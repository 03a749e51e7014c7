package main

import (
	"fmt"
	"os"
	"strings"

	"redcapaudit/internal/naming"
	"redcapaudit/internal/obsgen"

	"github.com/spf13/cobra"
)

var (
	generateOnly []string
	generateOut  string
)

var generateCmd = &cobra.Command{
	Use:   "generate <template.csv>",
	Short: "Generate observation instruments from the template rows",
	Long: `Reads the ob_template rows of a REDCap data dictionary and writes a copy
for every observation instance, renaming ob_template to the instance and each
_template field suffix to the instance suffix.`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringSliceVar(&generateOnly, "only", nil, "Instances to generate (default: all but the template)")
	generateCmd.Flags().StringVarP(&generateOut, "output", "o", "", "Write to this file instead of stdout")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	family, err := naming.NewFamily(cfg.Family.Prefix, cfg.Family.Suffixes)
	if err != nil {
		return err
	}

	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	var members []naming.ID
	for _, id := range generateOnly {
		id = strings.TrimSpace(id)
		if !strings.Contains(id, "_") {
			id = string(family.ID(id))
		}
		members = append(members, naming.ID(id))
	}

	out := cmd.OutOrStdout()
	if generateOut != "" {
		f, err := os.Create(generateOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if err := obsgen.New(family).Generate(out, in, members); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
