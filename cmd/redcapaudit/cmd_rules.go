package main

import (
	"fmt"
	"text/tabwriter"

	"redcapaudit/internal/rules"

	"github.com/spf13/cobra"
)

var rulesCategory string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the rule catalogue for the configured family",
	Args:  cobra.NoArgs,
	RunE:  listRules,
}

func init() {
	rulesCmd.Flags().StringVar(&rulesCategory, "category", "", "Only list rules in this category")
}

func listRules(cmd *cobra.Command, args []string) error {
	env, err := rules.NewEnv(nil, cfg)
	if err != nil {
		return err
	}
	catalogue := rules.Select(rules.Catalogue(env), "", rules.Category(rulesCategory))

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tDESCRIPTION")
	for _, r := range catalogue {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Category, r.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d rules\n", len(catalogue))
	return nil
}
