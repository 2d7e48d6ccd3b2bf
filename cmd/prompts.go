package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/edaloom/internal/prompts"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect the prompt templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List template names and their variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := promptCatalog()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range cat.Names() {
			t, err := cat.Get(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-20s vars: %s\n", name, strings.Join(t.Vars, ", "))
			if t.Description != "" {
				fmt.Fprintf(out, "%-20s %s\n", "", t.Description)
			}
		}
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a template's text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := promptCatalog()
		if err != nil {
			return err
		}
		t, err := cat.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(t.Text, "\n"))
		return nil
	},
}

// promptCatalog honors prompts_file when a config is loaded.
func promptCatalog() (*prompts.Catalog, error) {
	if cfg == nil {
		return prompts.Default(), nil
	}
	return prompts.Load(cfg.PromptsFile)
}

func init() {
	rootCmd.AddCommand(promptsCmd)
	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd)
}
