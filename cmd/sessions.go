package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/edaloom/internal/session"
)

var (
	sessionsJSON      bool
	sessionsOlderThan time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage stored analysis sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sessionStore()
		if err != nil {
			return err
		}
		list := store.List()
		out := cmd.OutOrStdout()
		if sessionsJSON {
			return emitJSON(cmd, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions")
			return nil
		}
		for _, s := range list {
			steps := "-"
			if len(s.Steps) > 0 {
				steps = strings.Join(s.Steps, ",")
			}
			fmt.Fprintf(out, "%s  %-24s  %s  %s\n", s.ID, s.FileName, s.UpdatedAt.Local().Format(time.DateTime), steps)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sessionStore()
		if err != nil {
			return err
		}
		s, err := store.Get(args[0])
		if err != nil {
			return err
		}
		return emitJSON(cmd, s)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sessionStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted session %s\n", args[0])
		return nil
	},
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete sessions not updated within --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		store, err := sessionStore()
		if err != nil {
			return err
		}
		n := store.PurgeOlderThan(sessionsOlderThan)
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Purged %d session(s)\n", n)
		return nil
	},
}

func sessionStore() (*session.Store, error) {
	c, err := requireConfig()
	if err != nil {
		return nil, err
	}
	return openStore(c)
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsPurgeCmd)
	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print the listing as JSON")
	sessionsPurgeCmd.Flags().DurationVar(&sessionsOlderThan, "older-than", 24*time.Hour, "age threshold, e.g. 2h or 72h")
}
