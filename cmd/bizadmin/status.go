package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and API reachability",
	Long:  "Display the current configuration, the invalidation table in use, and check the API with a live request.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Fprintf(out, "  Timeout:     %s\n", valueOrDefault(cfg.Default.Timeout, "(default)"))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Identity:")
		if cfg.Identity.EmployeeName != "" || cfg.Identity.EmployeeID != 0 {
			fmt.Fprintf(out, "  Employee:    %s (id %d)\n", valueOrDefault(cfg.Identity.EmployeeName, "You"), cfg.Identity.EmployeeID)
		} else {
			fmt.Fprintln(out, "  Employee:    (not set)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Cache:")
		fmt.Fprintf(out, "  Stale time:  %s\n", valueOrDefault(cfg.Cache.StaleTime, "0s"))
		fmt.Fprintf(out, "  Table file:  %s\n", valueOrDefault(cfg.Cache.InvalidationFile, "(built-in)"))

		if cfg.Default.Token == "" {
			return nil
		}

		client, _, err := newClient()
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Mutations:   %d kinds\n", len(client.InvalidationTable()))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := commandContext(cmd)
		defer cancel()

		totals, err := client.Accounts.ClientTotals(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching client totals: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "  API:         reachable")
		fmt.Fprintf(out, "  Clients:     %d\n", totals.TotalClients)
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
