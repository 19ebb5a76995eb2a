package main

import (
	"fmt"

	bizadmin "github.com/bizadmin-io/bizadmin-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var dashboardRecent int

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().IntVarP(&dashboardRecent, "recent", "n", 5, "Number of recent messages to show")
}

type dashboard struct {
	Company  []bizadmin.AccountBalance    `json:"company"`
	Clients  *bizadmin.ClientTotals       `json:"clients"`
	Unpaid   *bizadmin.UnpaidTotal        `json:"unpaid"`
	Payments []bizadmin.PaymentMethodStat `json:"payments_by_method"`
	Messages []bizadmin.RecentMessage     `json:"recent_messages"`
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Company balance, client totals and recent activity at a glance",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var d dashboard
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			d.Company, err = client.Accounts.Balances(gctx, bizadmin.AccountCompany)
			return err
		})
		g.Go(func() (err error) {
			d.Clients, err = client.Accounts.ClientTotals(gctx)
			return err
		})
		g.Go(func() (err error) {
			d.Unpaid, err = client.Accounts.TotalUnpaid(gctx)
			return err
		})
		g.Go(func() (err error) {
			d.Payments, err = client.Accounts.PaymentStatsByMethod(gctx, "", "")
			return err
		})
		g.Go(func() (err error) {
			d.Messages, err = client.Messages.Recent(gctx, dashboardRecent)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, d)
		}
		fmt.Fprintln(out, "Company:")
		for _, b := range d.Company {
			fmt.Fprintf(out, "  %-8s  %s\n", b.AccountID, b.CurrentBalance.StringFixed(2))
		}
		fmt.Fprintln(out, "Clients:")
		fmt.Fprintf(out, "  Count:    %d\n", d.Clients.TotalClients)
		fmt.Fprintf(out, "  Balance:  %s\n", d.Clients.TotalBalance.StringFixed(2))
		fmt.Fprintf(out, "  Unpaid:   %s (%d clients)\n", d.Unpaid.TotalUnpaid.StringFixed(2), d.Unpaid.ClientsWithBalance)
		if len(d.Payments) > 0 {
			fmt.Fprintln(out, "Payments:")
			for _, p := range d.Payments {
				fmt.Fprintf(out, "  %-16s %6d %14s\n", p.PaymentMethod, p.Count, p.Total.StringFixed(2))
			}
		}
		if len(d.Messages) > 0 {
			fmt.Fprintln(out, "Recent messages:")
			for _, m := range d.Messages {
				fmt.Fprintf(out, "  #%-6d %s: %s\n", m.TaskID, m.EmployeeName, m.MessageContent)
			}
		}
		return nil
	},
}
