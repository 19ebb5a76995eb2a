package main

import (
	"fmt"

	bizadmin "github.com/bizadmin-io/bizadmin-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// accounts history
	historyPage    int
	historyPerPage int
	historyAll     bool

	// accounts balances
	balancesType string

	// accounts transactions
	txFilter bizadmin.TransactionFilter
	txType   string
	txDir    string
	txAll    bool

	// clients balances
	clientsFilter bizadmin.ClientBalanceFilter
	clientsPage   int
	clientsAll    bool

	// payments
	paymentsFrom string
	paymentsTo   string
)

func init() {
	rootCmd.AddCommand(accountsCmd, clientsCmd, paymentsCmd)

	accountsCmd.AddCommand(accountsBalanceCmd, accountsHistoryCmd, accountsStatsCmd, accountsSummaryCmd,
		accountsVerifyCmd, accountsRecalculateCmd, accountsBalancesCmd, accountsTransactionsCmd)
	clientsCmd.AddCommand(clientsBalancesCmd, clientsTotalsCmd, clientsUnpaidCmd)
	paymentsCmd.AddCommand(paymentsByMethodCmd, paymentsDailyCmd)

	accountsHistoryCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	accountsHistoryCmd.Flags().IntVarP(&historyPerPage, "per-page", "n", 20, "Transactions per page")
	accountsHistoryCmd.Flags().BoolVar(&historyAll, "all", false, "Load every page")

	accountsBalancesCmd.Flags().StringVar(&balancesType, "type", "", "Only accounts of this type")

	accountsTransactionsCmd.Flags().StringVar(&txType, "type", "", "Account type")
	accountsTransactionsCmd.Flags().StringVar(&txFilter.AccountID, "account", "", "Account id")
	accountsTransactionsCmd.Flags().StringVar(&txDir, "direction", "", "debit or credit")
	accountsTransactionsCmd.Flags().StringVar(&txFilter.RelatedType, "related-type", "", "Related entity type (invoice, payment, ...)")
	accountsTransactionsCmd.Flags().StringVar(&txFilter.DateFrom, "from", "", "Start date (YYYY-MM-DD)")
	accountsTransactionsCmd.Flags().StringVar(&txFilter.DateTo, "to", "", "End date (YYYY-MM-DD)")
	accountsTransactionsCmd.Flags().IntVar(&txFilter.Page, "page", 1, "Page number")
	accountsTransactionsCmd.Flags().IntVarP(&txFilter.PerPage, "per-page", "n", 20, "Transactions per page")
	accountsTransactionsCmd.Flags().BoolVar(&txAll, "all", false, "Load every page")

	clientsBalancesCmd.Flags().StringVar(&clientsFilter.Search, "search", "", "Search by client name")
	clientsBalancesCmd.Flags().StringVar(&clientsFilter.EmployeeUserID, "employee", "", "Only clients of this employee user id")
	clientsBalancesCmd.Flags().IntVarP(&clientsFilter.PerPage, "per-page", "n", 20, "Clients per page")
	clientsBalancesCmd.Flags().IntVar(&clientsPage, "page", 1, "Page number")
	clientsBalancesCmd.Flags().BoolVar(&clientsAll, "all", false, "Load every page")

	for _, c := range []*cobra.Command{paymentsByMethodCmd, paymentsDailyCmd} {
		c.Flags().StringVar(&paymentsFrom, "from", "", "Start date (YYYY-MM-DD)")
		c.Flags().StringVar(&paymentsTo, "to", "", "End date (YYYY-MM-DD)")
	}
}

// ============================================================================
// accounts
// ============================================================================

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Ledger account commands",
}

var accountsBalanceCmd = &cobra.Command{
	Use:   "balance <type> <id>",
	Short: "Show an account balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseAccountType(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		bal, err := client.Accounts.Balance(ctx, t, args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, bal)
		}
		printBalance(cmd, bal)
		return nil
	},
}

func printBalance(cmd *cobra.Command, bal *bizadmin.AccountBalance) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account:   %s/%s\n", bal.AccountType, bal.AccountID)
	fmt.Fprintf(out, "Balance:   %s\n", bal.CurrentBalance.StringFixed(2))
	fmt.Fprintf(out, "Credits:   %s\n", bal.TotalCredits.StringFixed(2))
	fmt.Fprintf(out, "Debits:    %s\n", bal.TotalDebits.StringFixed(2))
	if bal.TotalInvoiced != nil || bal.TotalPaid != nil {
		fmt.Fprintf(out, "Invoiced:  %s\n", optional(bal.TotalInvoiced))
		fmt.Fprintf(out, "Paid:      %s\n", optional(bal.TotalPaid))
	}
	if bal.LastUpdated != "" {
		fmt.Fprintf(out, "Updated:   %s\n", bal.LastUpdated)
	}
}

func printTransactions(cmd *cobra.Command, txs []bizadmin.FinancialTransaction) {
	out := cmd.OutOrStdout()
	if len(txs) == 0 {
		fmt.Fprintln(out, "No transactions.")
		return
	}
	for _, tx := range txs {
		fmt.Fprintf(out, "%-8s %-20s %-6s %12s  balance %12s  %s\n",
			tx.ID, tx.CreatedAt, tx.Direction, tx.Amount.StringFixed(2), tx.BalanceAfter.StringFixed(2), tx.Description)
	}
}

var accountsHistoryCmd = &cobra.Command{
	Use:   "history <type> <id>",
	Short: "List an account's transactions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseAccountType(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if historyAll {
			txs, err := client.Accounts.HistoryPager(t, args[1], historyPerPage).All(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), txs)
			}
			printTransactions(cmd, txs)
			return nil
		}

		page, err := client.Accounts.History(ctx, t, args[1], bizadmin.PageRequest{Page: historyPage, PerPage: historyPerPage})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), page)
		}
		printTransactions(cmd, page.Items)
		printPagination(cmd.OutOrStdout(), page.Pagination)
		return nil
	},
}

var accountsStatsCmd = &cobra.Command{
	Use:   "stats <type> <id>",
	Short: "Show account statistics",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseAccountType(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		stats, err := client.Accounts.Stats(ctx, t, args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, stats)
		}
		fmt.Fprintf(out, "Transactions: %d\n", stats.TotalTransactions)
		fmt.Fprintf(out, "Credits:      %s\n", stats.TotalCredits.StringFixed(2))
		fmt.Fprintf(out, "Debits:       %s\n", stats.TotalDebits.StringFixed(2))
		fmt.Fprintf(out, "Average:      %s\n", stats.AverageTransaction.StringFixed(2))
		if stats.LastTransactionAt != "" {
			fmt.Fprintf(out, "Last:         %s\n", stats.LastTransactionAt)
		}
		return nil
	},
}

var accountsSummaryCmd = &cobra.Command{
	Use:   "summary <type> <id>",
	Short: "Show balance, statistics and recent transactions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseAccountType(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := client.Accounts.Summary(ctx, t, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), s)
		}
		printBalance(cmd, &s.Balance)
		if s.Stats != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Transactions: %d\n", s.Stats.TotalTransactions)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		printTransactions(cmd, s.RecentTransactions)
		return nil
	},
}

var accountsVerifyCmd = &cobra.Command{
	Use:   "verify <type> <id>",
	Short: "Check the stored balance against the transaction log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseAccountType(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := client.Accounts.Verify(ctx, t, args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, res)
		}
		status := "OK"
		if !res.IsValid {
			status = "MISMATCH"
		}
		fmt.Fprintf(out, "Status:     %s\n", status)
		fmt.Fprintf(out, "Stored:     %s\n", res.StoredBalance.StringFixed(2))
		fmt.Fprintf(out, "Calculated: %s\n", res.CalculatedBalance.StringFixed(2))
		fmt.Fprintf(out, "Difference: %s\n", res.Difference.StringFixed(2))
		return nil
	},
}

var accountsRecalculateCmd = &cobra.Command{
	Use:   "recalculate <type> <id>",
	Short: "Rebuild the stored balance from the transaction log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseAccountType(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := client.Accounts.Recalculate(ctx, t, args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Old balance: %s\n", res.OldBalance.StringFixed(2))
		fmt.Fprintf(out, "New balance: %s\n", res.NewBalance.StringFixed(2))
		return nil
	},
}

var accountsBalancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "List account balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		var t bizadmin.AccountType
		if balancesType != "" {
			var err error
			if t, err = parseAccountType(balancesType); err != nil {
				return err
			}
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		balances, err := client.Accounts.Balances(ctx, t)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, balances)
		}
		if len(balances) == 0 {
			fmt.Fprintln(out, "No accounts.")
			return nil
		}
		for _, b := range balances {
			fmt.Fprintf(out, "%-9s %-8s %14s\n", b.AccountType, b.AccountID, b.CurrentBalance.StringFixed(2))
		}
		return nil
	},
}

var accountsTransactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Search ledger transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := txFilter
		if txType != "" {
			t, err := parseAccountType(txType)
			if err != nil {
				return err
			}
			f.AccountType = t
		}
		switch bizadmin.Direction(txDir) {
		case "", bizadmin.Debit, bizadmin.Credit:
			f.Direction = bizadmin.Direction(txDir)
		default:
			return fmt.Errorf("invalid direction %q (valid: debit, credit)", txDir)
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if txAll {
			txs, err := client.Accounts.TransactionsPager(f).All(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), txs)
			}
			printTransactions(cmd, txs)
			return nil
		}

		page, err := client.Accounts.Transactions(ctx, f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), page)
		}
		printTransactions(cmd, page.Items)
		printPagination(cmd.OutOrStdout(), page.Pagination)
		return nil
	},
}

// ============================================================================
// clients
// ============================================================================

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Client account commands",
}

func printClientBalances(cmd *cobra.Command, items []bizadmin.ClientBalance) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No clients.")
		return
	}
	for _, c := range items {
		fmt.Fprintf(out, "%-8s %-30s balance %12s  invoiced %12s  paid %12s\n",
			c.ClientID, c.ClientName, c.CurrentBalance.StringFixed(2), c.TotalInvoiced.StringFixed(2), c.TotalPaid.StringFixed(2))
	}
}

var clientsBalancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "List client balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if clientsAll {
			items, err := client.Accounts.ClientBalancesPager(clientsFilter).All(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), items)
			}
			printClientBalances(cmd, items)
			return nil
		}

		page, err := client.Accounts.ClientBalances(ctx, clientsFilter, bizadmin.PageRequest{Page: clientsPage})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), page)
		}
		printClientBalances(cmd, page.Items)
		printPagination(cmd.OutOrStdout(), page.Pagination)
		return nil
	},
}

var clientsTotalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Show totals across all clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		totals, err := client.Accounts.ClientTotals(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, totals)
		}
		fmt.Fprintf(out, "Clients:  %d\n", totals.TotalClients)
		fmt.Fprintf(out, "Balance:  %s\n", totals.TotalBalance.StringFixed(2))
		fmt.Fprintf(out, "Invoiced: %s\n", totals.TotalInvoiced.StringFixed(2))
		fmt.Fprintf(out, "Paid:     %s\n", totals.TotalPaid.StringFixed(2))
		return nil
	},
}

var clientsUnpaidCmd = &cobra.Command{
	Use:   "unpaid",
	Short: "Show the total amount clients still owe",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		unpaid, err := client.Accounts.TotalUnpaid(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, unpaid)
		}
		fmt.Fprintf(out, "Unpaid:  %s (%d clients)\n", unpaid.TotalUnpaid.StringFixed(2), unpaid.ClientsWithBalance)
		return nil
	},
}

// ============================================================================
// payments
// ============================================================================

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Payment statistics",
}

var paymentsByMethodCmd = &cobra.Command{
	Use:   "by-method",
	Short: "Group payments by payment method",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		stats, err := client.Accounts.PaymentStatsByMethod(ctx, paymentsFrom, paymentsTo)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, stats)
		}
		for _, s := range stats {
			fmt.Fprintf(out, "%-16s %6d %14s\n", s.PaymentMethod, s.Count, s.Total.StringFixed(2))
		}
		return nil
	},
}

var paymentsDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Sum payments per day",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		totals, err := client.Accounts.DailyTotals(ctx, paymentsFrom, paymentsTo)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, totals)
		}
		for _, d := range totals {
			fmt.Fprintf(out, "%-10s %6d %14s\n", d.Date, d.Count, d.Total.StringFixed(2))
		}
		return nil
	},
}
