package main

import (
	"fmt"

	bizadmin "github.com/bizadmin-io/bizadmin-go"
	"github.com/spf13/cobra"
)

var (
	ledgerDescription string
	ledgerDate        string
	ledgerRelatedID   string
	ledgerRelatedType string
	ledgerMonth       string
	ledgerCategory    string
	ledgerSource      string
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerCommissionCmd, ledgerSalaryCmd, ledgerExpenseCmd, ledgerIncomeCmd)

	for _, c := range []*cobra.Command{ledgerCommissionCmd, ledgerSalaryCmd, ledgerExpenseCmd, ledgerIncomeCmd} {
		c.Flags().StringVarP(&ledgerDescription, "description", "d", "", "Entry description")
		c.Flags().StringVar(&ledgerDate, "date", "", "Entry date (YYYY-MM-DD, defaults to today on the server)")
	}
	ledgerCommissionCmd.Flags().StringVar(&ledgerRelatedID, "related-id", "", "Related entity id (e.g. invoice)")
	ledgerCommissionCmd.Flags().StringVar(&ledgerRelatedType, "related-type", "", "Related entity type")
	ledgerSalaryCmd.Flags().StringVar(&ledgerMonth, "month", "", "Salary month (YYYY-MM)")
	ledgerExpenseCmd.Flags().StringVar(&ledgerCategory, "category", "", "Expense category")
	ledgerIncomeCmd.Flags().StringVar(&ledgerSource, "source", "", "Income source")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Record ledger entries",
	Long:  "Record commissions, salaries, expenses and income. Affected balances and histories are refreshed on success.",
}

func printLedgerEntry(cmd *cobra.Command, res *bizadmin.LedgerEntryResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}
	if tx := res.Transaction; tx != nil {
		fmt.Fprintf(out, "Recorded transaction %s: %s %s on %s/%s\n",
			tx.ID, tx.Direction, tx.Amount.StringFixed(2), tx.AccountType, tx.AccountID)
	} else {
		fmt.Fprintln(out, "Recorded.")
	}
	if bal := res.Balance; bal != nil {
		fmt.Fprintf(out, "New balance: %s\n", bal.CurrentBalance.StringFixed(2))
	}
	return nil
}

var ledgerCommissionCmd = &cobra.Command{
	Use:   "commission <employee-id> <amount>",
	Short: "Credit a commission to an employee",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := client.Accounts.RecordCommission(ctx, args[0], bizadmin.CommissionInput{
			Amount:      amount,
			Description: ledgerDescription,
			RelatedID:   ledgerRelatedID,
			RelatedType: ledgerRelatedType,
			Date:        ledgerDate,
		})
		if err != nil {
			return err
		}
		return printLedgerEntry(cmd, res)
	},
}

var ledgerSalaryCmd = &cobra.Command{
	Use:   "salary <employee-id> <amount>",
	Short: "Record a salary payment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := client.Accounts.RecordSalary(ctx, args[0], bizadmin.SalaryInput{
			Amount:      amount,
			Description: ledgerDescription,
			Month:       ledgerMonth,
			Date:        ledgerDate,
		})
		if err != nil {
			return err
		}
		return printLedgerEntry(cmd, res)
	},
}

var ledgerExpenseCmd = &cobra.Command{
	Use:   "expense <amount>",
	Short: "Record a company expense",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := client.Accounts.RecordExpense(ctx, bizadmin.ExpenseInput{
			Amount:      amount,
			Description: ledgerDescription,
			Category:    ledgerCategory,
			Date:        ledgerDate,
		})
		if err != nil {
			return err
		}
		return printLedgerEntry(cmd, res)
	},
}

var ledgerIncomeCmd = &cobra.Command{
	Use:   "income <amount>",
	Short: "Record company income",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[0])
		if err != nil {
			return err
		}
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := client.Accounts.RecordIncome(ctx, bizadmin.IncomeInput{
			Amount:      amount,
			Description: ledgerDescription,
			Source:      ledgerSource,
			Date:        ledgerDate,
		})
		if err != nil {
			return err
		}
		return printLedgerEntry(cmd, res)
	},
}
