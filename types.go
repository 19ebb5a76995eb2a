package bizadmin

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Shared Types
// ============================================================================

// ID is a server identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// AccountType identifies which ledger an account belongs to.
type AccountType string

const (
	AccountClient   AccountType = "client"
	AccountEmployee AccountType = "employee"
	AccountCompany  AccountType = "company"
)

func (t AccountType) Validate() error {
	switch t {
	case AccountClient, AccountEmployee, AccountCompany:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidAccountType, string(t))
}

// ============================================================================
// Ledger Types
// ============================================================================

// AccountBalance is the server-reported running aggregate of an account.
// CurrentBalance is authoritative and is never derived from credits/debits.
type AccountBalance struct {
	AccountType    AccountType      `json:"account_type"`
	AccountID      ID               `json:"account_id"`
	CurrentBalance decimal.Decimal  `json:"current_balance"`
	TotalCredits   decimal.Decimal  `json:"total_credits"`
	TotalDebits    decimal.Decimal  `json:"total_debits"`
	TotalInvoiced  *decimal.Decimal `json:"total_invoiced,omitempty"`
	TotalPaid      *decimal.Decimal `json:"total_paid,omitempty"`
	LastUpdated    string           `json:"last_updated,omitempty"`
}

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// FinancialTransaction is an immutable ledger entry.
type FinancialTransaction struct {
	ID           ID              `json:"id"`
	AccountType  AccountType     `json:"account_type"`
	AccountID    ID              `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    Direction       `json:"direction"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	RelatedID    *ID             `json:"related_id,omitempty"`
	RelatedType  string          `json:"related_type,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

type AccountStats struct {
	TotalTransactions  int             `json:"total_transactions"`
	TotalCredits       decimal.Decimal `json:"total_credits"`
	TotalDebits        decimal.Decimal `json:"total_debits"`
	AverageTransaction decimal.Decimal `json:"average_transaction"`
	LastTransactionAt  string          `json:"last_transaction_at,omitempty"`
}

type AccountSummary struct {
	Balance            AccountBalance         `json:"balance"`
	Stats              *AccountStats          `json:"stats,omitempty"`
	RecentTransactions []FinancialTransaction `json:"recent_transactions,omitempty"`
}

type VerifyResult struct {
	IsValid           bool            `json:"is_valid"`
	StoredBalance     decimal.Decimal `json:"stored_balance"`
	CalculatedBalance decimal.Decimal `json:"calculated_balance"`
	Difference        decimal.Decimal `json:"difference"`
}

type RecalculateResult struct {
	OldBalance decimal.Decimal `json:"old_balance"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

type ClientBalance struct {
	ClientID       ID              `json:"client_id"`
	ClientName     string          `json:"client_name"`
	EmployeeUserID *ID             `json:"employee_user_id,omitempty"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalInvoiced  decimal.Decimal `json:"total_invoiced"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	LastUpdated    string          `json:"last_updated,omitempty"`
}

type ClientTotals struct {
	TotalClients  int             `json:"total_clients"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	TotalInvoiced decimal.Decimal `json:"total_invoiced"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
}

type UnpaidTotal struct {
	TotalUnpaid        decimal.Decimal `json:"total_unpaid"`
	ClientsWithBalance int             `json:"clients_with_balance"`
}

type PaymentMethodStat struct {
	PaymentMethod string          `json:"payment_method"`
	Count         int             `json:"count"`
	Total         decimal.Decimal `json:"total"`
}

type DailyTotal struct {
	Date  string          `json:"date"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// LedgerEntryResult is returned by the ledger write endpoints.
type LedgerEntryResult struct {
	Transaction *FinancialTransaction `json:"transaction,omitempty"`
	Balance     *AccountBalance       `json:"balance,omitempty"`
}

// ============================================================================
// Ledger Inputs
// ============================================================================

type CommissionInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	RelatedID   string          `json:"related_id,omitempty"`
	RelatedType string          `json:"related_type,omitempty"`
	Date        string          `json:"date,omitempty"`
}

type SalaryInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Month       string          `json:"month,omitempty"`
	Date        string          `json:"date,omitempty"`
}

type ExpenseInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Date        string          `json:"date,omitempty"`
}

type IncomeInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Source      string          `json:"source,omitempty"`
	Date        string          `json:"date,omitempty"`
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// TransactionFilter narrows GET /accounts/transactions.
type TransactionFilter struct {
	AccountType AccountType
	AccountID   string
	Direction   Direction
	RelatedType string
	DateFrom    string
	DateTo      string
	Page        int
	PerPage     int
}

func (f TransactionFilter) query() map[string]string {
	q := map[string]string{}
	if f.AccountType != "" {
		q["account_type"] = string(f.AccountType)
	}
	if f.AccountID != "" {
		q["account_id"] = f.AccountID
	}
	if f.Direction != "" {
		q["direction"] = string(f.Direction)
	}
	if f.RelatedType != "" {
		q["related_type"] = f.RelatedType
	}
	if f.DateFrom != "" {
		q["date_from"] = f.DateFrom
	}
	if f.DateTo != "" {
		q["date_to"] = f.DateTo
	}
	return q
}

// ClientBalanceFilter narrows GET /accounts/clients/balances.
type ClientBalanceFilter struct {
	Search         string
	EmployeeUserID string
	PerPage        int
}

// ============================================================================
// Task Messaging Types
// ============================================================================

const MessageTypeComment = "comment"

// TaskMessage is a comment on a task. Provisional messages carry a temporary
// id (the send timestamp in milliseconds) until the list is refetched.
type TaskMessage struct {
	ID              int64  `json:"id"`
	TaskID          int64  `json:"task_id"`
	EmployeeID      int64  `json:"employee_id"`
	EmployeeName    string `json:"employee_name"`
	MessageContent  string `json:"message_content"`
	MessageType     string `json:"message_type"`
	CreatedAt       string `json:"created_at"`
	IsSystemMessage bool   `json:"is_system_message"`
	Provisional     bool   `json:"-"`
}

// TaskMessagesPage is one page of a task's message list.
type TaskMessagesPage struct {
	Messages      []TaskMessage
	Pagination    Pagination
	TotalMessages int
}

type RecentMessage struct {
	TaskMessage
	TaskTitle string `json:"task_title,omitempty"`
}

type MessageStats struct {
	TotalMessages    int    `json:"total_messages"`
	EmployeeMessages int    `json:"employee_messages"`
	SystemMessages   int    `json:"system_messages"`
	Participants     int    `json:"participants"`
	LastMessageAt    string `json:"last_message_at,omitempty"`
}

func itoa(n int) string { return strconv.Itoa(n) }

func i64toa(n int64) string { return strconv.FormatInt(n, 10) }
