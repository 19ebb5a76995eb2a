package bizadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ============================================================================
// Accounts
// ============================================================================

// AccountsClient reads ledger accounts and records ledger entries.
type AccountsClient struct{ c *Client }

func accountPath(t AccountType, id string) string {
	return "/accounts/" + string(t) + "/" + url.PathEscape(id)
}

func checkAccount(t AccountType, id string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("account id is required")
	}
	return nil
}

// keyPart keeps empty parameters from collapsing key parts.
func keyPart(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Balance returns the server-reported balance of an account.
func (a *AccountsClient) Balance(ctx context.Context, t AccountType, id string) (*AccountBalance, error) {
	if err := checkAccount(t, id); err != nil {
		return nil, err
	}
	key := Key("accounts", string(t), id, "balance")
	return cached(ctx, a.c, key, false, func(ctx context.Context) (*AccountBalance, error) {
		data, err := a.c.doRequest(ctx, "GET", accountPath(t, id)+"/balance", nil, nil)
		if err != nil {
			return nil, err
		}
		return normalizeBalance(data, t, id)
	})
}

// History returns one page of an account's transactions, newest first.
func (a *AccountsClient) History(ctx context.Context, t AccountType, id string, req PageRequest) (*Page[FinancialTransaction], error) {
	if err := checkAccount(t, id); err != nil {
		return nil, err
	}
	req = req.normalized()
	key := Key("accounts", string(t), id, "history", itoa(req.Page), itoa(req.PerPage))
	return cached(ctx, a.c, key, false, func(ctx context.Context) (*Page[FinancialTransaction], error) {
		data, err := a.c.doRequest(ctx, "GET", accountPath(t, id)+"/history", nil, pageQuery(nil, req))
		if err != nil {
			return nil, err
		}
		return DecodePage[FinancialTransaction](data, "transactions", req)
	})
}

// HistoryPager walks an account's transactions page by page.
func (a *AccountsClient) HistoryPager(t AccountType, id string, perPage int) *Pager[FinancialTransaction] {
	return NewPager(perPage, func(ctx context.Context, req PageRequest) (*Page[FinancialTransaction], error) {
		return a.History(ctx, t, id, req)
	})
}

func (a *AccountsClient) Stats(ctx context.Context, t AccountType, id string) (*AccountStats, error) {
	if err := checkAccount(t, id); err != nil {
		return nil, err
	}
	key := Key("accounts", string(t), id, "stats")
	return cached(ctx, a.c, key, false, func(ctx context.Context) (*AccountStats, error) {
		data, err := a.c.doRequest(ctx, "GET", accountPath(t, id)+"/stats", nil, nil)
		if err != nil {
			return nil, err
		}
		return decodeRecordAt[AccountStats](data, "stats")
	})
}

// Summary returns balance, statistics and recent transactions in one call.
func (a *AccountsClient) Summary(ctx context.Context, t AccountType, id string) (*AccountSummary, error) {
	if err := checkAccount(t, id); err != nil {
		return nil, err
	}
	key := Key("accounts", string(t), id, "summary")
	return cached(ctx, a.c, key, false, func(ctx context.Context) (*AccountSummary, error) {
		data, err := a.c.doRequest(ctx, "GET", accountPath(t, id)+"/summary", nil, nil)
		if err != nil {
			return nil, err
		}
		rec, err := normalizeRecord(data, "summary")
		if err != nil {
			return nil, err
		}
		var s AccountSummary
		if raw, ok := rec["balance"]; ok && !isNull(raw) {
			if isScalar(raw) {
				raw, _ = json.Marshal(map[string]json.RawMessage{"balance": raw})
			}
			bal, err := normalizeBalance(raw, t, id)
			if err != nil {
				return nil, err
			}
			s.Balance = *bal
		} else {
			s.Balance = AccountBalance{AccountType: t, AccountID: ID(id)}
		}
		if raw, ok := rec["stats"]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &s.Stats); err != nil {
				return nil, &MalformedResponseError{Resource: "summary", Reason: err.Error()}
			}
		}
		for _, k := range []string{"recent_transactions", "transactions"} {
			if items, ok := rawArray(rec[k]); ok {
				s.RecentTransactions = make([]FinancialTransaction, 0, len(items))
				for _, it := range items {
					var tx FinancialTransaction
					if err := json.Unmarshal(it, &tx); err != nil {
						return nil, &MalformedResponseError{Resource: "summary", Reason: err.Error()}
					}
					s.RecentTransactions = append(s.RecentTransactions, tx)
				}
				break
			}
		}
		return &s, nil
	})
}

// Verify asks the server to recompute the balance from its transactions and
// compare it with the stored one.
func (a *AccountsClient) Verify(ctx context.Context, t AccountType, id string) (*VerifyResult, error) {
	if err := checkAccount(t, id); err != nil {
		return nil, err
	}
	return Mutation[*VerifyResult]{
		Kind:   KindAccountVerify,
		Params: Params{"type": string(t), "id": id},
		Write: func(ctx context.Context) (*VerifyResult, error) {
			data, err := a.c.doRequest(ctx, "POST", accountPath(t, id)+"/verify", nil, nil)
			if err != nil {
				return nil, err
			}
			return decodeRecordAt[VerifyResult](data, "verification")
		},
	}.Run(ctx, a.c)
}

// Recalculate rebuilds the stored balance from the transaction log.
func (a *AccountsClient) Recalculate(ctx context.Context, t AccountType, id string) (*RecalculateResult, error) {
	if err := checkAccount(t, id); err != nil {
		return nil, err
	}
	return Mutation[*RecalculateResult]{
		Kind:   KindAccountRecalculate,
		Params: Params{"type": string(t), "id": id},
		Write: func(ctx context.Context) (*RecalculateResult, error) {
			data, err := a.c.doRequest(ctx, "POST", accountPath(t, id)+"/recalculate", nil, nil)
			if err != nil {
				return nil, err
			}
			return decodeRecordAt[RecalculateResult](data, "result")
		},
	}.Run(ctx, a.c)
}

// Balances lists account balances, optionally of a single type.
func (a *AccountsClient) Balances(ctx context.Context, t AccountType) ([]AccountBalance, error) {
	var query map[string]string
	if t != "" {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		query = map[string]string{"type": string(t)}
	}
	key := Key("accounts", "balances", keyPart(string(t)))
	return cached(ctx, a.c, key, false, func(ctx context.Context) ([]AccountBalance, error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/balances", nil, query)
		if err != nil {
			return nil, err
		}
		page, err := DecodePage[AccountBalance](data, "balances", PageRequest{})
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}

// Transactions searches the ledger across accounts.
func (a *AccountsClient) Transactions(ctx context.Context, f TransactionFilter) (*Page[FinancialTransaction], error) {
	if f.AccountType != "" {
		if err := f.AccountType.Validate(); err != nil {
			return nil, err
		}
	}
	req := PageRequest{Page: f.Page, PerPage: f.PerPage}.normalized()
	query := pageQuery(f.query(), req)
	key := Key("accounts", "transactions", keyPart(encodeQuery(f.query())), itoa(req.Page), itoa(req.PerPage))
	return cached(ctx, a.c, key, false, func(ctx context.Context) (*Page[FinancialTransaction], error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/transactions", nil, query)
		if err != nil {
			return nil, err
		}
		return DecodePage[FinancialTransaction](data, "transactions", req)
	})
}

// TransactionsPager walks a transaction search page by page.
func (a *AccountsClient) TransactionsPager(f TransactionFilter) *Pager[FinancialTransaction] {
	return NewPager(f.PerPage, func(ctx context.Context, req PageRequest) (*Page[FinancialTransaction], error) {
		f := f
		f.Page, f.PerPage = req.Page, req.PerPage
		return a.Transactions(ctx, f)
	})
}

func (f ClientBalanceFilter) query() map[string]string {
	q := map[string]string{}
	if f.Search != "" {
		q["search"] = f.Search
	}
	if f.EmployeeUserID != "" {
		q["employee_user_id"] = f.EmployeeUserID
	}
	return q
}

// ClientBalances lists client balances with optional search.
func (a *AccountsClient) ClientBalances(ctx context.Context, f ClientBalanceFilter, req PageRequest) (*Page[ClientBalance], error) {
	if req.PerPage == 0 {
		req.PerPage = f.PerPage
	}
	req = req.normalized()
	query := pageQuery(f.query(), req)
	key := Key("accounts", "clients", "balances", keyPart(encodeQuery(f.query())), itoa(req.Page), itoa(req.PerPage))
	return cached(ctx, a.c, key, false, func(ctx context.Context) (*Page[ClientBalance], error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/clients/balances", nil, query)
		if err != nil {
			return nil, err
		}
		return DecodePage[ClientBalance](data, "balances", req)
	})
}

func (a *AccountsClient) ClientBalancesPager(f ClientBalanceFilter) *Pager[ClientBalance] {
	return NewPager(f.PerPage, func(ctx context.Context, req PageRequest) (*Page[ClientBalance], error) {
		return a.ClientBalances(ctx, f, req)
	})
}

func (a *AccountsClient) ClientTotals(ctx context.Context) (*ClientTotals, error) {
	return cached(ctx, a.c, Key("accounts", "clients", "totals"), false, func(ctx context.Context) (*ClientTotals, error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/clients/totals", nil, nil)
		if err != nil {
			return nil, err
		}
		return decodeRecordAt[ClientTotals](data, "totals")
	})
}

func (a *AccountsClient) TotalUnpaid(ctx context.Context) (*UnpaidTotal, error) {
	return cached(ctx, a.c, Key("accounts", "clients", "unpaid"), false, func(ctx context.Context) (*UnpaidTotal, error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/clients/total-unpaid", nil, nil)
		if err != nil {
			return nil, err
		}
		return decodeRecordAt[UnpaidTotal](data, "unpaid")
	})
}

func dateQuery(from, to string) map[string]string {
	q := map[string]string{}
	if from != "" {
		q["date_from"] = from
	}
	if to != "" {
		q["date_to"] = to
	}
	return q
}

// PaymentStatsByMethod groups received payments by payment method.
func (a *AccountsClient) PaymentStatsByMethod(ctx context.Context, from, to string) ([]PaymentMethodStat, error) {
	key := Key("accounts", "payments", "by-method", keyPart(from), keyPart(to))
	return cached(ctx, a.c, key, false, func(ctx context.Context) ([]PaymentMethodStat, error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/payments/stats-by-method", nil, dateQuery(from, to))
		if err != nil {
			return nil, err
		}
		page, err := DecodePage[PaymentMethodStat](data, "stats", PageRequest{})
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}

// DailyTotals sums received payments per day.
func (a *AccountsClient) DailyTotals(ctx context.Context, from, to string) ([]DailyTotal, error) {
	key := Key("accounts", "payments", "daily", keyPart(from), keyPart(to))
	return cached(ctx, a.c, key, false, func(ctx context.Context) ([]DailyTotal, error) {
		data, err := a.c.doRequest(ctx, "GET", "/accounts/payments/daily-totals", nil, dateQuery(from, to))
		if err != nil {
			return nil, err
		}
		page, err := DecodePage[DailyTotal](data, "totals", PageRequest{})
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}

// ── Ledger writes ────────────────────────────────────────

// RecordCommission credits a commission to an employee account.
func (a *AccountsClient) RecordCommission(ctx context.Context, employeeID string, in CommissionInput) (*LedgerEntryResult, error) {
	if err := checkAccount(AccountEmployee, employeeID); err != nil {
		return nil, err
	}
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}
	return ledgerWrite(ctx, a.c, KindEmployeeCommission, Params{"id": employeeID},
		accountPath(AccountEmployee, employeeID)+"/commission", in)
}

// RecordSalary records a salary payment to an employee.
func (a *AccountsClient) RecordSalary(ctx context.Context, employeeID string, in SalaryInput) (*LedgerEntryResult, error) {
	if err := checkAccount(AccountEmployee, employeeID); err != nil {
		return nil, err
	}
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}
	return ledgerWrite(ctx, a.c, KindEmployeeSalary, Params{"id": employeeID},
		accountPath(AccountEmployee, employeeID)+"/salary", in)
}

// RecordExpense debits the company account.
func (a *AccountsClient) RecordExpense(ctx context.Context, in ExpenseInput) (*LedgerEntryResult, error) {
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}
	return ledgerWrite(ctx, a.c, KindCompanyExpense, nil, "/accounts/company/expense", in)
}

// RecordIncome credits the company account.
func (a *AccountsClient) RecordIncome(ctx context.Context, in IncomeInput) (*LedgerEntryResult, error) {
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}
	return ledgerWrite(ctx, a.c, KindCompanyIncome, nil, "/accounts/company/income", in)
}

// ============================================================================
// Decoding helpers
// ============================================================================

func pageQuery(base map[string]string, req PageRequest) map[string]string {
	q := make(map[string]string, len(base)+2)
	for k, v := range base {
		q[k] = v
	}
	if req.Page > 0 {
		q["page"] = itoa(req.Page)
	}
	if req.PerPage > 0 {
		q["per_page"] = itoa(req.PerPage)
	}
	return q
}

// decodeRecordAt decodes a record that may sit directly in data or one level
// deeper under nested.
func decodeRecordAt[T any](raw []byte, nested string) (*T, error) {
	rec, err := normalizeRecord(raw, nested)
	if err != nil {
		return nil, err
	}
	if inner, ok := rec[nested]; ok && len(rec) == 1 {
		var m map[string]json.RawMessage
		if json.Unmarshal(inner, &m) == nil {
			rec = m
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode %s: %w", nested, err)
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, &MalformedResponseError{Resource: nested, Reason: err.Error()}
	}
	return &v, nil
}

// decodeLedgerEntry accepts {transaction, balance} or a bare transaction.
func decodeLedgerEntry(raw []byte) (*LedgerEntryResult, error) {
	rec, err := normalizeRecord(raw, "transaction")
	if err != nil {
		return nil, err
	}
	var res LedgerEntryResult
	_, hasTx := rec["transaction"]
	_, hasBal := rec["balance"]
	if !hasTx && !hasBal {
		b, _ := json.Marshal(rec)
		var tx FinancialTransaction
		if err := json.Unmarshal(b, &tx); err != nil {
			return nil, &MalformedResponseError{Resource: "transaction", Reason: err.Error()}
		}
		res.Transaction = &tx
		return &res, nil
	}
	if raw, ok := rec["transaction"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &res.Transaction); err != nil {
			return nil, &MalformedResponseError{Resource: "transaction", Reason: err.Error()}
		}
	}
	if raw, ok := rec["balance"]; ok && !isNull(raw) {
		if isScalar(raw) {
			raw, _ = json.Marshal(map[string]json.RawMessage{"balance": raw})
		}
		var t AccountType
		var id string
		if res.Transaction != nil {
			t, id = res.Transaction.AccountType, string(res.Transaction.AccountID)
		}
		bal, err := normalizeBalance(raw, t, id)
		if err != nil {
			return nil, err
		}
		res.Balance = bal
	}
	return &res, nil
}
