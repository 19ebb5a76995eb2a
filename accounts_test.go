package bizadmin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routes maps "METHOD /path" to a canned body.
type routes map[string]string

func ledgerServer(t *testing.T, r routes, hits *sync.Map) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := req.Method + " " + req.URL.Path
		if hits != nil {
			n, _ := hits.LoadOrStore(route, new(atomic.Int32))
			n.(*atomic.Int32).Add(1)
		}
		assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
		body, ok := r[route]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"success":false,"message":"not found: `+route+`"}`)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBalanceBareShape(t *testing.T) {
	srv := ledgerServer(t, routes{"GET /accounts/client/7/balance": `{"balance": 100}`}, nil)
	c := NewClient("tok", WithBaseURL(srv.URL))

	bal, err := c.Accounts.Balance(context.Background(), AccountClient, "7")
	require.NoError(t, err)
	assert.True(t, bal.CurrentBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, bal.TotalCredits.IsZero())
	assert.True(t, bal.TotalDebits.IsZero())
	assert.Equal(t, AccountClient, bal.AccountType)
	assert.Equal(t, ID("7"), bal.AccountID)
}

func TestAccountValidation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	_, err := c.Accounts.Balance(ctx, AccountType("supplier"), "1")
	assert.ErrorIs(t, err, ErrInvalidAccountType)
	_, err = c.Accounts.Balance(ctx, AccountClient, " ")
	assert.Error(t, err)
	_, err = c.Accounts.Balances(ctx, AccountType("x"))
	assert.ErrorIs(t, err, ErrInvalidAccountType)
	_, err = c.Accounts.RecordCommission(ctx, "3", CommissionInput{Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.Accounts.RecordExpense(ctx, ExpenseInput{Amount: decimal.NewFromInt(-5)})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Zero(t, hits.Load(), "invalid input never reaches the server")
}

func TestRecordCommissionInvalidates(t *testing.T) {
	srv := ledgerServer(t, routes{
		"POST /accounts/employee/3/commission": `{"success":true,"data":{
			"transaction":{"id":501,"account_type":"employee","account_id":3,"amount":"150.00","direction":"credit","balance_after":"900.00","created_at":"2026-03-01"},
			"balance":{"current_balance":"900.00","total_credits":"1000","total_debits":"100"}}}`,
	}, nil)
	c := NewClient("tok", WithBaseURL(srv.URL))
	s := c.Store()

	s.Set(Key("accounts", "employee", "3", "balance"), "bal")
	s.Set(Key("accounts", "employee", "3", "history", "1", "20"), "hist")
	s.Set(Key("accounts", "employee", "4", "balance"), "other")
	s.Set(Key("accounts", "balances", "-"), "all")
	s.Set(Key("employees", "3"), "detail")
	s.Set(Key("employees", "list"), "list")
	s.Set(Key("tasks", "42", "messages", "1", "20"), "thread")

	counts := map[string]int{}
	s.Subscribe(Key(), func(ch Change) {
		if ch.Kind == ChangeInvalidated {
			counts[ch.Key.String()]++
		}
	})
	var events []InvalidationEvent
	c.Events().On(EventCacheInvalidated, func(_ string, p any) { events = append(events, p.(InvalidationEvent)) })

	res, err := c.Accounts.RecordCommission(context.Background(), "3", CommissionInput{
		Amount:      decimal.RequireFromString("150"),
		Description: "March invoice",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, ID("501"), res.Transaction.ID)
	assert.Equal(t, Credit, res.Transaction.Direction)
	require.NotNil(t, res.Balance)
	assert.Equal(t, "900", res.Balance.CurrentBalance.String())
	assert.Equal(t, AccountEmployee, res.Balance.AccountType)

	assert.Equal(t, map[string]int{
		"accounts/employee/3/balance":      1,
		"accounts/employee/3/history/1/20": 1,
		"accounts/balances/-":              1,
		"employees/3":                      1,
		"employees/list":                   1,
	}, counts)
	require.Len(t, events, 1)
	assert.Equal(t, string(KindEmployeeCommission), events[0].Source)
	assert.Equal(t, 5, events[0].Marked)

	e, _ := s.Get(Key("accounts", "employee", "4", "balance"))
	assert.False(t, e.Stale)
	e, _ = s.Get(Key("tasks", "42", "messages", "1", "20"))
	assert.False(t, e.Stale)
}

func TestLedgerWriteFailureStillInvalidates(t *testing.T) {
	srv := ledgerServer(t, routes{}, nil)
	c := NewClient("tok", WithBaseURL(srv.URL))
	c.Store().Set(Key("accounts", "company", "1", "balance"), "bal")

	_, err := c.Accounts.RecordIncome(context.Background(), IncomeInput{Amount: decimal.NewFromInt(10)})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.Contains(t, re.Message, "POST /accounts/company/income")

	e, _ := c.Store().Get(Key("accounts", "company", "1", "balance"))
	assert.True(t, e.Stale, "aggregates are invalidated on failure too")
}

func TestLedgerWriteBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"success":true,"data":{"id":9,"account_type":"company","account_id":1,"amount":"12.5","direction":"debit","balance_after":"87.5"}}`)
	}))
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))

	res, err := c.Accounts.RecordExpense(context.Background(), ExpenseInput{
		Amount:   decimal.RequireFromString("12.50"),
		Category: "rent",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": "12.5", "category": "rent"}, got)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, Debit, res.Transaction.Direction)
	assert.Nil(t, res.Balance)
}

func TestVerifyAndRecalculate(t *testing.T) {
	srv := ledgerServer(t, routes{
		"POST /accounts/client/7/verify":      `{"success":true,"data":{"is_valid":false,"stored_balance":"100","calculated_balance":"90","difference":"10"}}`,
		"POST /accounts/client/7/recalculate": `{"success":true,"data":{"result":{"old_balance":"100","new_balance":"90"}}}`,
	}, nil)
	c := NewClient("tok", WithBaseURL(srv.URL))
	c.Store().Set(Key("accounts", "client", "7", "balance"), "bal")
	c.Store().Set(Key("accounts", "clients", "totals"), "totals")
	ctx := context.Background()

	v, err := c.Accounts.Verify(ctx, AccountClient, "7")
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, "10", v.Difference.String())
	e, _ := c.Store().Get(Key("accounts", "clients", "totals"))
	assert.False(t, e.Stale, "verify only touches the account itself")

	r, err := c.Accounts.Recalculate(ctx, AccountClient, "7")
	require.NoError(t, err)
	assert.Equal(t, "90", r.NewBalance.String())
	e, _ = c.Store().Get(Key("accounts", "clients", "totals"))
	assert.True(t, e.Stale)
}

func TestReadsAreCachedAndShared(t *testing.T) {
	var hits sync.Map
	srv := ledgerServer(t, routes{
		"GET /accounts/clients/totals": `{"success":true,"data":{"total_clients":12,"total_balance":"4300.25","total_invoiced":"9000","total_paid":"4699.75"}}`,
	}, &hits)
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			totals, err := c.Accounts.ClientTotals(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 12, totals.TotalClients)
		}()
	}
	wg.Wait()
	n, _ := hits.Load("GET /accounts/clients/totals")
	first := n.(*atomic.Int32).Load()
	assert.LessOrEqual(t, first, int32(8))

	_, err := c.Accounts.ClientTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, n.(*atomic.Int32).Load(), "fresh reads never hit the network")

	c.Store().Invalidate(Key("accounts", "clients"))
	_, err = c.Accounts.ClientTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, first+1, n.(*atomic.Int32).Load(), "stale reads refetch")
}

func TestListEndpoints(t *testing.T) {
	var mu sync.Mutex
	queries := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries[r.URL.Path] = r.URL.RawQuery
		mu.Unlock()
		switch r.URL.Path {
		case "/accounts/clients/balances":
			io.WriteString(w, `{"success":true,"data":{"balances":[{"client_id":1,"client_name":"Acme","current_balance":"50","total_invoiced":"100","total_paid":"50"}],"pagination":{"current_page":1,"per_page":10,"total":1,"total_pages":1}}}`)
		case "/accounts/transactions":
			io.WriteString(w, `{"success":true,"data":{"transactions":[{"id":1,"amount":"5","direction":"debit"}],"pagination":{"current_page":2,"has_next_page":true}}}`)
		case "/accounts/payments/stats-by-method":
			io.WriteString(w, `{"success":true,"data":{"stats":[{"payment_method":"cash","count":3,"total":"30"}]}}`)
		case "/accounts/payments/daily-totals":
			io.WriteString(w, `[{"date":"2026-03-01","count":1,"total":"10"}]`)
		case "/accounts/clients/total-unpaid":
			io.WriteString(w, `{"success":true,"data":{"total_unpaid":"1200.5","clients_with_balance":4}}`)
		case "/accounts/balances":
			io.WriteString(w, `{"success":true,"data":[{"account_type":"company","account_id":1,"current_balance":"10"}]}`)
		}
	}))
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	cb, err := c.Accounts.ClientBalances(ctx, ClientBalanceFilter{Search: "Acme", EmployeeUserID: "5", PerPage: 10}, PageRequest{})
	require.NoError(t, err)
	require.Len(t, cb.Items, 1)
	assert.Equal(t, "Acme", cb.Items[0].ClientName)

	tx, err := c.Accounts.Transactions(ctx, TransactionFilter{AccountType: AccountClient, Direction: Debit, Page: 2})
	require.NoError(t, err)
	next, ok := tx.Pagination.Next()
	assert.True(t, ok)
	assert.Equal(t, 3, next)

	stats, err := c.Accounts.PaymentStatsByMethod(ctx, "2026-03-01", "")
	require.NoError(t, err)
	assert.Equal(t, "cash", stats[0].PaymentMethod)

	daily, err := c.Accounts.DailyTotals(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", daily[0].Date)

	unpaid, err := c.Accounts.TotalUnpaid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, unpaid.ClientsWithBalance)

	bals, err := c.Accounts.Balances(ctx, AccountCompany)
	require.NoError(t, err)
	assert.Equal(t, AccountCompany, bals[0].AccountType)

	assert.Len(t, queries, 6)
	assert.Equal(t, "employee_user_id=5&page=1&per_page=10&search=Acme", queries["/accounts/clients/balances"])
	assert.Equal(t, "account_type=client&direction=debit&page=2", queries["/accounts/transactions"])
	assert.Equal(t, "date_from=2026-03-01", queries["/accounts/payments/stats-by-method"])
	assert.Equal(t, "type=company", queries["/accounts/balances"])
}

func TestSummary(t *testing.T) {
	srv := ledgerServer(t, routes{
		"GET /accounts/client/7/summary": `{"success":true,"data":{"balance":250,"stats":{"total_transactions":4},"recent_transactions":[{"id":1,"amount":"10","direction":"credit"}]}}`,
	}, nil)
	c := NewClient("tok", WithBaseURL(srv.URL))

	s, err := c.Accounts.Summary(context.Background(), AccountClient, "7")
	require.NoError(t, err)
	assert.True(t, s.Balance.CurrentBalance.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, ID("7"), s.Balance.AccountID)
	require.NotNil(t, s.Stats)
	assert.Equal(t, 4, s.Stats.TotalTransactions)
	assert.Len(t, s.RecentTransactions, 1)
}
