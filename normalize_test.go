package bizadmin

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testItems      = `[{"id":1,"message_content":"a"},{"id":2,"message_content":"b"}]`
	testPagination = `{"current_page":1,"per_page":2,"total":6,"total_pages":3}`
)

func TestNormalizeShapesAgree(t *testing.T) {
	req := PageRequest{Page: 1, PerPage: 2}
	paged := map[string]string{
		"nested-resource":    fmt.Sprintf(`{"success":true,"data":{"messages":%s,"pagination":%s}}`, testItems, testPagination),
		"nested-data":        fmt.Sprintf(`{"success":true,"data":{"data":%s,"pagination":%s}}`, testItems, testPagination),
		"top-level-resource": fmt.Sprintf(`{"messages":%s,"pagination":%s}`, testItems, testPagination),
		"data-array":         fmt.Sprintf(`{"success":true,"data":%s,"pagination":%s}`, testItems, testPagination),
	}

	want := Pagination{Total: 6, PerPage: 2, CurrentPage: 1, TotalPages: 3, HasNext: true, Style: PageCountStyle}
	var first []json.RawMessage
	for shape, body := range paged {
		t.Run(shape, func(t *testing.T) {
			n, err := Normalize([]byte(body), "messages", req)
			require.NoError(t, err)
			assert.Equal(t, shape, n.Shape)
			assert.Len(t, n.Items, 2)
			if diff := cmp.Diff(want, n.Pagination); diff != "" {
				t.Errorf("pagination mismatch (-want +got):\n%s", diff)
			}
			if first == nil {
				first = n.Items
			} else if diff := cmp.Diff(first, n.Items); diff != "" {
				t.Errorf("items differ from other shapes (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("bare-array", func(t *testing.T) {
		n, err := Normalize([]byte(testItems), "messages", req)
		require.NoError(t, err)
		assert.Equal(t, "bare-array", n.Shape)
		if diff := cmp.Diff(first, n.Items); diff != "" {
			t.Errorf("items differ from other shapes (-want +got):\n%s", diff)
		}
		_, more := n.Pagination.Next()
		assert.False(t, more)
		assert.Equal(t, 2, n.Pagination.Total)
	})
}

func TestNormalizeDefaultPagination(t *testing.T) {
	n, err := Normalize([]byte(`{"data":{"data":[]}}`), "messages", PageRequest{Page: 3, PerPage: 10})
	require.NoError(t, err)
	assert.Empty(t, n.Items)
	assert.Equal(t, Pagination{PerPage: 10, CurrentPage: 3, TotalPages: 1, Defaulted: true}, n.Pagination)
	_, more := n.Pagination.Next()
	assert.False(t, more, "defaulted pagination must never report a next page")
}

func TestNormalizePrecedence(t *testing.T) {
	// data.<resource> wins over data.data and a top-level resource array.
	body := `{"messages":[{"id":9}],"data":{"messages":[{"id":1}],"data":[{"id":2}]}}`
	n, err := Normalize([]byte(body), "messages", PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, "nested-resource", n.Shape)
	assert.JSONEq(t, `{"id":1}`, string(n.Items[0]))
}

func TestNormalizeEnvelopeFailure(t *testing.T) {
	cases := map[string]string{
		"message only":      `{"success":false,"message":"الحساب غير موجود"}`,
		"with data":         `{"success":false,"message":"الحساب غير موجود","data":{"messages":[]}}`,
		"error string":      `{"success":false,"error":"الحساب غير موجود"}`,
		"error object":      `{"success":false,"error":{"message":"الحساب غير موجود"}}`,
		"message and error": `{"success":false,"message":"الحساب غير موجود","error":"ignored"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(body), "messages", PageRequest{})
			var re *RemoteError
			require.True(t, errors.As(err, &re), "expected RemoteError, got %v", err)
			assert.Equal(t, "الحساب غير موجود", re.Message)
		})
	}

	t.Run("record endpoints too", func(t *testing.T) {
		_, err := normalizeBalance([]byte(`{"success":false,"message":"no access"}`), AccountClient, "7")
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "no access", re.Message)
	})
}

func TestNormalizeMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"empty":        ``,
		"scalar":       `42`,
		"no list":      `{"success":true,"data":{"count":3}}`,
		"wrong key":    `{"items":[1,2]}`,
		"invalid json": `{"messages":`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(body), "messages", PageRequest{})
			var me *MalformedResponseError
			assert.ErrorAs(t, err, &me)
		})
	}
}

func TestNormalizeExtraFields(t *testing.T) {
	body := `{"success":true,"data":{"messages":[{"id":1}],"total_messages":14,"task":{"id":42},"pagination":{"current_page":1,"has_next_page":true}}}`
	n, err := Normalize([]byte(body), "messages", PageRequest{PerPage: 1})
	require.NoError(t, err)
	assert.JSONEq(t, "14", string(n.Extra["total_messages"]))
	assert.NotContains(t, n.Extra, "task", "objects are not extra scalars")
	assert.Equal(t, FlagStyle, n.Pagination.Style)
	next, ok := n.Pagination.Next()
	assert.True(t, ok)
	assert.Equal(t, 2, next)
}

func TestPaginationStyles(t *testing.T) {
	t.Run("page count ignores missing flags", func(t *testing.T) {
		p, ok := parsePagination(rawObject(t, `{"current_page":2,"last_page":2}`), PageRequest{})
		require.True(t, ok)
		_, more := p.Next()
		assert.False(t, more)
		assert.True(t, p.HasPrev)
	})

	t.Run("flags are trusted over counts", func(t *testing.T) {
		p, ok := parsePagination(rawObject(t, `{"current_page":1,"has_next_page":false,"total":50,"per_page":10}`), PageRequest{})
		require.True(t, ok)
		assert.Equal(t, FlagStyle, p.Style)
		_, more := p.Next()
		assert.False(t, more)
		assert.Equal(t, 5, p.TotalPages)
	})

	t.Run("string numbers", func(t *testing.T) {
		p, ok := parsePagination(rawObject(t, `{"current_page":"1","total_pages":"4"}`), PageRequest{})
		require.True(t, ok)
		assert.Equal(t, 4, p.TotalPages)
	})
}

func TestNormalizeBalance(t *testing.T) {
	t.Run("bare balance", func(t *testing.T) {
		bal, err := normalizeBalance([]byte(`{"balance":100}`), AccountClient, "7")
		require.NoError(t, err)
		assert.True(t, bal.CurrentBalance.Equal(decimal.NewFromInt(100)))
		assert.True(t, bal.TotalCredits.IsZero())
		assert.True(t, bal.TotalDebits.IsZero())
		assert.Equal(t, AccountClient, bal.AccountType)
		assert.Equal(t, ID("7"), bal.AccountID)
	})

	t.Run("enveloped record", func(t *testing.T) {
		body := `{"success":true,"data":{"account_type":"employee","account_id":3,"current_balance":"250.50","total_credits":"300","total_debits":"49.50"}}`
		bal, err := normalizeBalance([]byte(body), AccountEmployee, "3")
		require.NoError(t, err)
		assert.Equal(t, "250.5", bal.CurrentBalance.String())
		assert.Equal(t, ID("3"), bal.AccountID)
	})

	t.Run("nested under balance", func(t *testing.T) {
		body := `{"success":true,"data":{"balance":{"current_balance":10,"total_credits":10,"total_debits":0}}}`
		bal, err := normalizeBalance([]byte(body), AccountCompany, "1")
		require.NoError(t, err)
		assert.True(t, bal.CurrentBalance.Equal(decimal.NewFromInt(10)))
	})

	t.Run("current balance is never recomputed", func(t *testing.T) {
		body := `{"current_balance":5,"total_credits":100,"total_debits":1}`
		bal, err := normalizeBalance([]byte(body), AccountClient, "7")
		require.NoError(t, err)
		assert.True(t, bal.CurrentBalance.Equal(decimal.NewFromInt(5)))
	})

	t.Run("missing balance", func(t *testing.T) {
		_, err := normalizeBalance([]byte(`{"total_credits":1}`), AccountClient, "7")
		var me *MalformedResponseError
		assert.ErrorAs(t, err, &me)
	})
}

func rawObject(t *testing.T, s string) map[string]json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}
