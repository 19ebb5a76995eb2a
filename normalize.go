package bizadmin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Pagination
// ============================================================================

// PaginationStyle distinguishes the two pagination dialects the backend
// speaks. They are never mixed: a page-count cursor advances by comparing
// current_page with total_pages, a flag cursor only trusts has_next_page.
type PaginationStyle int

const (
	PageCountStyle PaginationStyle = iota
	FlagStyle
)

func (s PaginationStyle) String() string {
	if s == FlagStyle {
		return "flags"
	}
	return "page-count"
}

// Pagination is the canonical cursor for one fetched page.
//
// Defaulted is set when the server reported nothing and the values were
// synthesized from the request; such a cursor never reports a next page.
type Pagination struct {
	Total       int             `json:"total"`
	PerPage     int             `json:"per_page"`
	CurrentPage int             `json:"current_page"`
	TotalPages  int             `json:"total_pages"`
	HasNext     bool            `json:"has_next"`
	HasPrev     bool            `json:"has_prev"`
	Style       PaginationStyle `json:"-"`
	Defaulted   bool            `json:"-"`
}

// Next returns the page number that follows this one, if any.
func (p Pagination) Next() (int, bool) {
	if p.Defaulted {
		return 0, false
	}
	switch p.Style {
	case FlagStyle:
		if p.HasNext {
			return p.CurrentPage + 1, true
		}
	default:
		if p.CurrentPage < p.TotalPages {
			return p.CurrentPage + 1, true
		}
	}
	return 0, false
}

// PageRequest is the page the caller asked for. It seeds default pagination.
type PageRequest struct {
	Page    int
	PerPage int
}

func (r PageRequest) normalized() PageRequest {
	if r.Page <= 0 {
		r.Page = 1
	}
	return r
}

func defaultPagination(req PageRequest) Pagination {
	return Pagination{
		Total:       0,
		PerPage:     req.PerPage,
		CurrentPage: req.Page,
		TotalPages:  1,
		Defaulted:   true,
	}
}

func singlePagePagination(req PageRequest, n int) Pagination {
	return Pagination{
		Total:       n,
		PerPage:     req.PerPage,
		CurrentPage: req.Page,
		TotalPages:  1,
	}
}

var paginationKeys = []string{
	"current_page", "total_pages", "last_page", "per_page", "total",
	"has_next", "has_next_page", "has_prev", "has_prev_page", "has_previous_page",
}

func isPaginationKey(k string) bool {
	for _, pk := range paginationKeys {
		if k == pk {
			return true
		}
	}
	return false
}

// parsePagination reads either dialect from an object. ok is false when the
// object carries no pagination field at all.
func parsePagination(m map[string]json.RawMessage, req PageRequest) (Pagination, bool) {
	found := false
	for _, k := range paginationKeys {
		if _, ok := m[k]; ok {
			found = true
			break
		}
	}
	if !found {
		return Pagination{}, false
	}

	p := Pagination{
		CurrentPage: intOr(m, req.Page, "current_page"),
		PerPage:     intOr(m, req.PerPage, "per_page"),
		Total:       intOr(m, 0, "total"),
	}
	hasNext, nextOK := boolField(m, "has_next", "has_next_page")
	hasPrev, prevOK := boolField(m, "has_prev", "has_prev_page", "has_previous_page")

	if totalPages, ok := intField(m, "total_pages", "last_page"); ok {
		p.Style = PageCountStyle
		p.TotalPages = totalPages
		p.HasNext = p.CurrentPage < p.TotalPages
		p.HasPrev = p.CurrentPage > 1
		if nextOK {
			p.HasNext = hasNext
		}
		if prevOK {
			p.HasPrev = hasPrev
		}
		return p, true
	}

	if nextOK || prevOK {
		p.Style = FlagStyle
		p.HasNext = hasNext
		p.HasPrev = hasPrev
		if p.Total > 0 && p.PerPage > 0 {
			p.TotalPages = (p.Total + p.PerPage - 1) / p.PerPage
		}
		return p, true
	}

	// Only counters, no page bound: treat as a single page.
	p.Style = PageCountStyle
	p.TotalPages = 1
	if p.Total > 0 && p.PerPage > 0 {
		p.TotalPages = (p.Total + p.PerPage - 1) / p.PerPage
	}
	p.HasNext = p.CurrentPage < p.TotalPages
	p.HasPrev = p.CurrentPage > 1
	return p, true
}

// ============================================================================
// Response Normalizer
// ============================================================================

// Normalized is the canonical record extracted from a list response.
type Normalized struct {
	Shape      string
	Items      []json.RawMessage
	Pagination Pagination
	// Extra holds scalar fields returned next to the items (e.g. total_messages).
	Extra map[string]json.RawMessage
}

type payload struct {
	raw   json.RawMessage
	array []json.RawMessage
	top   map[string]json.RawMessage
	data  map[string]json.RawMessage
	// dataArray is set when the envelope's data field is itself an array.
	dataArray []json.RawMessage
}

// shapeMatcher returns matched=false to let the next matcher try.
type shapeMatcher func(p *payload, key string, req PageRequest) (n *Normalized, matched bool, err error)

// shapeMatchers are tried in order; the first match wins. The order is a
// compatibility policy with the backend and must not be rearranged.
var shapeMatchers = []struct {
	name  string
	match shapeMatcher
}{
	{"envelope-failure", matchEnvelopeFailure},
	{"nested-resource", matchNestedResource},
	{"nested-data", matchNestedData},
	{"top-level-resource", matchTopLevelResource},
	{"data-array", matchDataArray},
	{"bare-array", matchBareArray},
	{"unrecognized", matchNothing},
}

// Normalize extracts items, pagination and extra scalar fields from a list
// response whose shape the backend does not keep consistent.
func Normalize(raw []byte, resourceKey string, req PageRequest) (*Normalized, error) {
	req = req.normalized()
	p, err := parsePayload(raw, resourceKey)
	if err != nil {
		return nil, err
	}
	for _, m := range shapeMatchers {
		n, ok, err := m.match(p, resourceKey, req)
		if err != nil {
			return nil, err
		}
		if ok {
			n.Shape = m.name
			return n, nil
		}
	}
	return nil, &MalformedResponseError{Resource: resourceKey, Reason: "no shape matched"}
}

func parsePayload(raw []byte, resource string) (*payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &MalformedResponseError{Resource: resource, Reason: "empty body"}
	}
	p := &payload{raw: trimmed}
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &p.array); err != nil {
			return nil, &MalformedResponseError{Resource: resource, Reason: err.Error()}
		}
		if p.array == nil {
			p.array = []json.RawMessage{}
		}
	case '{':
		if err := json.Unmarshal(trimmed, &p.top); err != nil {
			return nil, &MalformedResponseError{Resource: resource, Reason: err.Error()}
		}
		if d, ok := p.top["data"]; ok {
			d = bytes.TrimSpace(d)
			if len(d) > 0 && d[0] == '{' {
				_ = json.Unmarshal(d, &p.data)
			} else if len(d) > 0 && d[0] == '[' {
				_ = json.Unmarshal(d, &p.dataArray)
				if p.dataArray == nil {
					p.dataArray = []json.RawMessage{}
				}
			}
		}
	default:
		return nil, &MalformedResponseError{Resource: resource, Reason: "body is neither an object nor an array"}
	}
	return p, nil
}

func matchEnvelopeFailure(p *payload, _ string, _ PageRequest) (*Normalized, bool, error) {
	if err := envelopeFailure(p.top); err != nil {
		return nil, true, err
	}
	return nil, false, nil
}

func matchNestedResource(p *payload, key string, req PageRequest) (*Normalized, bool, error) {
	if key == "" || p.data == nil {
		return nil, false, nil
	}
	items, ok := rawArray(p.data[key])
	if !ok {
		return nil, false, nil
	}
	return &Normalized{
		Items:      items,
		Pagination: paginationFrom(p.data, req),
		Extra:      scalars(p.data, key, "pagination"),
	}, true, nil
}

func matchNestedData(p *payload, _ string, req PageRequest) (*Normalized, bool, error) {
	if p.data == nil {
		return nil, false, nil
	}
	items, ok := rawArray(p.data["data"])
	if !ok {
		return nil, false, nil
	}
	return &Normalized{
		Items:      items,
		Pagination: paginationFrom(p.data, req),
		Extra:      scalars(p.data, "data", "pagination"),
	}, true, nil
}

func matchTopLevelResource(p *payload, key string, req PageRequest) (*Normalized, bool, error) {
	if key == "" || p.top == nil {
		return nil, false, nil
	}
	items, ok := rawArray(p.top[key])
	if !ok {
		return nil, false, nil
	}
	return &Normalized{
		Items:      items,
		Pagination: paginationFrom(p.top, req),
		Extra:      scalars(p.top, key, "pagination", "success", "message"),
	}, true, nil
}

func matchDataArray(p *payload, _ string, req PageRequest) (*Normalized, bool, error) {
	if p.dataArray == nil {
		return nil, false, nil
	}
	return &Normalized{
		Items:      p.dataArray,
		Pagination: paginationFrom(p.top, req),
		Extra:      scalars(p.top, "data", "pagination", "success", "message"),
	}, true, nil
}

func matchBareArray(p *payload, _ string, req PageRequest) (*Normalized, bool, error) {
	if p.array == nil {
		return nil, false, nil
	}
	return &Normalized{
		Items:      p.array,
		Pagination: singlePagePagination(req, len(p.array)),
		Extra:      map[string]json.RawMessage{},
	}, true, nil
}

func matchNothing(_ *payload, key string, _ PageRequest) (*Normalized, bool, error) {
	return nil, false, &MalformedResponseError{Resource: key, Reason: "no recognized list shape"}
}

// paginationFrom prefers an explicit pagination object, then pagination
// fields sitting next to the items, then the request defaults.
func paginationFrom(m map[string]json.RawMessage, req PageRequest) Pagination {
	if raw, ok := m["pagination"]; ok {
		var pm map[string]json.RawMessage
		if json.Unmarshal(raw, &pm) == nil {
			if p, ok := parsePagination(pm, req); ok {
				return p
			}
		}
	}
	if p, ok := parsePagination(m, req); ok {
		return p
	}
	return defaultPagination(req)
}

// envelopeFailure returns a RemoteError when the envelope says success=false.
func envelopeFailure(top map[string]json.RawMessage) error {
	if top == nil {
		return nil
	}
	raw, ok := top["success"]
	if !ok {
		return nil
	}
	var success bool
	if json.Unmarshal(raw, &success) != nil || success {
		return nil
	}
	msg := strField(top, "message")
	if msg == "" {
		msg = errorMessage(top["error"])
	}
	if msg == "" {
		msg = "request failed"
	}
	return &RemoteError{Message: msg}
}

// errorMessage reads "error" as either a string or {message: "..."}.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}

// normalizeRecord unwraps a single-object response: {success, data: {...}}
// or the bare object itself.
func normalizeRecord(raw []byte, resource string) (map[string]json.RawMessage, error) {
	p, err := parsePayload(raw, resource)
	if err != nil {
		return nil, err
	}
	if p.top == nil {
		return nil, &MalformedResponseError{Resource: resource, Reason: "expected an object"}
	}
	if err := envelopeFailure(p.top); err != nil {
		return nil, err
	}
	if p.data != nil {
		return p.data, nil
	}
	if _, ok := p.top["data"]; ok && p.dataArray == nil && !isNull(p.top["data"]) {
		return nil, &MalformedResponseError{Resource: resource, Reason: "data is not an object"}
	}
	rec := make(map[string]json.RawMessage, len(p.top))
	for k, v := range p.top {
		if k == "success" || k == "message" || k == "data" {
			continue
		}
		rec[k] = v
	}
	if len(rec) == 0 {
		return nil, &MalformedResponseError{Resource: resource, Reason: "empty record"}
	}
	return rec, nil
}

// normalizeBalance accepts the full balance record, a bare {balance: N}, or a
// record nested under "balance". Missing totals default to zero; the balance
// itself is always taken from the server.
func normalizeBalance(raw []byte, accountType AccountType, accountID string) (*AccountBalance, error) {
	rec, err := normalizeRecord(raw, "balance")
	if err != nil {
		return nil, err
	}
	if nested, ok := rec["balance"]; ok && len(bytes.TrimSpace(nested)) > 0 && bytes.TrimSpace(nested)[0] == '{' {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			rec = inner
		}
	}
	if _, ok := rec["current_balance"]; !ok {
		if b, ok := rec["balance"]; ok {
			rec["current_balance"] = b
		} else {
			return nil, &MalformedResponseError{Resource: "balance", Reason: "no balance field"}
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode balance: %w", err)
	}
	var bal AccountBalance
	if err := json.Unmarshal(b, &bal); err != nil {
		return nil, &MalformedResponseError{Resource: "balance", Reason: err.Error()}
	}
	if bal.AccountType == "" {
		bal.AccountType = accountType
	}
	if bal.AccountID == "" {
		bal.AccountID = ID(accountID)
	}
	return &bal, nil
}

// ============================================================================
// Typed decoding
// ============================================================================

// Page is one decoded page of a list resource.
type Page[T any] struct {
	Items      []T
	Pagination Pagination
	Extra      map[string]json.RawMessage
}

// DecodePage normalizes raw and decodes every item into T.
func DecodePage[T any](raw []byte, resourceKey string, req PageRequest) (*Page[T], error) {
	n, err := Normalize(raw, resourceKey, req)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(n.Items))
	for i, it := range n.Items {
		var v T
		if err := json.Unmarshal(it, &v); err != nil {
			return nil, &MalformedResponseError{
				Resource: resourceKey,
				Reason:   fmt.Sprintf("item %d: %v", i, err),
			}
		}
		items = append(items, v)
	}
	return &Page[T]{Items: items, Pagination: n.Pagination, Extra: n.Extra}, nil
}

// ============================================================================
// Loose JSON helpers
// ============================================================================

func rawArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func isScalar(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] != '{' && raw[0] != '['
}

// scalars copies scalar fields of m except the excluded keys and pagination fields.
func scalars(m map[string]json.RawMessage, exclude ...string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
outer:
	for k, v := range m {
		for _, ex := range exclude {
			if k == ex {
				continue outer
			}
		}
		if isPaginationKey(k) || !isScalar(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func intField(m map[string]json.RawMessage, keys ...string) (int, bool) {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			if i, err := strconv.Atoi(n.String()); err == nil {
				return i, true
			}
			if f, err := n.Float64(); err == nil {
				return int(f), true
			}
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func intOr(m map[string]json.RawMessage, fallback int, keys ...string) int {
	if v, ok := intField(m, keys...); ok {
		return v
	}
	return fallback
}

func boolField(m map[string]json.RawMessage, keys ...string) (bool, bool) {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || isNull(raw) {
			continue
		}
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			return b, true
		}
		if i, ok := intField(m, k); ok {
			return i != 0, true
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if v, err := strconv.ParseBool(s); err == nil {
				return v, true
			}
		}
	}
	return false, false
}

func strField(m map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := m[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}
