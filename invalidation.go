package bizadmin

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// Invalidation Fan-out
// ============================================================================

// MutationKind names a write operation in the invalidation table.
type MutationKind string

const (
	KindSendTaskMessage    MutationKind = "send_task_message"
	KindEmployeeCommission MutationKind = "employee_commission"
	KindEmployeeSalary     MutationKind = "employee_salary"
	KindCompanyExpense     MutationKind = "company_expense"
	KindCompanyIncome      MutationKind = "company_income"
	KindAccountVerify      MutationKind = "account_verify"
	KindAccountRecalculate MutationKind = "account_recalculate"
)

var knownKinds = map[MutationKind]bool{
	KindSendTaskMessage:    true,
	KindEmployeeCommission: true,
	KindEmployeeSalary:     true,
	KindCompanyExpense:     true,
	KindCompanyIncome:      true,
	KindAccountVerify:      true,
	KindAccountRecalculate: true,
}

// Params fill the {name} placeholders of table templates.
type Params map[string]string

// Table maps each mutation kind to the key prefixes it makes stale.
// Templates are slash-separated; a part written {name} is taken from Params.
//
// Keep this table in sync by hand whenever a write gains a new cross-effect
// on aggregates. Prefixes such as employees/list or tasks/list belong to
// other callers sharing the same Store.
type Table map[MutationKind][]string

var defaultTable = Table{
	KindSendTaskMessage: {
		"tasks/{task_id}/messages",
		"tasks/{task_id}/messages-stats",
		"messages/recent",
		"tasks/list",
	},
	KindEmployeeCommission: {
		"accounts/employee/{id}",
		"accounts/balances",
		"employees/{id}",
		"employees/list",
		"accounts/transactions",
	},
	KindEmployeeSalary: {
		"accounts/employee/{id}",
		"accounts/balances",
		"employees/{id}",
		"employees/list",
		"accounts/transactions",
	},
	KindCompanyExpense: {
		"accounts/company",
		"accounts/balances",
		"accounts/transactions",
		"accounts/payments",
	},
	KindCompanyIncome: {
		"accounts/company",
		"accounts/balances",
		"accounts/transactions",
		"accounts/payments",
	},
	KindAccountVerify: {
		"accounts/{type}/{id}",
	},
	KindAccountRecalculate: {
		"accounts/{type}/{id}",
		"accounts/balances",
		"accounts/clients",
	},
}

// DefaultTable returns a copy of the built-in table.
func DefaultTable() Table {
	return defaultTable.clone()
}

func (t Table) clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Resolve substitutes params into the templates for kind and returns the
// de-duplicated prefixes in table order.
func (t Table) Resolve(kind MutationKind, params Params) ([]QueryKey, error) {
	templates, ok := t[kind]
	if !ok {
		return nil, fmt.Errorf("invalidation table: unknown mutation kind %q", kind)
	}
	seen := make(map[string]bool, len(templates))
	keys := make([]QueryKey, 0, len(templates))
	for _, tpl := range templates {
		key, err := expandTemplate(tpl, params)
		if err != nil {
			return nil, fmt.Errorf("invalidation table: %s: %w", kind, err)
		}
		if s := key.String(); !seen[s] {
			seen[s] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func expandTemplate(tpl string, params Params) (QueryKey, error) {
	parts := ParseKey(tpl)
	out := make(QueryKey, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			name := p[1 : len(p)-1]
			v, ok := params[name]
			if !ok || v == "" {
				return nil, fmt.Errorf("template %q: missing param %q", tpl, name)
			}
			p = v
		}
		out[i] = p
	}
	return out, nil
}

// Kinds lists the kinds present in t, sorted.
func (t Table) Kinds() []MutationKind {
	kinds := make([]MutationKind, 0, len(t))
	for k := range t {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// tableFile is the YAML override document:
//
//	extend:
//	  employee_commission: [reports/payroll]
//	replace:
//	  company_income: [accounts/company, accounts/balances]
type tableFile struct {
	Extend  map[string][]string `yaml:"extend"`
	Replace map[string][]string `yaml:"replace"`
}

// LoadTable applies the YAML overrides read from r on top of base.
func LoadTable(r io.Reader, base Table) (Table, error) {
	var f tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse invalidation table: %w", err)
	}

	out := base.clone()
	for name, prefixes := range f.Replace {
		kind := MutationKind(name)
		if !knownKinds[kind] {
			return nil, fmt.Errorf("invalidation table: unknown mutation kind %q", name)
		}
		out[kind] = dedupe(prefixes)
	}
	for name, prefixes := range f.Extend {
		kind := MutationKind(name)
		if !knownKinds[kind] {
			return nil, fmt.Errorf("invalidation table: unknown mutation kind %q", name)
		}
		out[kind] = dedupe(append(out[kind], prefixes...))
	}
	return out, nil
}

// LoadTableFile reads overrides from path. An empty path returns base.
func LoadTableFile(path string, base Table) (Table, error) {
	if path == "" {
		return base.clone(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open invalidation table: %w", err)
	}
	defer f.Close()
	return LoadTable(f, base)
}

func dedupe(prefixes []string) []string {
	seen := make(map[string]bool, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
