package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	bizadmin "github.com/bizadmin-io/bizadmin-go"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

// newClient creates an API client from the stored configuration.
func newClient() (*bizadmin.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.Token == "" {
		return nil, nil, fmt.Errorf("no API token. Run 'bizadmin init <token>' first")
	}

	opts := []bizadmin.ClientOption{bizadmin.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, bizadmin.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Timeout != "" {
		d, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid default.timeout %q: %w", cfg.Default.Timeout, err)
		}
		opts = append(opts, bizadmin.WithTimeout(d))
	}
	if cfg.Identity.EmployeeID != 0 || cfg.Identity.EmployeeName != "" {
		opts = append(opts, bizadmin.WithIdentity(cfg.Identity.EmployeeID, cfg.Identity.EmployeeName))
	}
	if cfg.Cache.StaleTime != "" {
		d, err := time.ParseDuration(cfg.Cache.StaleTime)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid cache.stale_time %q: %w", cfg.Cache.StaleTime, err)
		}
		opts = append(opts, bizadmin.WithStore(bizadmin.NewStore(bizadmin.WithStaleTime(d))))
	}
	if cfg.Cache.InvalidationFile != "" {
		table, err := bizadmin.LoadTableFile(cfg.Cache.InvalidationFile, bizadmin.DefaultTable())
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, bizadmin.WithInvalidationTable(table))
	}

	return bizadmin.NewClient(cfg.Default.Token, opts...), cfg, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, commandTimeout)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAccountType(s string) (bizadmin.AccountType, error) {
	t := bizadmin.AccountType(strings.ToLower(s))
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("%w (valid: client, employee, company)", err)
	}
	return t, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printPagination(out io.Writer, p bizadmin.Pagination) {
	if p.Defaulted {
		return
	}
	more := "no"
	if _, ok := p.Next(); ok {
		more = "yes"
	}
	fmt.Fprintf(out, "Page %d/%d (%d total, more: %s)\n", p.CurrentPage, p.TotalPages, p.Total, more)
}

func optional(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}
