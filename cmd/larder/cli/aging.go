package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/larder-erp/larder/internal/ledger"
	"github.com/larder-erp/larder/internal/shared"
)

// AgingSource computes aging buckets.
type AgingSource interface {
	ComputeAging(ctx context.Context, query ledger.AgingQuery) (ledger.AgingBucket, error)
}

// AgingCLI prints account aging.
type AgingCLI struct {
	source AgingSource
	lang   language.Tag
}

// NewAgingCLI constructs the helper.
func NewAgingCLI(source AgingSource) *AgingCLI {
	return &AgingCLI{source: source, lang: language.English}
}

// AgingOptions defines the flags of the aging command.
type AgingOptions struct {
	AccountID  int64
	AsOf       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// AgingSummary is the JSON output of the aging command.
type AgingSummary struct {
	AccountID int64  `json:"account_id"`
	AsOf      string `json:"as_of"`
	Current   string `json:"current"`
	Days30    string `json:"days_30"`
	Days60    string `json:"days_60"`
	Days90    string `json:"days_90"`
	Total     string `json:"total"`
}

// AgingCommand computes and prints the aging of one account.
func (c *AgingCLI) AgingCommand(ctx context.Context, opts AgingOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.AccountID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "aging: --account is required and must be positive")
		return 1
	}
	asOf := time.Now().UTC()
	if strings.TrimSpace(opts.AsOf) != "" {
		parsed, err := parseDay(opts.AsOf)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "aging: invalid --as-of %q (expected YYYY-MM-DD)\n", opts.AsOf)
			return 1
		}
		asOf = parsed
	}
	bucket, err := c.source.ComputeAging(ctx, ledger.AgingQuery{AccountID: opts.AccountID, AsOf: asOf})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "aging: %v\n", err)
		if errors.Is(err, shared.ErrNotFound) {
			return 4
		}
		return 1
	}
	if opts.JSONOutput {
		summary := AgingSummary{
			AccountID: opts.AccountID,
			AsOf:      asOf.Format("2006-01-02"),
			Current:   bucket.Current.StringFixed(2),
			Days30:    bucket.Days30.StringFixed(2),
			Days60:    bucket.Days60.StringFixed(2),
			Days90:    bucket.Days90.StringFixed(2),
			Total:     bucket.Total().StringFixed(2),
		}
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "aging: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	c.renderHuman(opts.Stdout, opts.AccountID, asOf, bucket)
	return 0
}

func (c *AgingCLI) renderHuman(out io.Writer, accountID int64, asOf time.Time, bucket ledger.AgingBucket) {
	p := message.NewPrinter(c.lang)
	_, _ = fmt.Fprintf(out, "Aging for account %d as of %s\n", accountID, asOf.Format("2006-01-02"))
	rows := []struct {
		label  string
		amount decimal.Decimal
	}{
		{"current", bucket.Current},
		{"31-60 days", bucket.Days30},
		{"61-90 days", bucket.Days60},
		{"over 90 days", bucket.Days90},
		{"total", bucket.Total()},
	}
	for _, row := range rows {
		_, _ = p.Fprintf(out, "  %-13s %15.2f\n", row.label, row.amount.Round(2).InexactFloat64())
	}
}
