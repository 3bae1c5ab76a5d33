// Package scan pages through an account's ledger history to verify that
// payments actually landed. It is read-only and fully independent of the
// write path.
package scan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	settle "github.com/kalebeat/settle"
	"github.com/kalebeat/settle/horizon"
)

const (
	// DefaultPageLimit is the operations fetched per page.
	DefaultPageLimit = 200
	// DefaultMaxPages bounds how deep a scan goes before reporting
	// HasMore instead of walking the whole history.
	DefaultMaxPages = 5
	// existsTTL is how long an account-exists answer stays cached.
	existsTTL = 30 * time.Second
)

// DefaultTolerance is the amount slack allowed when matching expected
// transfers; ledger amounts can differ from UI amounts by dust.
var DefaultTolerance = decimal.RequireFromString("0.1")

// LedgerReader is the slice of the horizon client the scanner needs.
type LedgerReader interface {
	Account(ctx context.Context, address string) (horizon.Account, bool, error)
	Payments(ctx context.Context, address string, q horizon.PaymentsQuery) (horizon.PaymentsPage, error)
}

// Config configures a Scanner.
type Config struct {
	Reader LedgerReader
	Logger zerolog.Logger
}

// Scanner verifies payments against ledger history. Identical concurrent
// queries (same address, same parameters) share one underlying request.
type Scanner struct {
	reader  LedgerReader
	log     zerolog.Logger
	exists  *queryCache
	queries *queryCache
}

// NewScanner builds a scanner.
func NewScanner(cfg Config) (*Scanner, error) {
	if cfg.Reader == nil {
		return nil, settle.NewError(settle.KindValidation, "scanner requires a ledger reader")
	}
	return &Scanner{
		reader:  cfg.Reader,
		log:     cfg.Logger,
		exists:  newQueryCache(existsTTL),
		queries: newQueryCache(0),
	}, nil
}

// Options tunes a scan. Zero values fall back to defaults.
type Options struct {
	// Limit is the page size.
	Limit int
	// MaxPages bounds the scan depth.
	MaxPages int
	// StopEarly, when set, ends the scan as soon as it returns true for a
	// parsed record. Used to bound cost when looking for one payment.
	StopEarly func(settle.VerificationRecord) bool
}

func (o Options) normalized() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultPageLimit
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	return o
}

// Result is the outcome of a scan.
type Result struct {
	Records []settle.VerificationRecord
	// Scanned counts raw operations examined, parsed or not.
	Scanned int
	// HasMore reports that history continued past the scan budget.
	HasMore bool
}

// AccountExists reports whether the account is known to the ledger. It
// fails closed: an invalid address or a read failure reports false with a
// distinguishable warning, never an error; at this layer a nonexistent
// account is indistinguishable from "never transacted", the normal state
// of a freshly created account.
func (s *Scanner) AccountExists(ctx context.Context, address string) bool {
	if !settle.ValidAddress(address) {
		s.log.Warn().Str("account", address).Msg("account existence check on malformed address")
		return false
	}

	v, err := s.exists.do(ctx, "exists|"+address, func() (interface{}, error) {
		_, found, err := s.reader.Account(ctx, address)
		if err != nil {
			return nil, err
		}
		return found, nil
	})
	if err != nil {
		s.log.Warn().Str("account", address).Err(err).Msg("account existence check failed, assuming absent")
		return false
	}
	return v.(bool)
}

// ScanOperations pages through the account's payment history, newest
// first, normalizing each operation into a VerificationRecord. Concurrent
// calls with identical parameters share one underlying scan, except when
// StopEarly is set, since predicates have no identity to key on.
func (s *Scanner) ScanOperations(ctx context.Context, address string, opts Options) (Result, error) {
	opts = opts.normalized()

	if opts.StopEarly != nil {
		return s.scan(ctx, address, opts)
	}

	key := fmt.Sprintf("scan|%s|%d|%d", address, opts.Limit, opts.MaxPages)
	v, err := s.queries.do(ctx, key, func() (interface{}, error) {
		return s.scan(ctx, address, opts)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Scanner) scan(ctx context.Context, address string, opts Options) (Result, error) {
	var res Result
	cursor := ""

	for page := 0; page < opts.MaxPages; page++ {
		p, err := s.reader.Payments(ctx, address, horizon.PaymentsQuery{
			Cursor: cursor,
			Limit:  opts.Limit,
		})
		if err != nil {
			return Result{}, err
		}

		for _, op := range p.Records {
			res.Scanned++
			rec, ok := parseOperation(op)
			if !ok {
				continue
			}
			res.Records = append(res.Records, rec)
			if opts.StopEarly != nil && opts.StopEarly(rec) {
				// Stopped mid-history; more may exist past this point.
				res.HasMore = true
				return res, nil
			}
		}

		res.HasMore = p.HasMore
		if !p.HasMore {
			break
		}
		cursor = p.NextCursor
	}

	return res, nil
}

// FindTransfersTo scans address's history for transfers to recipient
// matching the expected amounts, within tolerance. Each expected amount
// matches at most one record. The scan halts as soon as every amount is
// matched; a partial match returns the records found with no error, so the
// caller decides what an incomplete settlement means.
func (s *Scanner) FindTransfersTo(ctx context.Context, address, recipient string, expected []decimal.Decimal, tolerance decimal.Decimal) ([]settle.VerificationRecord, error) {
	if len(expected) == 0 {
		return nil, nil
	}
	if tolerance.LessThanOrEqual(decimal.Zero) {
		tolerance = DefaultTolerance
	}

	amounts := make([]string, len(expected))
	for i, a := range expected {
		amounts[i] = a.String()
	}
	key := fmt.Sprintf("find|%s|%s|%s|%s", address, recipient, strings.Join(amounts, ","), tolerance)

	v, err := s.queries.do(ctx, key, func() (interface{}, error) {
		matched := make([]bool, len(expected))
		remaining := len(expected)
		var matches []settle.VerificationRecord

		_, err := s.scan(ctx, address, Options{}.normalized().withStopEarly(func(rec settle.VerificationRecord) bool {
			if rec.To != recipient {
				return false
			}
			for i, want := range expected {
				if matched[i] {
					continue
				}
				if rec.Amount.Sub(want).Abs().LessThanOrEqual(tolerance) {
					matched[i] = true
					remaining--
					matches = append(matches, rec)
					break
				}
			}
			return remaining == 0
		}))
		if err != nil {
			return nil, err
		}
		return matches, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]settle.VerificationRecord), nil
}

func (o Options) withStopEarly(fn func(settle.VerificationRecord) bool) Options {
	o.StopEarly = fn
	return o
}

// parseOperation normalizes a raw operation into a VerificationRecord.
// Non-transfer operation types are skipped.
func parseOperation(op horizon.Operation) (settle.VerificationRecord, bool) {
	switch op.Type {
	case "payment", "path_payment_strict_send", "path_payment_strict_receive", "invoke_host_function":
	default:
		return settle.VerificationRecord{}, false
	}
	if op.From == "" || op.To == "" || op.Amount == "" {
		return settle.VerificationRecord{}, false
	}
	amount, err := decimal.NewFromString(op.Amount)
	if err != nil {
		return settle.VerificationRecord{}, false
	}

	asset := op.AssetCode
	if op.AssetType == "native" {
		asset = "native"
	}
	return settle.VerificationRecord{
		From:         op.From,
		To:           op.To,
		Amount:       amount,
		Asset:        asset,
		OperationRef: op.ID,
		TxHash:       op.TxHash,
		ClosedAt:     op.CreatedAt,
	}, true
}
