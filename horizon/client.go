// Package horizon is the ledger read boundary: latest ledger height,
// account lookups and paginated payment history. It is strictly read-only;
// the write path goes through the relay.
package horizon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	settle "github.com/kalebeat/settle"
)

// DefaultURL is the public horizon instance.
const DefaultURL = "https://horizon.stellar.org"

// DefaultTimeout bounds read-path requests. Reads are cheap; anything
// slower is treated as a transient network failure and retried by callers.
const DefaultTimeout = 10 * time.Second

// Config configures the client.
type Config struct {
	// URL is the base URL of the horizon instance (optional).
	URL string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for requests when HTTPClient is nil (optional).
	Timeout time.Duration

	Logger zerolog.Logger
}

// Client talks to a horizon instance. It implements settle.SequenceOracle
// and settle.SettlementConfirmer.
type Client struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a client with defaults applied.
func NewClient(cfg Config) *Client {
	base := cfg.URL
	if base == "" {
		base = DefaultURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{url: base, httpClient: httpClient, log: cfg.Logger}
}

// Account is the subset of a horizon account record the engine reads.
type Account struct {
	ID       string    `json:"id"`
	Sequence string    `json:"sequence"`
	Balances []Balance `json:"balances"`
}

// Balance is one asset line on an account.
type Balance struct {
	Balance   string `json:"balance"`
	AssetType string `json:"asset_type"`
	AssetCode string `json:"asset_code"`
	Issuer    string `json:"asset_issuer"`
}

// Operation is a raw payment-class operation record. The scan package
// normalizes these into settle.VerificationRecord.
type Operation struct {
	ID          string    `json:"id"`
	PagingToken string    `json:"paging_token"`
	Type        string    `json:"type"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	AssetType   string    `json:"asset_type"`
	AssetCode   string    `json:"asset_code"`
	AssetIssuer string    `json:"asset_issuer"`
	TxHash      string    `json:"transaction_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// PaymentsQuery selects a page of payment operations.
type PaymentsQuery struct {
	Cursor string
	Limit  int
	Order  string // "asc" or "desc"; empty means desc (newest first)
}

// PaymentsPage is one page of operations plus the cursor for the next.
type PaymentsPage struct {
	Records    []Operation
	NextCursor string
	HasMore    bool
}

type rootResponse struct {
	HistoryLatestLedger uint64 `json:"history_latest_ledger"`
}

// LatestSequence returns the current ledger height from the horizon root
// document. No retry at this layer; callers apply the retry policy.
func (c *Client) LatestSequence(ctx context.Context) (uint64, error) {
	var root rootResponse
	if _, err := c.getJSON(ctx, "/", &root); err != nil {
		return 0, err
	}
	if root.HistoryLatestLedger == 0 {
		return 0, settle.NewError(settle.KindNetwork, "horizon root returned no ledger height")
	}
	return root.HistoryLatestLedger, nil
}

// Account fetches an account record. A 404 reports found=false with no
// error: on this boundary "not found" means the account has no on-chain
// history yet, which is the normal state of a freshly created account.
func (c *Client) Account(ctx context.Context, address string) (Account, bool, error) {
	var acct Account
	status, err := c.getJSON(ctx, "/accounts/"+url.PathEscape(address), &acct)
	if err != nil {
		if status == http.StatusNotFound {
			return Account{}, false, nil
		}
		return Account{}, false, err
	}
	return acct, true, nil
}

// AccountBalance returns the account's balance for one asset. Asset is
// either "native" or an asset code; a missing trustline reads as zero.
func (c *Client) AccountBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	acct, found, err := c.Account(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, nil
	}
	for _, b := range acct.Balances {
		if (asset == "native" && b.AssetType == "native") || b.AssetCode == asset {
			amount, perr := decimal.NewFromString(b.Balance)
			if perr != nil {
				return decimal.Zero, settle.WrapError(settle.KindNetwork,
					fmt.Sprintf("horizon returned unparseable balance %q", b.Balance), perr)
			}
			return amount, nil
		}
	}
	return decimal.Zero, nil
}

type paymentsResponse struct {
	Embedded struct {
		Records []Operation `json:"records"`
	} `json:"_embedded"`
}

// Payments fetches one page of payment operations for an account. A 404
// reports an empty page, not an error (no on-chain history yet).
func (c *Client) Payments(ctx context.Context, address string, q PaymentsQuery) (PaymentsPage, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	order := q.Order
	if order == "" {
		order = "desc"
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("order", order)
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}

	var resp paymentsResponse
	path := "/accounts/" + url.PathEscape(address) + "/payments?" + params.Encode()
	status, err := c.getJSON(ctx, path, &resp)
	if err != nil {
		if status == http.StatusNotFound {
			return PaymentsPage{}, nil
		}
		return PaymentsPage{}, err
	}

	page := PaymentsPage{Records: resp.Embedded.Records}
	if n := len(resp.Embedded.Records); n > 0 {
		page.NextCursor = resp.Embedded.Records[n-1].PagingToken
		page.HasMore = n == q.Limit
	}
	return page, nil
}

// TransactionFound reports whether a transaction hash is on the ledger.
// Used by settlement confirmation polling.
func (c *Client) TransactionFound(ctx context.Context, hash string) (bool, error) {
	var ignored struct{}
	status, err := c.getJSON(ctx, "/transactions/"+url.PathEscape(hash), &ignored)
	if err != nil {
		if status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// getJSON performs a GET and decodes the body. Errors come back classified:
// transport failures and 5xx as KindNetwork (retryable), 4xx other than 404
// as KindValidation. The status code is returned alongside so callers can
// special-case 404.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return 0, settle.WrapError(settle.KindValidation, "failed to build horizon request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, settle.WrapError(settle.KindNetwork, "horizon request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, settle.WrapError(settle.KindNetwork, "failed to read horizon response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, settle.WrapError(settle.KindNetwork, "failed to decode horizon response", err)
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, settle.Errorf(settle.KindValidation, "horizon: %s not found", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("horizon degraded")
		return resp.StatusCode, settle.Errorf(settle.KindNetwork, "horizon returned %d", resp.StatusCode)
	default:
		return resp.StatusCode, settle.Errorf(settle.KindValidation, "horizon rejected request (%d): %s", resp.StatusCode, string(body))
	}
}
