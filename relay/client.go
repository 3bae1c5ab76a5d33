// Package relay is the write boundary: it hands a signed payload plus a
// single-use anti-abuse token to the relay service, which forwards it to
// the ledger and absorbs fee/submission mechanics.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	settle "github.com/kalebeat/settle"
)

// DefaultTimeout bounds a submission. Submission can legitimately take a
// while: the relay waits for ledger inclusion before answering.
const DefaultTimeout = 90 * time.Second

// Config configures the client.
type Config struct {
	// URL is the relay's submit endpoint base URL. Required.
	URL string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for submissions when HTTPClient is nil (optional).
	Timeout time.Duration

	Logger zerolog.Logger
}

// Client submits signed payloads. It implements settle.Relay. Errors are
// classified at origin: timeouts KindRelayTimeout, 5xx and transport
// failures KindNetwork (both retryable), any other 4xx KindRelayRejected
// (the relay answered and refused; resubmitting the same bytes is futile).
type Client struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a client with defaults applied.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{url: cfg.URL, httpClient: httpClient, log: cfg.Logger}
}

type submitRequest struct {
	Tx    string `json:"tx"`
	Token string `json:"token,omitempty"`
}

type submitResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Submit posts the signed payload. The intent ID rides along as an
// idempotency key so a retry after a timeout cannot double-submit.
func (c *Client) Submit(ctx context.Context, payload settle.SignedPayload, token string) (settle.SubmitResult, error) {
	body, err := json.Marshal(submitRequest{
		Tx:    base64.StdEncoding.EncodeToString(payload.Bytes),
		Token: token,
	})
	if err != nil {
		return settle.SubmitResult{}, settle.WrapError(settle.KindValidation, "failed to encode submission", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return settle.SubmitResult{}, settle.WrapError(settle.KindValidation, "failed to build relay request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", payload.IntentID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return settle.SubmitResult{}, settle.WrapError(settle.KindRelayTimeout, "relay submission timed out", err)
		}
		return settle.SubmitResult{}, settle.WrapError(settle.KindNetwork, "relay submission failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return settle.SubmitResult{}, settle.WrapError(settle.KindNetwork, "failed to read relay response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out submitResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return settle.SubmitResult{}, settle.WrapError(settle.KindNetwork, "failed to decode relay response", err)
		}
		c.log.Debug().Str("hash", out.Hash).Str("status", out.Status).Msg("relay accepted submission")
		return settle.SubmitResult{Hash: out.Hash, Status: out.Status}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		// Rate limiting is pressure, not refusal.
		return settle.SubmitResult{}, settle.NewError(settle.KindNetwork, "relay rate limited")

	case resp.StatusCode >= 500:
		return settle.SubmitResult{}, settle.Errorf(settle.KindNetwork, "relay returned %d", resp.StatusCode)

	default:
		var failure errorResponse
		_ = json.Unmarshal(respBody, &failure)
		msg := failure.Message
		if msg == "" {
			msg = string(respBody)
		}
		return settle.SubmitResult{}, settle.Errorf(settle.KindRelayRejected, "relay refused submission (%d): %s", resp.StatusCode, msg)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}
