// Package turnstile mints single-use anti-abuse tokens for relay
// submissions. Every submission carries a fresh token; batch flows mint one
// per chunk.
package turnstile

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	settle "github.com/kalebeat/settle"
)

// DefaultTimeout bounds a token mint.
const DefaultTimeout = 15 * time.Second

// Config configures a Provider.
type Config struct {
	// URL is the token endpoint. Required.
	URL string
	// SiteKey identifies the protected surface to the token service.
	SiteKey string
	// HTTPClient overrides the default client when set.
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Provider mints tokens over HTTP. It implements settle.TokenProvider.
type Provider struct {
	url     string
	siteKey string
	client  *http.Client
	log     zerolog.Logger
}

// NewProvider builds a Provider from cfg.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, settle.NewError(settle.KindValidation, "token provider requires a URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Provider{url: cfg.URL, siteKey: cfg.SiteKey, client: client, log: cfg.Logger}, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Token mints a fresh single-use token. Failures are KindNetwork so the
// caller's retry policy applies.
func (p *Provider) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", settle.WrapError(settle.KindUnknown, "build token request", err)
	}
	if p.siteKey != "" {
		q := req.URL.Query()
		q.Set("sitekey", p.siteKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", settle.WrapError(settle.KindNetwork, "token service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", settle.Errorf(settle.KindNetwork, "token service returned status %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", settle.WrapError(settle.KindNetwork, "decode token response", err)
	}
	if out.Token == "" {
		return "", settle.NewError(settle.KindNetwork, "token service returned an empty token")
	}
	p.log.Debug().Msg("minted submission token")
	return out.Token, nil
}

// Static returns the same token on every call. For development setups where
// the relay does not enforce tokens.
type Static string

// Token implements settle.TokenProvider.
func (s Static) Token(context.Context) (string, error) {
	return string(s), nil
}
