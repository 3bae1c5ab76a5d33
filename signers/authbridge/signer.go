// Package authbridge signs transaction intents through a local
// authenticator bridge. The bridge owns the platform credential ceremony;
// this client only ships the intent over and maps the bridge's outcome
// codes onto the error taxonomy the executor understands.
package authbridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	settle "github.com/kalebeat/settle"
)

// DefaultTimeout allows for human-scale interaction with the
// authenticator. Signing regularly takes tens of seconds.
const DefaultTimeout = 90 * time.Second

// Config configures a Signer.
type Config struct {
	// URL is the bridge base URL. Required.
	URL string
	// BatchContract is the batch-transfer contract address. Required
	// before any batch intent can be signed.
	BatchContract string
	// TokenContract is the asset contract moved by batch transfers.
	TokenContract string
	// HTTPClient overrides the default client when set.
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Signer submits intents to the authenticator bridge for signing. It
// implements settle.SigningAuthority.
type Signer struct {
	url           string
	batchContract string
	tokenContract string
	client        *http.Client
	log           zerolog.Logger
}

// NewSigner builds a Signer from cfg.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.URL == "" {
		return nil, settle.NewError(settle.KindValidation, "authbridge signer requires a URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Signer{
		url:           cfg.URL,
		batchContract: cfg.BatchContract,
		tokenContract: cfg.TokenContract,
		client:        client,
		log:           cfg.Logger,
	}, nil
}

type signRequest struct {
	Intent     settle.TransactionIntent `json:"intent"`
	Credential settle.CredentialHandle  `json:"credential"`
	Expiration uint64                   `json:"expiration"`
	// Invocation is set for batch intents: the contract call the bridge
	// must wrap in the transaction, assembled and checked client-side.
	Invocation *settle.BatchInvocation `json:"invocation,omitempty"`
}

type signResponse struct {
	Payload string `json:"payload"`
}

type signFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sign asks the bridge to sign intent with the given credential. The call
// blocks until the user completes or abandons the authenticator prompt.
func (s *Signer) Sign(ctx context.Context, intent settle.TransactionIntent, handle settle.CredentialHandle, expiration uint64) (settle.SignedPayload, error) {
	var invocation *settle.BatchInvocation
	if intent.Kind == settle.OpBatchTransfer {
		inv, err := settle.BuildBatchInvocation(s.batchContract, s.tokenContract, intent.Recipients)
		if err != nil {
			return settle.SignedPayload{}, err
		}
		invocation = &inv
	}

	body, err := json.Marshal(signRequest{
		Intent:     intent,
		Credential: handle,
		Expiration: expiration,
		Invocation: invocation,
	})
	if err != nil {
		return settle.SignedPayload{}, settle.WrapError(settle.KindUnknown, "encode sign request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(body))
	if err != nil {
		return settle.SignedPayload{}, settle.WrapError(settle.KindUnknown, "build sign request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.log.Debug().Str("intent", intent.ID).Uint64("expiration", expiration).Msg("requesting signature")
	resp, err := s.client.Do(req)
	if err != nil {
		return settle.SignedPayload{}, settle.WrapError(settle.KindUnknown, "authenticator bridge unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return settle.SignedPayload{}, settle.WrapError(settle.KindUnknown, "read sign response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return settle.SignedPayload{}, s.failure(resp.StatusCode, raw)
	}

	var out signResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return settle.SignedPayload{}, settle.WrapError(settle.KindUnknown, "decode sign response", err)
	}
	payload, err := base64.StdEncoding.DecodeString(out.Payload)
	if err != nil || len(payload) == 0 {
		return settle.SignedPayload{}, settle.NewError(settle.KindUnknown, "bridge returned an unusable payload")
	}

	return settle.SignedPayload{
		IntentID:   intent.ID,
		Bytes:      payload,
		Expiration: expiration,
	}, nil
}

// failure maps a bridge outcome code onto the error taxonomy. Unrecognized
// codes fall back to KindUnknown so the executor treats them as transient.
func (s *Signer) failure(status int, raw []byte) error {
	var f signFailure
	if err := json.Unmarshal(raw, &f); err != nil || f.Code == "" {
		return settle.Errorf(settle.KindUnknown, "authenticator bridge returned status %d", status)
	}

	msg := f.Message
	if msg == "" {
		msg = f.Code
	}
	switch f.Code {
	case "user_cancelled":
		return settle.NewError(settle.KindUserCancelled, msg)
	case "device_unsupported":
		return settle.NewError(settle.KindDeviceUnsupported, msg)
	case "credential_stale":
		return settle.NewError(settle.KindCredentialStale, msg)
	default:
		return settle.NewError(settle.KindUnknown, fmt.Sprintf("signing failed: %s", msg))
	}
}
