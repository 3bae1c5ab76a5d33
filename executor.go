package settle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// State is the executor's position in the transaction lifecycle. Exposed
// through ExecutorHooks so embedders can drive progress UI and tests can
// fault-inject at specific transitions.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateSequenceFetch
	StateSigning
	StateAwaitingRelay
	StateSettling
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateSequenceFetch:
		return "sequence_fetch"
	case StateSigning:
		return "signing"
	case StateAwaitingRelay:
		return "awaiting_relay"
	case StateSettling:
		return "settling"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

const (
	// DefaultBufferLedgers is how far past the current sequence a signed
	// payload stays valid.
	DefaultBufferLedgers uint64 = 60
	// DefaultSafetyMargin is the minimum remaining validity, in ledgers,
	// required at submission time. Signing can take tens of seconds on a
	// hardware-backed authenticator; this guards against sequence drift
	// during that pause.
	DefaultSafetyMargin uint64 = 10
)

// ExecutorHooks are optional observation points. All hooks may be nil.
type ExecutorHooks struct {
	// OnTransition fires on every state change with the intent ID.
	OnTransition func(intentID string, state State)
}

// SettlementConfirmer looks up whether a submitted transaction has landed
// on the ledger. Implemented by horizon.Client.
type SettlementConfirmer interface {
	TransactionFound(ctx context.Context, hash string) (bool, error)
}

// ExecutorConfig wires the executor's collaborators. Oracle, Signer, Relay
// and Session are required; everything else has working defaults.
type ExecutorConfig struct {
	Oracle  SequenceOracle
	Signer  SigningAuthority
	Relay   Relay
	Session SessionState

	// Lock is the process-wide single-flight gate. Share one instance
	// across every executor and any other write-path code.
	Lock *TxLock

	// Breaker guards the relay endpoint. Share one instance per endpoint.
	Breaker *CircuitBreaker

	// Confirmer enables ConfirmSettlement. Optional.
	Confirmer SettlementConfirmer

	Retry         RetryOptions
	BufferLedgers uint64
	SafetyMargin  uint64
	Logger        zerolog.Logger
	Metrics       *Metrics
	Hooks         ExecutorHooks
}

// Executor drives one transaction from intent to settlement:
// validate → acquire lock → fetch sequence → sign → guard staleness →
// submit (breaker + retry) → release lock → refresh balance.
//
// It is the single write-path entry point: callers never hand-roll
// sign+submit around it.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor validates required collaborators and applies defaults.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Oracle == nil {
		return nil, NewError(KindValidation, "executor requires a sequence oracle")
	}
	if cfg.Signer == nil {
		return nil, NewError(KindValidation, "executor requires a signing authority")
	}
	if cfg.Relay == nil {
		return nil, NewError(KindValidation, "executor requires a relay")
	}
	if cfg.Session == nil {
		return nil, NewError(KindValidation, "executor requires session state")
	}
	if cfg.Lock == nil {
		cfg.Lock = NewTxLock()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker(BreakerConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.BufferLedgers == 0 {
		cfg.BufferLedgers = DefaultBufferLedgers
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	cfg.Retry = cfg.Retry.normalized()
	userOnRetry := cfg.Retry.OnRetry
	metrics, logger := cfg.Metrics, cfg.Logger
	cfg.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.retry()
		logger.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying")
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}
	return &Executor{cfg: cfg}, nil
}

// Lock exposes the single-flight gate, e.g. for session stores that must
// skip balance refresh while a transaction is in flight.
func (e *Executor) Lock() *TxLock { return e.cfg.Lock }

// Execute runs one transaction intent to a terminal state. It returns the
// relay acknowledgement on success. On every failure path the lock is
// released before the error is returned, and the error reaches the caller
// with its original classification.
func (e *Executor) Execute(ctx context.Context, intent TransactionIntent) (SubmitResult, error) {
	e.transition(intent.ID, StateValidating)

	if err := e.validate(intent); err != nil {
		// Lock was never acquired on this path.
		return SubmitResult{}, e.fail(intent, err)
	}
	cred, ok := e.cfg.Session.Credential()
	if !ok || !cred.Valid() {
		return SubmitResult{}, e.fail(intent, NewError(KindValidation, "no signing credential enrolled"))
	}

	if !e.cfg.Lock.TryAcquire() {
		return SubmitResult{}, e.fail(intent, NewError(KindLockContention, "another transaction is in flight"))
	}

	res, err := e.executeLocked(ctx, intent, cred)
	if err != nil {
		return SubmitResult{}, e.fail(intent, err)
	}

	e.transition(intent.ID, StateSuccess)
	e.cfg.Metrics.txOutcome("success")
	e.cfg.Logger.Info().
		Str("intent", intent.ID).
		Str("hash", res.Hash).
		Str("asset", intent.Asset).
		Msg("transaction settled")

	// Best-effort: settlement already succeeded, a refresh failure must
	// not surface. Detached from ctx so UI navigation can't cancel it.
	go e.refreshBalance(context.WithoutCancel(ctx), intent.Asset)

	return res, nil
}

// executeLocked holds the lock for the duration of sequence fetch, signing
// and submission. The deferred release covers every exit path, including
// panics in collaborators.
func (e *Executor) executeLocked(ctx context.Context, intent TransactionIntent, cred CredentialHandle) (SubmitResult, error) {
	defer e.cfg.Lock.Release()

	e.transition(intent.ID, StateSequenceFetch)
	seq, err := WithRetry(ctx, e.cfg.Retry, func(ctx context.Context) (uint64, error) {
		return e.cfg.Oracle.LatestSequence(ctx)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	expiration := seq + e.cfg.BufferLedgers

	e.transition(intent.ID, StateSigning)
	signed, err := e.cfg.Signer.Sign(ctx, intent, cred, expiration)
	if err != nil {
		return SubmitResult{}, err
	}

	e.transition(intent.ID, StateAwaitingRelay)
	// The signing pause is human-scale; re-check the window against a
	// fresh sequence read before spending a relay call on a payload that
	// can no longer land.
	current, err := WithRetry(ctx, e.cfg.Retry, func(ctx context.Context) (uint64, error) {
		return e.cfg.Oracle.LatestSequence(ctx)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if signed.Expiration <= current+e.cfg.SafetyMargin {
		return SubmitResult{}, Errorf(KindPayloadStale,
			"payload expires at sequence %d but ledger is already at %d", signed.Expiration, current)
	}

	res, err := WithRetry(ctx, e.cfg.Retry, func(ctx context.Context) (SubmitResult, error) {
		var out SubmitResult
		berr := e.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
			r, serr := e.cfg.Relay.Submit(ctx, signed, intent.TurnstileToken)
			if serr != nil {
				return serr
			}
			out = r
			return nil
		})
		return out, berr
	})
	if err != nil {
		return SubmitResult{}, err
	}

	e.transition(intent.ID, StateSettling)
	return res, nil
}

// ConfirmSettlement polls the ledger read boundary until the transaction
// hash appears. Best used after Execute when the caller needs on-ledger
// confirmation rather than relay acceptance.
func (e *Executor) ConfirmSettlement(ctx context.Context, hash string, opts PollOptions) error {
	if e.cfg.Confirmer == nil {
		return NewError(KindValidation, "no settlement confirmer configured")
	}
	return PollUntil(ctx, opts, func(ctx context.Context) (bool, error) {
		return e.cfg.Confirmer.TransactionFound(ctx, hash)
	})
}

func (e *Executor) validate(intent TransactionIntent) error {
	if err := ValidateIntent(intent); err != nil {
		return err
	}
	if intent.Kind == OpPayment || intent.Kind == OpBatchTransfer {
		if cached, ok := e.cfg.Session.CachedBalance(intent.Asset); ok {
			if cached.LessThan(intent.Total()) {
				return Errorf(KindValidation, "insufficient %s balance: have %s, need %s",
					intent.Asset, cached, intent.Total())
			}
		}
	}
	return nil
}

func (e *Executor) fail(intent TransactionIntent, err error) error {
	e.transition(intent.ID, StateFailed)

	kind := KindOf(err)
	if kind == KindUserCancelled {
		// A normal abort path, not a failure to report.
		e.cfg.Metrics.txOutcome("cancelled")
		e.cfg.Logger.Debug().Str("intent", intent.ID).Msg("signing cancelled by user")
		return err
	}

	e.cfg.Metrics.txOutcome(kind.String())
	e.cfg.Logger.Warn().
		Str("intent", intent.ID).
		Str("kind", kind.String()).
		Err(err).
		Msg("transaction failed")
	return err
}

func (e *Executor) refreshBalance(ctx context.Context, asset string) {
	if err := e.cfg.Session.RefreshBalance(ctx, asset); err != nil {
		e.cfg.Logger.Debug().Str("asset", asset).Err(err).Msg("post-settlement balance refresh failed")
	}
}

func (e *Executor) transition(intentID string, state State) {
	if e.cfg.Hooks.OnTransition != nil {
		e.cfg.Hooks.OnTransition(intentID, state)
	}
}
