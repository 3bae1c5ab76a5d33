package settle

import (
	"context"

	"github.com/shopspring/decimal"
)

// SequenceOracle reports the current ledger height. It carries no retry of
// its own; callers apply the retry policy. Batch flows must re-query it per
// chunk, never cache across chunks, because wall-clock time between chunks
// can exceed the expiration buffer.
type SequenceOracle interface {
	LatestSequence(ctx context.Context) (uint64, error)
}

// SigningAuthority is the boundary to the platform authenticator. Sign
// suspends for human-scale interaction (potentially tens of seconds).
// Once the authenticator is involved it fails with exactly one of
// KindUserCancelled, KindDeviceUnsupported, KindCredentialStale or
// KindUnknown; a payload that cannot be assembled fails KindValidation
// before the user is prompted.
//
// KindUserCancelled is a normal abort path, never an error toast and never
// retried. KindCredentialStale must reach the caller untouched so the user
// can be asked to re-authenticate; the engine never invalidates the stored
// credential itself.
type SigningAuthority interface {
	Sign(ctx context.Context, intent TransactionIntent, handle CredentialHandle, expiration uint64) (SignedPayload, error)
}

// Relay is the write boundary: it accepts a signed payload plus a
// single-use anti-abuse token and forwards it to the ledger. Failures are
// classified at origin: 4xx KindRelayRejected, 5xx KindNetwork, timeout
// KindRelayTimeout.
type Relay interface {
	Submit(ctx context.Context, payload SignedPayload, token string) (SubmitResult, error)
}

// TokenProvider mints a fresh single-use anti-abuse token. Batch flows call
// it once per chunk; tokens are never reused across submissions.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// SessionState is what the executor needs from session storage: the
// enrolled credential and the cached balance for pre-flight validation,
// plus a best-effort refresh after settlement. RefreshBalance must be a
// no-op while the transaction lock is held.
type SessionState interface {
	Credential() (CredentialHandle, bool)
	CachedBalance(asset string) (decimal.Decimal, bool)
	RefreshBalance(ctx context.Context, asset string) error
}
