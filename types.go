package settle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationKind names what the user is trying to do. It selects the payload
// shape the signing bridge builds; the engine mechanics are identical.
type OperationKind string

const (
	// OpPayment is a single-recipient asset transfer (tip, purchase).
	OpPayment OperationKind = "payment"
	// OpBatchTransfer is a multi-recipient transfer routed through the
	// batch-transfer contract: one invocation, parallel recipient and
	// amount vectors, one signature.
	OpBatchTransfer OperationKind = "batch_transfer"
	// OpMint invokes a mint entrypoint (e.g. minting a track).
	OpMint OperationKind = "mint"
)

// Recipient is one destination of a transfer.
type Recipient struct {
	Address string
	Amount  decimal.Decimal
}

// TransactionIntent is one user action, immutable once handed to the
// executor and discarded after settlement. The ID doubles as the relay
// idempotency key so a retried submit after a timeout cannot double-spend.
type TransactionIntent struct {
	ID             string
	Kind           OperationKind
	Asset          string
	Recipients     []Recipient
	AuthRequired   bool
	TurnstileToken string
	Memo           string
}

// NewIntent builds an intent with a fresh ID.
func NewIntent(kind OperationKind, asset string, recipients []Recipient) TransactionIntent {
	return TransactionIntent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Asset:      asset,
		Recipients: recipients,
	}
}

// Total is the sum of all recipient amounts.
func (i TransactionIntent) Total() decimal.Decimal {
	total := decimal.Zero
	for _, r := range i.Recipients {
		total = total.Add(r.Amount)
	}
	return total
}

// CredentialHandle references the user's signing key inside the platform
// authenticator. The engine never sees raw key material. It persists across
// restarts in the session store.
type CredentialHandle struct {
	ContractID string `json:"contractId"`
	KeyID      string `json:"keyId"`
	RPID       string `json:"rpId"`
}

// Valid reports whether the handle is populated enough to sign with.
func (h CredentialHandle) Valid() bool {
	return h.ContractID != "" && h.KeyID != ""
}

// SignedPayload is the opaque signed transaction envelope produced by the
// signing authority, valid for submission until the ledger sequence reaches
// Expiration.
type SignedPayload struct {
	IntentID   string
	Bytes      []byte
	Expiration uint64
}

// SubmitResult is the relay's acknowledgement of a submission.
type SubmitResult struct {
	Hash   string
	Status string
}

// SettlementSummary reports the outcome of a batch settlement. Partial
// success is an expected, reportable outcome: Remaining always lists every
// recipient that was not paid, and LastError the failure that stopped the
// run.
type SettlementSummary struct {
	TotalChunks     int
	SucceededChunks int
	Hashes          []string
	Remaining       []Recipient
	LastError       error
}

// Complete reports whether every chunk settled.
func (s SettlementSummary) Complete() bool {
	return len(s.Remaining) == 0 && s.LastError == nil
}

// VerificationRecord is a normalized transfer parsed from a historical
// ledger operation. Read-only; used only by verification flows.
type VerificationRecord struct {
	From         string
	To           string
	Amount       decimal.Decimal
	Asset        string
	OperationRef string
	TxHash       string
	ClosedAt     time.Time
}

// BalanceSnapshot is a cached account/asset balance. It is updated only
// after a transaction settles and is explicitly not refreshed while a
// transaction lock is held.
type BalanceSnapshot struct {
	Account   string          `json:"account"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
