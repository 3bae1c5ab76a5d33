package settle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultChunkSize is how many recipients ride in one batch-transfer
	// invocation.
	DefaultChunkSize = 3
	// MaxChunkSize is the relay resource envelope: larger invocations get
	// rejected for exceeding per-transaction limits.
	MaxChunkSize = 5
	// DefaultChunkCooldown is the pause between chunk submissions.
	DefaultChunkCooldown = time.Second
)

// IntentExecutor is the slice of Executor the coordinator needs.
type IntentExecutor interface {
	Execute(ctx context.Context, intent TransactionIntent) (SubmitResult, error)
}

// CoordinatorConfig wires a Coordinator. Executor and Tokens are required.
type CoordinatorConfig struct {
	Executor IntentExecutor
	Tokens   TokenProvider

	// ChunkSize is clamped to [1, MaxChunkSize]; zero means default.
	ChunkSize int
	// Cooldown between chunks; zero means default, negative disables.
	Cooldown time.Duration
	Logger   zerolog.Logger
	Metrics  *Metrics
}

// Coordinator settles payments too large for a single transaction by
// splitting the recipient set into bounded chunks and driving the executor
// once per chunk, strictly sequentially. Each chunk observes a fresh
// anti-abuse token and (via the executor) a fresh sequence read; tokens
// are single-use and the expiration window would go stale across the
// wall-clock gap between chunks.
//
// Settlement is NOT atomic across chunks. A mid-run failure stops the run
// and the summary reports both the settled chunks and every recipient left
// unpaid.
type Coordinator struct {
	cfg CoordinatorConfig
}

// NewCoordinator validates required collaborators and applies defaults.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Executor == nil {
		return nil, NewError(KindValidation, "coordinator requires an executor")
	}
	if cfg.Tokens == nil {
		return nil, NewError(KindValidation, "coordinator requires a token provider")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 1
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultChunkCooldown
	}
	return &Coordinator{cfg: cfg}, nil
}

// Settle pays every recipient in asset units. The returned summary is
// meaningful even when err is non-nil: err is always summary.LastError, and
// summary.Remaining lists every unpaid recipient in original order.
func (c *Coordinator) Settle(ctx context.Context, asset string, recipients []Recipient) (SettlementSummary, error) {
	if err := ValidateRecipients(recipients); err != nil {
		return SettlementSummary{Remaining: recipients, LastError: err}, err
	}

	chunks := ChunkRecipients(recipients, c.cfg.ChunkSize)
	summary := SettlementSummary{TotalChunks: len(chunks)}

	c.cfg.Logger.Info().
		Int("recipients", len(recipients)).
		Int("chunks", len(chunks)).
		Str("asset", asset).
		Msg("starting batch settlement")

	for i, chunk := range chunks {
		if i > 0 && c.cfg.Cooldown > 0 {
			select {
			case <-time.After(c.cfg.Cooldown):
			case <-ctx.Done():
				return c.stopped(summary, chunks[i:], ctx.Err())
			}
		}

		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return c.stopped(summary, chunks[i:], err)
		}

		intent := NewIntent(OpBatchTransfer, asset, chunk)
		intent.AuthRequired = true
		intent.TurnstileToken = token

		res, err := c.cfg.Executor.Execute(ctx, intent)
		if err != nil {
			return c.stopped(summary, chunks[i:], err)
		}

		summary.SucceededChunks++
		summary.Hashes = append(summary.Hashes, res.Hash)
		c.cfg.Metrics.chunkSettled()
		c.cfg.Logger.Info().
			Int("chunk", i+1).
			Int("of", len(chunks)).
			Str("hash", res.Hash).
			Msg("chunk settled")
	}

	return summary, nil
}

// stopped finalizes a summary after a mid-run failure, flattening the
// unprocessed chunks back into the remaining recipient list.
func (c *Coordinator) stopped(summary SettlementSummary, unprocessed [][]Recipient, err error) (SettlementSummary, error) {
	for _, chunk := range unprocessed {
		summary.Remaining = append(summary.Remaining, chunk...)
	}
	summary.LastError = err
	c.cfg.Logger.Warn().
		Int("succeeded_chunks", summary.SucceededChunks).
		Int("remaining_recipients", len(summary.Remaining)).
		Err(err).
		Msg("batch settlement stopped")
	return summary, err
}

// ChunkRecipients partitions recipients into ordered chunks of at most
// size. The union of all chunks is exactly the input, in order.
func ChunkRecipients(recipients []Recipient, size int) [][]Recipient {
	if size < 1 {
		size = 1
	}
	var chunks [][]Recipient
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, recipients[start:end:end])
	}
	return chunks
}
