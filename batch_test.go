package settle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("turnstile-%d", f.calls), nil
}

// sevenRecipients is the canonical settlement scenario: 7 recipients at 5
// units each, chunk size 3 → chunks of [3 3 1].
func sevenRecipients() []Recipient {
	var rs []Recipient
	for _, fill := range []byte{'A', 'B', 'C', 'D', 'E', 'F', 'G'} {
		rs = append(rs, Recipient{Address: testAccount(fill), Amount: decimal.NewFromInt(5)})
	}
	return rs
}

func TestChunkRecipients(t *testing.T) {
	rs := sevenRecipients()
	chunks := ChunkRecipients(rs, 3)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	sizes := []int{len(chunks[0]), len(chunks[1]), len(chunks[2])}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Fatalf("expected sizes [3 3 1], got %v", sizes)
	}

	// Union of chunks is exactly the input, in order.
	var flat []Recipient
	for _, c := range chunks {
		flat = append(flat, c...)
	}
	if len(flat) != len(rs) {
		t.Fatalf("chunking dropped recipients: %d != %d", len(flat), len(rs))
	}
	for i := range rs {
		if flat[i].Address != rs[i].Address {
			t.Fatalf("recipient %d reordered or lost", i)
		}
	}
}

func TestCoordinatorSettlesAllChunks(t *testing.T) {
	env := newExecEnv(t, nil)
	tokens := &fakeTokens{}
	coord, err := NewCoordinator(CoordinatorConfig{
		Executor:  env.exec,
		Tokens:    tokens,
		ChunkSize: 3,
		Cooldown:  -1, // no pacing in tests
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	summary, err := coord.Settle(context.Background(), "KALE", sevenRecipients())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.Complete() {
		t.Fatalf("expected complete settlement, got %+v", summary)
	}
	if summary.SucceededChunks != 3 || summary.TotalChunks != 3 {
		t.Fatalf("expected 3/3 chunks, got %d/%d", summary.SucceededChunks, summary.TotalChunks)
	}
	if len(summary.Remaining) != 0 {
		t.Fatalf("expected no remaining recipients, got %d", len(summary.Remaining))
	}
	if len(summary.Hashes) != 3 {
		t.Fatalf("expected 3 transaction hashes, got %d", len(summary.Hashes))
	}

	// Fresh anti-abuse token per chunk, never reused.
	if tokens.calls != 3 {
		t.Fatalf("expected 3 token mints, got %d", tokens.calls)
	}
	seen := map[string]bool{}
	for _, tok := range env.relay.tokens {
		if seen[tok] {
			t.Fatalf("token %q reused across chunks", tok)
		}
		seen[tok] = true
	}

	// Fresh sequence window per chunk: two oracle reads per execution.
	if env.oracle.calls != 6 {
		t.Fatalf("expected 6 oracle reads (2 per chunk), got %d", env.oracle.calls)
	}
}

type scriptedExecutor struct {
	calls   int
	failOn  int // 1-based call number that fails
	failErr error
}

func (s *scriptedExecutor) Execute(_ context.Context, intent TransactionIntent) (SubmitResult, error) {
	s.calls++
	if s.calls == s.failOn {
		return SubmitResult{}, s.failErr
	}
	return SubmitResult{Hash: fmt.Sprintf("tx-%d", s.calls), Status: "PENDING"}, nil
}

func TestCoordinatorReportsPartialFailure(t *testing.T) {
	exec := &scriptedExecutor{failOn: 2, failErr: NewError(KindNetwork, "relay down")}
	coord, err := NewCoordinator(CoordinatorConfig{
		Executor:  exec,
		Tokens:    &fakeTokens{},
		ChunkSize: 3,
		Cooldown:  -1,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	rs := sevenRecipients()
	summary, err := coord.Settle(context.Background(), "KALE", rs)
	if !IsKind(err, KindNetwork) {
		t.Fatalf("expected the stopping error back, got %v", err)
	}
	if summary.Complete() {
		t.Fatal("partial failure must not report overall success")
	}
	if summary.SucceededChunks != 1 {
		t.Fatalf("expected 1 succeeded chunk, got %d", summary.SucceededChunks)
	}
	// Chunk 2 (D,E,F) failed and chunk 3 (G) was never attempted: all four
	// must be reported, none silently dropped.
	if len(summary.Remaining) != 4 {
		t.Fatalf("expected 4 remaining recipients, got %d", len(summary.Remaining))
	}
	for i, want := range rs[3:] {
		if summary.Remaining[i].Address != want.Address {
			t.Fatalf("remaining[%d] = %s, want %s", i, summary.Remaining[i].Address, want.Address)
		}
	}
	if summary.LastError == nil {
		t.Fatal("expected LastError to carry the stopping failure")
	}
}

func TestCoordinatorStopsWhenTokenMintFails(t *testing.T) {
	tokens := &fakeTokens{err: NewError(KindNetwork, "challenge service down")}
	coord, err := NewCoordinator(CoordinatorConfig{
		Executor: &scriptedExecutor{},
		Tokens:   tokens,
		Cooldown: -1,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	rs := sevenRecipients()
	summary, err := coord.Settle(context.Background(), "KALE", rs)
	if err == nil {
		t.Fatal("expected failure")
	}
	if summary.SucceededChunks != 0 || len(summary.Remaining) != len(rs) {
		t.Fatalf("expected everything remaining, got %+v", summary)
	}
}

func TestCoordinatorChunkSizeClamped(t *testing.T) {
	coord, err := NewCoordinator(CoordinatorConfig{
		Executor:  &scriptedExecutor{},
		Tokens:    &fakeTokens{},
		ChunkSize: 50,
		Cooldown:  -1,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if coord.cfg.ChunkSize != MaxChunkSize {
		t.Fatalf("expected clamp to %d, got %d", MaxChunkSize, coord.cfg.ChunkSize)
	}
}

func TestCoordinatorHonorsCancellationBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &scriptedExecutor{}
	coord, err := NewCoordinator(CoordinatorConfig{
		Executor:  exec,
		Tokens:    &fakeTokens{},
		ChunkSize: 3,
		Cooldown:  time.Hour, // cancellation must cut the cooldown short
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	summary, err := coord.Settle(ctx, "KALE", sevenRecipients())
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.SucceededChunks != 1 {
		t.Fatalf("expected first chunk settled before cancel, got %d", summary.SucceededChunks)
	}
	if len(summary.Remaining) != 4 {
		t.Fatalf("expected remaining recipients reported, got %d", len(summary.Remaining))
	}
}
