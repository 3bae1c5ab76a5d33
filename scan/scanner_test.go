package scan

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	settle "github.com/kalebeat/settle"
	"github.com/kalebeat/settle/horizon"
)

func acct(fill byte) string {
	return "G" + strings.Repeat(string(fill), 55)
}

type fakeReader struct {
	mu           sync.Mutex
	accountCalls int
	paymentCalls int
	found        bool
	accountErr   error
	pages        []horizon.PaymentsPage
	gate         chan struct{}
}

func (f *fakeReader) Account(context.Context, string) (horizon.Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if f.accountErr != nil {
		return horizon.Account{}, false, f.accountErr
	}
	return horizon.Account{}, f.found, nil
}

func (f *fakeReader) Payments(context.Context, string, horizon.PaymentsQuery) (horizon.PaymentsPage, error) {
	f.mu.Lock()
	call := f.paymentCalls
	f.paymentCalls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if call >= len(f.pages) {
		return horizon.PaymentsPage{}, nil
	}
	return f.pages[call], nil
}

func op(id, from, to, amount string) horizon.Operation {
	return horizon.Operation{
		ID: id, PagingToken: "pt-" + id, Type: "payment",
		From: from, To: to, Amount: amount,
		AssetType: "credit_alphanum4", AssetCode: "KALE", TxHash: "tx-" + id,
	}
}

func newTestScanner(t *testing.T, reader LedgerReader) *Scanner {
	t.Helper()
	s, err := NewScanner(Config{Reader: reader})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	return s
}

func TestScanOperationsPaginatesAndParses(t *testing.T) {
	sender := acct('S')
	reader := &fakeReader{pages: []horizon.PaymentsPage{
		{
			Records: []horizon.Operation{
				op("1", sender, acct('A'), "5.0000000"),
				{ID: "2", PagingToken: "pt-2", Type: "create_account"}, // skipped
			},
			NextCursor: "pt-2",
			HasMore:    true,
		},
		{
			Records: []horizon.Operation{op("3", sender, acct('B'), "3.5000000")},
		},
	}}

	s := newTestScanner(t, reader)
	res, err := s.ScanOperations(context.Background(), sender, Options{Limit: 2, MaxPages: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Scanned != 3 {
		t.Fatalf("expected 3 raw operations scanned, got %d", res.Scanned)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 parsed records, got %d", len(res.Records))
	}
	if res.HasMore {
		t.Fatal("history was exhausted, HasMore must be false")
	}
	if res.Records[0].Asset != "KALE" || !res.Records[0].Amount.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("bad record normalization: %+v", res.Records[0])
	}
	if reader.paymentCalls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", reader.paymentCalls)
	}
}

func TestScanOperationsRespectsPageBudget(t *testing.T) {
	sender := acct('S')
	reader := &fakeReader{pages: []horizon.PaymentsPage{
		{Records: []horizon.Operation{op("1", sender, acct('A'), "1")}, NextCursor: "pt-1", HasMore: true},
		{Records: []horizon.Operation{op("2", sender, acct('B'), "1")}, NextCursor: "pt-2", HasMore: true},
		{Records: []horizon.Operation{op("3", sender, acct('C'), "1")}, NextCursor: "pt-3", HasMore: true},
	}}

	s := newTestScanner(t, reader)
	res, err := s.ScanOperations(context.Background(), sender, Options{MaxPages: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reader.paymentCalls != 2 {
		t.Fatalf("expected exactly 2 pages, got %d", reader.paymentCalls)
	}
	if !res.HasMore {
		t.Fatal("budget-bounded scan must report HasMore")
	}
}

func TestScanOperationsEarlyExit(t *testing.T) {
	sender := acct('S')
	reader := &fakeReader{pages: []horizon.PaymentsPage{
		{Records: []horizon.Operation{
			op("1", sender, acct('A'), "1"),
			op("2", sender, acct('B'), "2"),
			op("3", sender, acct('C'), "3"),
		}, NextCursor: "pt-3", HasMore: true},
	}}

	s := newTestScanner(t, reader)
	res, err := s.ScanOperations(context.Background(), sender, Options{
		StopEarly: func(rec settle.VerificationRecord) bool { return rec.To == acct('B') },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected scan to stop at the match, got %d records", len(res.Records))
	}
	if reader.paymentCalls != 1 {
		t.Fatalf("early exit must not fetch further pages, got %d", reader.paymentCalls)
	}
	if !res.HasMore {
		t.Fatal("early-exited scan must report HasMore")
	}
}

func TestConcurrentIdenticalScansShareOneRequest(t *testing.T) {
	sender := acct('S')
	gate := make(chan struct{})
	reader := &fakeReader{
		gate:  gate,
		pages: []horizon.PaymentsPage{{Records: []horizon.Operation{op("1", sender, acct('A'), "5")}}},
	}
	s := newTestScanner(t, reader)

	const callers = 4
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ScanOperations(context.Background(), sender, Options{Limit: 200})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if reader.paymentCalls != 1 {
		t.Fatalf("expected 1 underlying request, got %d", reader.paymentCalls)
	}
	for i, res := range results {
		if len(res.Records) != 1 {
			t.Fatalf("caller %d got %d records", i, len(res.Records))
		}
	}
}

func TestAccountExistsFailsClosed(t *testing.T) {
	reader := &fakeReader{found: true}
	s := newTestScanner(t, reader)

	if s.AccountExists(context.Background(), "junk") {
		t.Fatal("malformed address must report false")
	}
	if reader.accountCalls != 0 {
		t.Fatal("malformed address must not hit the network")
	}

	reader.accountErr = settle.NewError(settle.KindNetwork, "rpc down")
	if s.AccountExists(context.Background(), acct('A')) {
		t.Fatal("read failure must report false, not error")
	}
}

func TestAccountExistsCachesAnswer(t *testing.T) {
	reader := &fakeReader{found: true}
	s := newTestScanner(t, reader)
	addr := acct('A')

	if !s.AccountExists(context.Background(), addr) {
		t.Fatal("expected existing account")
	}
	if !s.AccountExists(context.Background(), addr) {
		t.Fatal("expected cached answer")
	}
	if reader.accountCalls != 1 {
		t.Fatalf("expected 1 lookup, got %d", reader.accountCalls)
	}
}

func TestFindTransfersTo(t *testing.T) {
	sender := acct('S')
	artist := acct('R')
	reader := &fakeReader{pages: []horizon.PaymentsPage{
		{Records: []horizon.Operation{
			op("1", sender, acct('X'), "9"),       // wrong recipient
			op("2", sender, artist, "5.05"),       // matches 5 within tolerance
			op("3", sender, artist, "20"),         // matches nothing
			op("4", sender, artist, "5.0000000"),  // matches second 5
			op("5", sender, artist, "5.0000000"),  // never reached: search halted
		}, NextCursor: "pt-5", HasMore: true},
	}}
	s := newTestScanner(t, reader)

	expected := []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(5)}
	matches, err := s.FindTransfersTo(context.Background(), sender, artist, expected, decimal.Decimal{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].OperationRef != "2" || matches[1].OperationRef != "4" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	if reader.paymentCalls != 1 {
		t.Fatalf("search must halt once all amounts match, got %d page fetches", reader.paymentCalls)
	}
}

func TestFindTransfersToPartialMatch(t *testing.T) {
	sender := acct('S')
	artist := acct('R')
	reader := &fakeReader{pages: []horizon.PaymentsPage{
		{Records: []horizon.Operation{op("1", sender, artist, "5")}},
	}}
	s := newTestScanner(t, reader)

	expected := []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(7)}
	matches, err := s.FindTransfersTo(context.Background(), sender, artist, expected, DefaultTolerance)
	if err != nil {
		t.Fatalf("partial match must not be an error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}
