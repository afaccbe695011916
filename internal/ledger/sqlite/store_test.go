package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/ledger/sqlite"
	"go.uber.org/zap"
)

var ctx = context.Background()

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func payload(t *testing.T, raw string) ledger.Payload {
	t.Helper()
	p, err := ledger.StructuredPayload([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlite.Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpen_reappliesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.Close()
}

func TestPutListHead(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{}, zap.NewNop())

	r1, err := l.Append(ctx, "ds-1", payload(t, `{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Append(ctx, "ds-1", payload(t, `{"n":2}`))
	if err != nil {
		t.Fatal(err)
	}

	head, err := store.Head(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if head.ID != r2.ID || head.PreviousHash != r1.Hash {
		t.Errorf("unexpected head: %+v", head)
	}

	recs, err := store.List(ctx, "ds-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].PreviousHash != ledger.GenesisHash {
		t.Errorf("genesis previous hash not restored: %q", recs[0].PreviousHash)
	}
	if !recs[0].Timestamp.Equal(r1.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", recs[0].Timestamp, r1.Timestamp)
	}
	if string(recs[1].Data) != `{"n":2}` {
		t.Errorf("data: got %s", recs[1].Data)
	}

	if _, err := store.Head(ctx, "empty"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty chain, got %v", err)
	}
}

func TestPut_conflicts(t *testing.T) {
	store := openTempStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	base := &ledger.Record{
		ID: "a", ChainID: "c", Sequence: 1, Timestamp: now,
		Kind: ledger.PayloadStructured, Data: json.RawMessage(`{}`),
		Hash: "h1", PreviousHash: ledger.GenesisHash,
	}
	if err := store.Put(ctx, base); err != nil {
		t.Fatal(err)
	}

	sameSeq := *base
	sameSeq.ID, sameSeq.Hash = "b", "h2"
	if err := store.Put(ctx, &sameSeq); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("same sequence: expected ErrConflict, got %v", err)
	}

	second := &ledger.Record{
		ID: "c", ChainID: "c", Sequence: 2, Timestamp: now,
		Kind: ledger.PayloadStructured, Data: json.RawMessage(`{}`),
		Hash: "h3", PreviousHash: "h1",
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatal(err)
	}

	fork := *second
	fork.ID, fork.Sequence, fork.Hash = "d", 3, "h4"
	if err := store.Put(ctx, &fork); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("same previous hash: expected ErrConflict, got %v", err)
	}
}

func TestStore_isAppendOnly(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	if _, err := l.Append(ctx, "ds-1", payload(t, `{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	if _, err := store.DB().ExecContext(ctx, `UPDATE audit_records SET data = '{}'`); err == nil {
		t.Error("expected UPDATE to be rejected")
	}
	if _, err := store.DB().ExecContext(ctx, `DELETE FROM audit_records`); err == nil {
		t.Error("expected DELETE to be rejected")
	}
}

func TestChains(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	for _, id := range []string{"zeta", "alpha", "zeta"} {
		if _, err := l.Append(ctx, id, payload(t, `{}`)); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := store.Chains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "alpha,zeta" {
		t.Errorf("chains: got %v", ids)
	}
}

// TestEndToEnd_ds1 runs the two-record scenario against a file-backed store and
// tampers with the first record through SQL.
func TestEndToEnd_ds1(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{}, zap.NewNop())

	r1, err := l.Append(ctx, "ds-1", payload(t, `{"test":"data","value":123}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, "ds-1", payload(t, `{"test":"data2"}`)); err != nil {
		t.Fatal(err)
	}

	res, err := l.Verify(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.RecordCount != 2 {
		t.Fatalf("expected verified chain of 2, got %+v", res)
	}

	db := store.DB()
	if _, err := db.ExecContext(ctx, `DROP TRIGGER audit_records_no_update`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE audit_records SET data = '{"test":"tampered"}' WHERE chain_id = 'ds-1' AND seq = 1`,
	); err != nil {
		t.Fatal(err)
	}

	res, err = l.Verify(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified {
		t.Fatal("tampered chain verified")
	}
	if res.Failure.Reason != ledger.ReasonHashMismatch || res.Failure.Position != 0 {
		t.Errorf("expected hash_mismatch at 0, got %+v", res.Failure)
	}
	if !strings.Contains(res.Error, r1.ID) {
		t.Errorf("error %q should mention %s", res.Error, r1.ID)
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{MaxAppendAttempts: 20, AppendBackoff: time.Millisecond}, zap.NewNop())

	payloads := []ledger.Payload{payload(t, `{"writer":0}`), payload(t, `{"writer":1}`)}
	errs := make(chan error, len(payloads))
	for _, p := range payloads {
		go func() {
			_, err := l.Append(ctx, "race", p)
			errs <- err
		}()
	}
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	res, err := l.Verify(ctx, "race")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.RecordCount != 2 {
		t.Fatalf("expected linear chain of 2, got %+v", res)
	}
}
