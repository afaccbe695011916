package bolt_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/ledger/bolt"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var ctx = context.Background()

func openTempStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "ledger.bolt"))
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

// rewriteObject replaces the stored object at seq with the output of fn.
func rewriteObject(t *testing.T, store *bolt.Store, chainID string, seq uint64, fn func(string) string) {
	t.Helper()
	err := store.DB().Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte("chains")).Bucket([]byte(chainID)).Bucket([]byte("records"))
		key := []byte(ledger.FormatSequenceKey(seq))
		return records.Put(key, []byte(fn(string(records.Get(key)))))
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := bolt.Open(" "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestAppendListHead(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{PageSize: 2}, zap.NewNop())

	var last *ledger.Record
	for i := range 5 {
		rec, err := l.Append(ctx, "bucket-a", payload(t, `{"i":`+strings.Repeat("1", i+1)+`}`))
		if err != nil {
			t.Fatal(err)
		}
		last = rec
	}

	head, err := store.Head(ctx, "bucket-a")
	if err != nil {
		t.Fatal(err)
	}
	if head.ID != last.ID || head.Sequence != 5 {
		t.Errorf("unexpected head %+v", head)
	}

	page, err := store.List(ctx, "bucket-a", 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Sequence != 4 {
		t.Errorf("unexpected page %+v", page)
	}

	res, err := l.Verify(ctx, "bucket-a")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.RecordCount != 5 {
		t.Fatalf("expected 5 verified records, got %+v", res)
	}
}

func TestHead_emptyChain(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	recs, err := store.List(ctx, "nope", 0, 10)
	if err != nil || len(recs) != 0 {
		t.Errorf("expected empty listing, got %v, %v", recs, err)
	}
}

func TestPut_neverOverwrites(t *testing.T) {
	store := openTempStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &ledger.Record{
		ID: "a", ChainID: "c", Sequence: 1, Timestamp: now,
		Kind: ledger.PayloadStructured, Data: []byte(`{}`),
		Hash: "h1", PreviousHash: ledger.GenesisHash,
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	sameKey := *rec
	sameKey.ID, sameKey.PreviousHash = "b", "other"
	if err := store.Put(ctx, &sameKey); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("same sequence key: expected ErrConflict, got %v", err)
	}

	sameLink := *rec
	sameLink.ID, sameLink.Sequence = "c", 2
	if err := store.Put(ctx, &sameLink); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("same previous hash: expected ErrConflict, got %v", err)
	}

	stored, err := store.Head(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != "a" {
		t.Errorf("original object replaced: %+v", stored)
	}
}

func TestChains(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	for _, id := range []string{"b", "a"} {
		if _, err := l.Append(ctx, id, payload(t, `{}`)); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := store.Chains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "a,b" {
		t.Errorf("chains: got %v", ids)
	}
}

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
	if res, _ := l.Verify(ctx, "ds-1"); !res.Verified || res.RecordCount != 2 {
		t.Fatalf("expected verified chain of 2, got %+v", res)
	}

	rewriteObject(t, store, "ds-1", 1, func(obj string) string {
		return strings.Replace(obj, `{"test":"data","value":123}`, `{"test":"tampered"}`, 1)
	})

	res, err := l.Verify(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified {
		t.Fatal("tampered chain verified")
	}
	if !strings.Contains(res.Error, r1.ID) {
		t.Errorf("error %q should mention %s", res.Error, r1.ID)
	}
}

func TestVerify_unreadableObject(t *testing.T) {
	store := openTempStore(t)
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	if _, err := l.Append(ctx, "c", payload(t, `{}`)); err != nil {
		t.Fatal(err)
	}

	rewriteObject(t, store, "c", 1, func(string) string { return "not json" })

	res, err := l.Verify(ctx, "c")
	if err != nil {
		t.Fatalf("corrupt objects should be a verification failure, got %v", err)
	}
	if res.Verified || res.Failure.Reason != ledger.ReasonMalformedRecord {
		t.Errorf("expected malformed_record, got %+v", res.Failure)
	}
}
