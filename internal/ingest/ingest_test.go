package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

const sampleEvent = `{
  "Records": [{
    "eventVersion": "2.1",
    "eventSource": "aws:s3",
    "eventTime": "2024-05-01T12:00:00.000Z",
    "eventName": "ObjectCreated:Put",
    "userIdentity": {"principalId": "AWS:AIDAEXAMPLE"},
    "s3": {
      "bucket": {"name": "uploads"},
      "object": {"key": "ds-1.json", "size": 74, "eTag": "\"d41d8cd98f00b204e9800998ecf8427e\""}
    }
  }, {
    "eventTime": "2024-05-01T12:00:01.000Z",
    "eventName": "ObjectCreated:Put",
    "userIdentity": {"principalId": "AWS:AIDAEXAMPLE"},
    "s3": {
      "bucket": {"name": "uploads"},
      "object": {"key": "tenant+a/2024/report.csv", "size": 10, "eTag": "abc"}
    }
  }]
}`

func TestParseS3Event(t *testing.T) {
	evt, err := ingest.ParseS3Event([]byte(sampleEvent))
	if err != nil {
		t.Fatal(err)
	}
	if len(evt.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(evt.Records))
	}
	if got := evt.Records[1].S3.Object.Key; got != "tenant a/2024/report.csv" {
		t.Errorf("key not unescaped: %q", got)
	}

	data := evt.Records[0].AuditData()
	if data.ObjectETag != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("etag quotes not stripped: %q", data.ObjectETag)
	}
	if data.UserIdentity != "AWS:AIDAEXAMPLE" || data.SourceBucket != "uploads" || data.ObjectSize != 74 {
		t.Errorf("unexpected audit data: %+v", data)
	}
}

func TestParseS3Event_invalid(t *testing.T) {
	for _, body := range []string{`{}`, `{"Records":[]}`, `nope`, `{"Records":[{"s3":{"bucket":{"name":"b"}}}]}`} {
		if _, err := ingest.ParseS3Event([]byte(body)); !errors.Is(err, ingest.ErrInvalidEvent) {
			t.Errorf("ParseS3Event(%s): expected ErrInvalidEvent, got %v", body, err)
		}
	}
}

func TestChainIDFromKey(t *testing.T) {
	tests := map[string]string{
		"ds-1.json":                "ds-1",
		"ds-1":                     "ds-1",
		"tenant/2024/file.csv":     "tenant",
		"/leading/slash.txt":       "leading",
		"tenant a/2024/report.csv": "tenant-a",
		"weird:name.tar.gz":        "weird-name.tar",
	}
	for key, want := range tests {
		if got := ingest.ChainIDFromKey(key); got != want {
			t.Errorf("ChainIDFromKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	p, err := ingest.Classify([]byte(`{"b":1, "a":2}`), "application/json; charset=utf-8", "x.json")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != ledger.PayloadStructured || string(p.Canonical) != `{"a":2,"b":1}` {
		t.Errorf("unexpected structured payload: %s %s", p.Kind, p.Canonical)
	}

	p, err = ingest.Classify([]byte("id,name\n1,a\n"), "text/csv", "rows.csv")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != ledger.PayloadOpaque {
		t.Fatalf("csv should be opaque, got %s", p.Kind)
	}
	var meta ledger.OpaqueMetadata
	if err := json.Unmarshal(p.Canonical, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Filename != "rows.csv" || meta.ContentType != "text/csv" || meta.Size != 12 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestClassify_invalidJSONFallsBack(t *testing.T) {
	p, err := ingest.Classify([]byte(`{"broken":`), "", "broken.json")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != ledger.PayloadOpaque {
		t.Errorf("expected opaque, got %s", p.Kind)
	}
	want := `{"content_type":"application/octet-stream","filename":"broken.json","size":10}`
	if string(p.Canonical) != want {
		t.Errorf("got %s, want %s", p.Canonical, want)
	}
}

func TestClassify_scalarJSONIsOpaque(t *testing.T) {
	p, err := ingest.Classify([]byte(`"just a string"`), "application/json", "s.json")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != ledger.PayloadOpaque {
		t.Errorf("expected opaque, got %s", p.Kind)
	}
}

func TestIngestor_HandleS3Event(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	in := ingest.NewIngestor(l, zap.NewNop())

	recs, err := in.HandleS3Event(ctx, []byte(sampleEvent))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ChainID != "ds-1" || recs[1].ChainID != "tenant-a" {
		t.Errorf("chains: %s, %s", recs[0].ChainID, recs[1].ChainID)
	}

	var data ingest.AuditData
	if err := json.Unmarshal(recs[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.SourceKey != "ds-1.json" || data.EventName != "ObjectCreated:Put" {
		t.Errorf("unexpected payload %+v", data)
	}

	res, err := l.Verify(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.RecordCount != 1 {
		t.Errorf("ds-1 should verify with one record: %+v", res)
	}
}

type failingAppender struct{ calls int }

func (f *failingAppender) Append(context.Context, string, ledger.Payload) (*ledger.Record, error) {
	f.calls++
	if f.calls > 1 {
		return nil, ledger.ErrUnavailable
	}
	return &ledger.Record{ID: "first"}, nil
}

func TestIngestor_backendFailureReturnsCommitted(t *testing.T) {
	in := ingest.NewIngestor(&failingAppender{}, zap.NewNop())

	recs, err := in.HandleS3Event(ctx, []byte(sampleEvent))
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "first" {
		t.Errorf("expected the first committed record, got %+v", recs)
	}
}

func TestIngestor_invalidKeyCommitsNothing(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	in := ingest.NewIngestor(l, zap.NewNop())

	body := `{"Records":[
	  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"b"},"object":{"key":"ds-1/a.json","size":1}}},
	  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"b"},"object":{"key":"%2F","size":1}}}
	]}`

	recs, err := in.HandleS3Event(ctx, []byte(body))
	if !errors.Is(err, ledger.ErrInvalidChainID) {
		t.Fatalf("expected ErrInvalidChainID, got %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no committed records, got %d", len(recs))
	}
	chains, err := l.Chains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 0 {
		t.Errorf("nothing should be written, found chains %v", chains)
	}
}

func TestIngestor_invalidKeySkipsBackend(t *testing.T) {
	app := &failingAppender{}
	in := ingest.NewIngestor(app, zap.NewNop())

	body := `{"Records":[
	  {"s3":{"bucket":{"name":"b"},"object":{"key":"ok.json"}}},
	  {"s3":{"bucket":{"name":"b"},"object":{"key":"%2F"}}}
	]}`
	if _, err := in.HandleS3Event(ctx, []byte(body)); !errors.Is(err, ledger.ErrInvalidChainID) {
		t.Fatalf("expected ErrInvalidChainID, got %v", err)
	}
	if app.calls != 0 {
		t.Errorf("backend called %d times for invalid input", app.calls)
	}
}
