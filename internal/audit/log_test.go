package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gatekeep.dev/internal/obs"
)

type fakeStore struct {
	mu      sync.Mutex
	records []Record
	err     error
	block   chan struct{}
}

func (f *fakeStore) AppendAudit(_ context.Context, r Record) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStore) ListAudit(_ context.Context, flt Filter) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for i := len(f.records) - 1; i >= 0 && len(out) < flt.Limit; i-- {
		if flt.Matches(f.records[i]) {
			out = append(out, f.records[i])
		}
	}
	return out, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	t.Cleanup(restore)
	return &buf
}

func TestRecordRequiredIsSynchronous(t *testing.T) {
	store := &fakeStore{}
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	l, err := NewLogger(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close(context.Background())

	ctx := WithRequestID(context.Background(), "req-123")
	rec, err := l.Record(ctx, Record{ActorID: "alice", Action: "authorize", Success: true}, true)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected record stored before return")
	}
	if rec.ID == "" || !rec.CreatedAt.Equal(now) {
		t.Fatalf("record not stamped: %+v", rec)
	}
	if rec.Details["request_id"] != "req-123" {
		t.Fatalf("request id missing: %v", rec.Details)
	}
}

func TestRecordRequiredFailureFallsBack(t *testing.T) {
	buf := captureLog(t)
	store := &fakeStore{err: errors.New("disk full")}
	l, _ := NewLogger(store)
	defer l.Close(context.Background())

	_, err := l.Record(context.Background(), Record{ActorID: "alice", Action: "roles.update", Details: map[string]any{"role_id": "r1"}}, true)
	if !errors.Is(err, ErrAuditWriteFailed) {
		t.Fatalf("expected ErrAuditWriteFailed, got %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("fallback not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "audit_fallback" || entry["type"] != "audit" || entry["event"] != "roles.update" {
		t.Fatalf("unexpected fallback entry: %v", entry)
	}
	if entry["cause"] != "disk full" {
		t.Fatalf("unexpected cause: %v", entry["cause"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["role_id"] != "r1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestRecordAsyncIsDrainedOnClose(t *testing.T) {
	store := &fakeStore{}
	l, _ := NewLogger(store, WithWorkers(3))
	for i := 0; i < 50; i++ {
		if _, err := l.Record(context.Background(), Record{ActorID: "bob", Action: "authorize"}, false); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.count() != 50 {
		t.Fatalf("expected 50 records, got %d", store.count())
	}
}

func TestRecordAsyncNeverBlocks(t *testing.T) {
	buf := captureLog(t)
	store := &fakeStore{block: make(chan struct{})}
	l, _ := NewLogger(store, WithQueueSize(1), WithWorkers(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = l.Record(context.Background(), Record{ActorID: "bob", Action: "authorize"}, false)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("best-effort record blocked on a stalled store")
	}
	close(store.block)
	_ = l.Close(context.Background())
	if !strings.Contains(buf.String(), "queue full") {
		t.Fatal("expected overflow to reach the fallback log")
	}
}

func TestRecordAfterCloseFallsBack(t *testing.T) {
	buf := captureLog(t)
	store := &fakeStore{}
	l, _ := NewLogger(store)
	_ = l.Close(context.Background())

	if _, err := l.Record(context.Background(), Record{ActorID: "bob", Action: "authorize"}, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(buf.String(), "logger closed") {
		t.Fatal("expected fallback after close")
	}
}

func TestListAppliesFilter(t *testing.T) {
	store := &fakeStore{}
	l, _ := NewLogger(store)
	defer l.Close(context.Background())
	ctx := context.Background()
	_, _ = l.Record(ctx, Record{ActorID: "alice", Action: "authorize", Success: true}, true)
	_, _ = l.Record(ctx, Record{ActorID: "alice", Action: "authorize", Success: false}, true)
	_, _ = l.Record(ctx, Record{ActorID: "bob", Action: "authorize", Success: true}, true)

	denied := false
	got, err := l.List(ctx, Filter{ActorID: "alice", Success: &denied})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Success {
		t.Fatalf("unexpected records: %+v", got)
	}
	if _, err := l.Record(ctx, Record{ActorID: "bob"}, true); !errors.Is(err, ErrAuditWriteFailed) {
		t.Fatalf("expected missing action to be rejected, got %v", err)
	}
}
