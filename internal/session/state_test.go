package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"wabridge/internal/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStateStore(t *testing.T) (*StateStore, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	logger := discardLogger()
	return NewStateStore(mem, NewDiagLog(mem, logger), logger), mem
}

func TestIsLikelyConnectedNoRecord(t *testing.T) {
	s, _ := testStateStore(t)
	if s.IsLikelyConnected(context.Background()) {
		t.Fatalf("expected not connected with no record")
	}
}

func TestIsLikelyConnectedAfterOpen(t *testing.T) {
	s, _ := testStateStore(t)
	ctx := context.Background()

	s.MarkOpen(ctx, "1555000@s.whatsapp.net")
	if !s.IsLikelyConnected(ctx) {
		t.Fatalf("expected connected right after open")
	}

	rec, ok := s.Current(ctx)
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if !rec.Connected || rec.User != "1555000@s.whatsapp.net" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestIsLikelyConnectedStaleRecord(t *testing.T) {
	s, _ := testStateStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.MarkOpen(ctx, "user")

	s.now = func() time.Time { return base.Add(stalenessWindow + time.Minute) }
	if s.IsLikelyConnected(ctx) {
		t.Fatalf("expected stale record to read as disconnected")
	}
	// The stored value still says connected; only trust decays.
	rec, ok := s.Current(ctx)
	if !ok || !rec.Connected {
		t.Fatalf("staleness must not rewrite the stored record: %+v, ok=%v", rec, ok)
	}
}

func TestMarkClosedRecordsReason(t *testing.T) {
	s, _ := testStateStore(t)
	ctx := context.Background()

	s.MarkOpen(ctx, "user")
	s.MarkClosed(ctx, "stream errored")

	if s.IsLikelyConnected(ctx) {
		t.Fatalf("expected disconnected after close")
	}
	rec, ok := s.Current(ctx)
	if !ok {
		t.Fatalf("expected record after close")
	}
	if rec.DisconnectReason != "stream errored" || rec.DisconnectedAt == 0 {
		t.Fatalf("close transition not recorded: %+v", rec)
	}
}
