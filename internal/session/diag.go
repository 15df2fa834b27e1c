package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/kv"
)

const (
	logsKey = "wa:connection_logs"
	logsTTL = time.Hour
	logsCap = 20
)

// Entry is one recorded lifecycle event.
type Entry struct {
	Timestamp int64          `json:"timestamp"`
	ISO       string         `json:"iso"`
	Instance  string         `json:"instance"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// DiagLog is a capped, append-only event log persisted out-of-band so a
// failed invocation can be diagnosed after its process instance is gone.
// Recording is best-effort: a store failure is logged locally and the
// event dropped, never surfaced to the caller.
type DiagLog struct {
	kv       kv.Store
	logger   *slog.Logger
	instance string
	now      func() time.Time
}

func NewDiagLog(store kv.Store, logger *slog.Logger) *DiagLog {
	return &DiagLog{
		kv:       store,
		logger:   logger,
		instance: uuid.NewString()[:8],
		now:      time.Now,
	}
}

func (d *DiagLog) Record(ctx context.Context, event string, data map[string]any) {
	now := d.now().UTC()
	entry := Entry{
		Timestamp: now.UnixMilli(),
		ISO:       now.Format(time.RFC3339),
		Instance:  d.instance,
		Event:     event,
		Data:      data,
	}

	entries := d.read(ctx)
	entries = append(entries, entry)
	if len(entries) > logsCap {
		entries = entries[len(entries)-logsCap:]
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		d.logger.Warn("encoding diagnostic log failed, dropping event", "event", event, "error", err)
		return
	}
	if err := d.kv.Set(ctx, logsKey, raw, logsTTL); err != nil {
		d.logger.Warn("writing diagnostic log failed, dropping event", "event", event, "error", err)
	}
}

// Recent returns the retained events, newest first.
func (d *DiagLog) Recent(ctx context.Context) []Entry {
	entries := d.read(ctx)
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return out
}

func (d *DiagLog) read(ctx context.Context) []Entry {
	raw, err := d.kv.Get(ctx, logsKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			d.logger.Warn("reading diagnostic log failed", "error", err)
		}
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A garbled log is not worth failing over; start fresh.
		d.logger.Warn("stored diagnostic log undecodable, starting fresh", "error", err)
		return nil
	}
	return entries
}
