package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wabridge/internal/kv"
)

const (
	qrKey = "wa:qr"
	qrTTL = 5 * time.Minute
)

// QRChannel persists the most recent pairing challenge so the operator
// endpoint can render it regardless of which process instance generated
// it. The challenge is an opaque string; nothing here interprets it.
type QRChannel struct {
	kv     kv.Store
	diag   *DiagLog
	logger *slog.Logger
}

func NewQRChannel(store kv.Store, diag *DiagLog, logger *slog.Logger) *QRChannel {
	return &QRChannel{kv: store, diag: diag, logger: logger}
}

// Publish overwrites any previous challenge and resets its TTL.
func (q *QRChannel) Publish(ctx context.Context, challenge string) error {
	if err := q.kv.Set(ctx, qrKey, []byte(challenge), qrTTL); err != nil {
		q.diag.Record(ctx, "qr_store_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("persist qr challenge: %w", err)
	}
	q.diag.Record(ctx, "qr_stored", nil)
	return nil
}

// Current returns the pending challenge, or "" when none is pending. A
// read failure also reports none: the operator retries, which is cheaper
// than wedging the pairing flow.
func (q *QRChannel) Current(ctx context.Context) string {
	raw, err := q.kv.Get(ctx, qrKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			q.logger.Warn("reading qr challenge failed", "error", err)
		}
		return ""
	}
	return string(raw)
}

// Invalidate discards the pending challenge. It is idempotent and called
// unconditionally on every open transition, whether or not a challenge
// was ever published.
func (q *QRChannel) Invalidate(ctx context.Context) {
	if err := q.kv.Delete(ctx, qrKey); err != nil {
		q.logger.Warn("clearing qr challenge failed", "error", err)
		q.diag.Record(ctx, "qr_clear_failed", map[string]any{"error": err.Error()})
		return
	}
	q.diag.Record(ctx, "qr_cleared", nil)
}
