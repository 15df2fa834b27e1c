package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"wabridge/internal/kv"
	"wabridge/internal/observability/metrics"
)

const (
	stateKey = "wa:connection_state"
	stateTTL = time.Hour

	// stalenessWindow bounds how long a recorded "connected" may be
	// trusted without corroborating traffic. A transport that dies
	// silently records no close transition; age is the only backstop.
	stalenessWindow = time.Hour
)

// StateRecord summarises current liveness. Timestamps are unix
// milliseconds.
type StateRecord struct {
	Connected        bool   `json:"connected"`
	ConnectedAt      int64  `json:"connectedAt,omitempty"`
	DisconnectedAt   int64  `json:"disconnectedAt,omitempty"`
	DisconnectReason string `json:"disconnectReason,omitempty"`
	User             string `json:"user,omitempty"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// StateStore persists the record with a TTL matching the staleness window,
// so an abandoned record also ages out of the backing store on its own.
type StateStore struct {
	kv     kv.Store
	diag   *DiagLog
	logger *slog.Logger
	now    func() time.Time
}

func NewStateStore(store kv.Store, diag *DiagLog, logger *slog.Logger) *StateStore {
	return &StateStore{kv: store, diag: diag, logger: logger, now: time.Now}
}

func (s *StateStore) MarkConnecting(ctx context.Context) {
	now := s.now().UnixMilli()
	s.write(ctx, StateRecord{Connected: false, UpdatedAt: now})
	metrics.ConnectionTransitionsTotal.WithLabelValues("connecting").Inc()
	s.diag.Record(ctx, "connection_connecting", nil)
}

func (s *StateStore) MarkOpen(ctx context.Context, user string) {
	now := s.now().UnixMilli()
	s.write(ctx, StateRecord{Connected: true, ConnectedAt: now, User: user, UpdatedAt: now})
	metrics.ConnectionTransitionsTotal.WithLabelValues("open").Inc()
	s.diag.Record(ctx, "connection_open", map[string]any{"user": user})
}

func (s *StateStore) MarkClosed(ctx context.Context, reason string) {
	now := s.now().UnixMilli()
	s.write(ctx, StateRecord{Connected: false, DisconnectedAt: now, DisconnectReason: reason, UpdatedAt: now})
	metrics.ConnectionTransitionsTotal.WithLabelValues("closed").Inc()
	s.diag.Record(ctx, "connection_close", map[string]any{"reason": reason})
}

// Current returns the stored record. A read failure or an undecodable
// record reports absence; absence always means "not connected".
func (s *StateStore) Current(ctx context.Context) (StateRecord, bool) {
	raw, err := s.kv.Get(ctx, stateKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("reading connection state failed, treating as absent", "error", err)
		}
		return StateRecord{}, false
	}
	var rec StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("stored connection state undecodable, treating as absent", "error", err)
		return StateRecord{}, false
	}
	return rec, true
}

// IsLikelyConnected is false when no record exists, when the record says
// disconnected, or when the recorded open is older than the staleness
// window.
func (s *StateStore) IsLikelyConnected(ctx context.Context) bool {
	rec, ok := s.Current(ctx)
	if !ok || !rec.Connected {
		return false
	}
	age := s.now().Sub(time.UnixMilli(rec.ConnectedAt))
	return age <= stalenessWindow
}

func (s *StateStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, stateKey)
}

func (s *StateStore) write(ctx context.Context, rec StateRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("encoding connection state failed", "error", err)
		return
	}
	if err := s.kv.Set(ctx, stateKey, raw, stateTTL); err != nil {
		s.logger.Error("persisting connection state failed", "error", err)
	}
}
