// Package session gives stateless invocations the illusion of a stateful,
// already-authenticated protocol client. Every durable fact lives in the
// key-value store; the in-process cache is an optimisation only and may
// vanish between any two calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wabridge/internal/creds"
	"wabridge/internal/kv"
	"wabridge/internal/observability/metrics"
	"wabridge/internal/wa"
)

var (
	ErrInvalidRequest   = errors.New("session: invalid request")
	ErrNotConnected     = errors.New("session: not connected")
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	ErrHandshakeFailed  = errors.New("session: handshake failed")
	ErrQRTimeout        = errors.New("session: qr challenge timed out")
	ErrTerminalLogout   = errors.New("session: logged out, fresh pairing required")
)

type Config struct {
	// WarmWindow is how long a cached open handle is reused without
	// consulting anything else.
	WarmWindow time.Duration
	// HandshakeTimeout bounds the wait for the open transition.
	HandshakeTimeout time.Duration
	QRPollInterval   time.Duration
	QRWaitDeadline   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarmWindow <= 0 {
		c.WarmWindow = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 60 * time.Second
	}
	if c.QRPollInterval <= 0 {
		c.QRPollInterval = time.Second
	}
	if c.QRWaitDeadline <= 0 {
		c.QRWaitDeadline = 60 * time.Second
	}
	return c
}

// Manager owns the per-warm-process connection cache and drives the
// protocol client through its lifecycle.
type Manager struct {
	cfg    Config
	creds  *creds.Store
	state  *StateStore
	qr     *QRChannel
	diag   *DiagLog
	dial   wa.Dialer
	logger *slog.Logger
	now    func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	client   wa.Client
	openedAt time.Time
}

func NewManager(store kv.Store, dial wa.Dialer, logger *slog.Logger, cfg Config) *Manager {
	diag := NewDiagLog(store, logger)
	return &Manager{
		cfg:    cfg.withDefaults(),
		creds:  creds.NewStore(store, logger),
		state:  NewStateStore(store, diag, logger),
		qr:     NewQRChannel(store, diag, logger),
		diag:   diag,
		dial:   dial,
		logger: logger,
		now:    time.Now,
	}
}

// Connect returns a ready client handle. A handle opened within the warm
// window is returned immediately; otherwise concurrent callers collapse
// onto a single in-flight handshake and share its outcome. Duplicate
// concurrent handshakes against the same credential identity corrupt the
// protocol-level ratchet state, so at most one may be in flight per
// process.
func (m *Manager) Connect(ctx context.Context) (wa.Client, error) {
	if c := m.cachedClient(); c != nil {
		return c, nil
	}
	v, err, _ := m.flight.Do("connect", func() (any, error) {
		if c := m.cachedClient(); c != nil {
			return c, nil
		}
		// The handshake outcome is shared between callers, so it must
		// not die with whichever caller happened to arrive first.
		return m.connect(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(wa.Client), nil
}

func (m *Manager) cachedClient() wa.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.now().Sub(m.openedAt) < m.cfg.WarmWindow {
		return m.client
	}
	return nil
}

func (m *Manager) connect(ctx context.Context) (wa.Client, error) {
	start := m.now()
	m.diag.Record(ctx, "connection_attempt_start", nil)
	m.state.MarkConnecting(ctx)

	bundle, table, err := m.creds.Load(ctx)
	if errors.Is(err, creds.ErrCorruptedCredentials) {
		// Never connect on a half-broken bundle; the failure it causes
		// downstream is far harder to diagnose than a forced re-pair.
		m.logger.Error("stored credentials corrupted, clearing session", "error", err)
		m.diag.Record(ctx, "creds_corrupted", map[string]any{"error": err.Error()})
		if clearErr := m.ClearAuth(ctx); clearErr != nil {
			m.logger.Error("clearing corrupted session failed", "error", clearErr)
		}
		// Load handed back a fresh bundle and an empty key table
		// alongside the report; pairing starts over with those.
	} else if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	client, err := m.dial(dialCtx, &wa.AuthState{Creds: bundle, Keys: table})
	if err != nil {
		m.diag.Record(ctx, "connection_error", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	m.diag.Record(ctx, "socket_created", nil)

	opened := make(chan string, 1)
	failed := make(chan error, 1)
	go m.consume(client, bundle, table, opened, failed)

	select {
	case user := <-opened:
		m.mu.Lock()
		if m.client != nil && m.client != client {
			_ = m.client.Close()
		}
		m.client = client
		m.openedAt = m.now()
		m.mu.Unlock()
		metrics.HandshakeDurationSeconds.Observe(m.now().Sub(start).Seconds())
		m.logger.Info("connection open", "user", user)
		return client, nil
	case err := <-failed:
		_ = client.Close()
		return nil, err
	case <-dialCtx.Done():
		// The store already says "connecting", which reads as
		// not-connected, so the next invocation self-heals.
		_ = client.Close()
		m.diag.Record(ctx, "connection_timeout", nil)
		return nil, ErrHandshakeTimeout
	}
}

// consume is the single goroutine draining one client's event stream.
// Events are processed serially in delivery order; it exits when the
// client closes its stream.
func (m *Manager) consume(client wa.Client, bundle *creds.Bundle, table *creds.KeyTable, opened chan<- string, failed chan<- error) {
	ctx := context.Background()
	for ev := range client.Events() {
		switch ev := ev.(type) {
		case wa.CredsEvent:
			if err := m.creds.Save(ctx, bundle, table); err != nil {
				// The in-memory state stays authoritative for the rest
				// of this process's life; surface and carry on.
				m.logger.Error("persisting credentials failed", "error", err)
				m.diag.Record(ctx, "creds_save_failed", map[string]any{"error": err.Error()})
				continue
			}
			m.diag.Record(ctx, "creds_saved", nil)
		case wa.ConnectionEvent:
			m.handleConnection(ctx, client, ev, opened, failed)
		}
	}
}

func (m *Manager) handleConnection(ctx context.Context, client wa.Client, ev wa.ConnectionEvent, opened chan<- string, failed chan<- error) {
	m.diag.Record(ctx, "connection_update", map[string]any{
		"connection": string(ev.Phase),
		"hasQR":      ev.QR != "",
	})

	if ev.QR != "" {
		if err := m.qr.Publish(ctx, ev.QR); err != nil {
			m.logger.Error("publishing qr challenge failed", "error", err)
		}
	}

	switch ev.Phase {
	case wa.PhaseOpen:
		// Write order matters to a crash in between: credentials were
		// persisted by the creds event preceding open on the stream,
		// then the state record, then the QR invalidation.
		m.state.MarkOpen(ctx, ev.User)
		m.qr.Invalidate(ctx)
		select {
		case opened <- ev.User:
		default:
		}
	case wa.PhaseClose:
		m.handleClose(ctx, client, ev, failed)
	}
}

type closeClass int

const (
	closeTransient closeClass = iota
	closeTerminal
	closeUnknown
)

func classifyClose(code wa.DisconnectCode) closeClass {
	switch code {
	case wa.CodeLoggedOut:
		return closeTerminal
	case wa.CodeTimedOut, wa.CodeConnectionClosed, wa.CodeConnectionReplaced,
		wa.CodeBadSession, wa.CodeRestartRequired, wa.CodeMultideviceMismatch:
		return closeTransient
	default:
		return closeUnknown
	}
}

func (m *Manager) handleClose(ctx context.Context, client wa.Client, ev wa.ConnectionEvent, failed chan<- error) {
	switch classifyClose(ev.Code) {
	case closeTerminal:
		m.logger.Warn("session logged out, discarding credentials",
			"reason", ev.Reason, "code", int(ev.Code))
		m.diag.Record(ctx, "connection_close", map[string]any{
			"reason": ev.Reason, "code": int(ev.Code), "terminal": true,
		})
		if err := m.ClearAuth(ctx); err != nil {
			m.logger.Error("clearing session after logout failed", "error", err)
		}
		select {
		case failed <- fmt.Errorf("%w: %s", ErrTerminalLogout, ev.Reason):
		default:
		}
	case closeUnknown:
		// Treated as transient, but logged under its own event name so
		// new close codes show up in triage.
		m.diag.Record(ctx, "connection_close_unknown_code", map[string]any{
			"reason": ev.Reason, "code": int(ev.Code),
		})
		fallthrough
	case closeTransient:
		m.logger.Warn("connection closed", "reason", ev.Reason, "code", int(ev.Code))
		m.state.MarkClosed(ctx, ev.Reason)
		m.dropClient(client)
		select {
		case failed <- fmt.Errorf("%w: %s", ErrHandshakeFailed, ev.Reason):
		default:
		}
	}
}

func (m *Manager) dropClient(client wa.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == client {
		m.client = nil
		m.openedAt = time.Time{}
	}
}

// SendMessage performs exactly one wire send. It fails fast with
// ErrNotConnected when the stored state does not support a live session;
// sending on a stale handle loses messages silently. It never retries:
// send retry policy belongs to the caller, unlike the connection's own
// reconnect policy.
func (m *Manager) SendMessage(ctx context.Context, to, text string) (string, error) {
	if to == "" || text == "" {
		return "", fmt.Errorf("%w: missing target or text", ErrInvalidRequest)
	}
	if !m.state.IsLikelyConnected(ctx) {
		metrics.MessagesSentTotal.WithLabelValues("not_connected").Inc()
		return "", ErrNotConnected
	}
	client, err := m.Connect(ctx)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("connect_failed").Inc()
		return "", err
	}
	id, err := client.SendMessage(ctx, to, text)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("send_failed").Inc()
		return "", fmt.Errorf("send message: %w", err)
	}
	metrics.MessagesSentTotal.WithLabelValues("ok").Inc()
	return id, nil
}

// QRCode starts a connection attempt and polls the QR channel until a
// pairing challenge appears or the deadline passes. The challenge is an
// opaque pass-through; rendering it is the operator tooling's problem.
func (m *Manager) QRCode(ctx context.Context) (string, error) {
	m.diag.Record(ctx, "qr_request_start", nil)

	go func() {
		if _, err := m.Connect(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("connect for pairing did not complete", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.QRWaitDeadline)
	defer cancel()

	ticker := time.NewTicker(m.cfg.QRPollInterval)
	defer ticker.Stop()

	for {
		if qr := m.qr.Current(ctx); qr != "" {
			m.diag.Record(ctx, "qr_retrieved", nil)
			return qr, nil
		}
		select {
		case <-ctx.Done():
			m.diag.Record(context.WithoutCancel(ctx), "qr_timeout", nil)
			return "", ErrQRTimeout
		case <-ticker.C:
		}
	}
}

// ClearAuth wipes the credential bundle, key table, connection state, QR
// challenge and the in-process cache. From the viewpoint of subsequent
// reads in this process it is all-or-nothing.
func (m *Manager) ClearAuth(ctx context.Context) error {
	m.diag.Record(ctx, "clear_auth_start", nil)

	m.mu.Lock()
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	m.openedAt = time.Time{}
	m.mu.Unlock()

	if err := m.creds.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	if err := m.state.Clear(ctx); err != nil {
		return fmt.Errorf("clear connection state: %w", err)
	}
	m.qr.Invalidate(ctx)
	m.diag.Record(ctx, "clear_auth_complete", nil)
	m.logger.Info("session auth data cleared")
	return nil
}

// Status combines the staleness-checked record with the in-process cache.
type Status struct {
	IsConnected     bool   `json:"isConnected"`
	HasSocket       bool   `json:"hasSocket"`
	LastConnectedAt int64  `json:"lastConnectedAt,omitempty"`
	User            string `json:"user,omitempty"`
}

func (m *Manager) Status(ctx context.Context) Status {
	rec, ok := m.state.Current(ctx)
	m.mu.Lock()
	hasSocket := m.client != nil
	m.mu.Unlock()
	st := Status{HasSocket: hasSocket}
	if ok {
		st.IsConnected = m.state.IsLikelyConnected(ctx)
		st.LastConnectedAt = rec.ConnectedAt
		st.User = rec.User
	}
	return st
}

// IsLikelyConnected reports whether a send is worth attempting.
func (m *Manager) IsLikelyConnected(ctx context.Context) bool {
	return m.state.IsLikelyConnected(ctx)
}

// Logs returns the retained diagnostic events, newest first.
func (m *Manager) Logs(ctx context.Context) []Entry {
	return m.diag.Recent(ctx)
}

// CurrentState exposes the raw state record for the operator surface.
func (m *Manager) CurrentState(ctx context.Context) (StateRecord, bool) {
	return m.state.Current(ctx)
}
