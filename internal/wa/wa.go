// Package wa defines the surface of the external multi-device messaging
// protocol library. The wire protocol itself (handshake cryptography,
// framing) lives behind these interfaces; the session manager only consumes
// the event stream and the injected auth state.
package wa

import (
	"context"

	"wabridge/internal/creds"
	"wabridge/internal/wire"
)

// Phase of the connection as reported by the client's event stream.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClose      Phase = "close"
)

// DisconnectCode mirrors the close status codes of the protocol.
type DisconnectCode int

const (
	CodeLoggedOut           DisconnectCode = 401
	CodeTimedOut            DisconnectCode = 408
	CodeMultideviceMismatch DisconnectCode = 411
	CodeConnectionClosed    DisconnectCode = 428
	CodeConnectionReplaced  DisconnectCode = 440
	CodeBadSession          DisconnectCode = 500
	CodeRestartRequired     DisconnectCode = 515
)

// Event is one item on the client's serialized event stream.
type Event interface {
	isEvent()
}

// ConnectionEvent reports a lifecycle transition. QR is set while the
// handshake is waiting on a pairing scan; Code and Reason are set on close;
// User carries the authenticated identity on open.
type ConnectionEvent struct {
	Phase  Phase
	QR     string
	Code   DisconnectCode
	Reason string
	User   string
}

// CredsEvent signals that the client mutated the injected auth state and
// it must be persisted now.
type CredsEvent struct{}

func (ConnectionEvent) isEvent() {}
func (CredsEvent) isEvent()      {}

// KeyStore is the per-peer cryptographic record table handed to the client.
// Get of an absent id resolves to a nil record, never an error.
type KeyStore interface {
	Get(category string, ids []string) map[string]wire.Binary
	Set(updates map[string]map[string]wire.Binary)
}

// AuthState is the credential material injected into a dialed client. The
// client mutates it in place and announces each mutation with a CredsEvent.
type AuthState struct {
	Creds *creds.Bundle
	Keys  KeyStore
}

// Client is an opening or open protocol connection. Events is closed when
// the connection is torn down; Close is idempotent.
type Client interface {
	SendMessage(ctx context.Context, to, text string) (string, error)
	Events() <-chan Event
	Close() error
}

// Dialer constructs a client from persisted auth material. The production
// dialer wraps the protocol library; tests inject a scripted fake.
type Dialer func(ctx context.Context, auth *AuthState) (Client, error)
