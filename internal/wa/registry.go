package wa

import (
	"context"
	"errors"
	"sync"
)

// ErrNoProtocol reports that no protocol implementation registered itself
// in this binary.
var ErrNoProtocol = errors.New("wa: no protocol implementation registered")

var (
	registryMu    sync.Mutex
	defaultDialer Dialer
)

// Register installs the process-wide protocol implementation, following the
// database/sql driver convention: the adapter package calls Register from
// its init, and the rest of the binary asks for DefaultDialer.
func Register(d Dialer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if defaultDialer != nil {
		panic("wa: Register called twice")
	}
	defaultDialer = d
}

// DefaultDialer returns the registered implementation, or a dialer that
// fails with ErrNoProtocol so the operator surface reports a clear error
// instead of crashing.
func DefaultDialer() Dialer {
	registryMu.Lock()
	defer registryMu.Unlock()
	if defaultDialer != nil {
		return defaultDialer
	}
	return func(ctx context.Context, _ *AuthState) (Client, error) {
		return nil, ErrNoProtocol
	}
}
