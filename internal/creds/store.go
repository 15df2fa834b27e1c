package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wabridge/internal/kv"
	"wabridge/internal/wire"
)

const (
	credsKey    = "wa:creds"
	keyTableKey = "wa:keys"
)

// ErrCorruptedCredentials reports that a stored bundle decoded but lacks
// required key material. It is never silently recovered: the caller must
// wipe the session and require a fresh pairing.
var ErrCorruptedCredentials = errors.New("creds: stored bundle is missing required key material")

// Store persists the bundle and key table. Both keys have no TTL; they
// live until the operator explicitly clears the session.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
}

func NewStore(store kv.Store, logger *slog.Logger) *Store {
	return &Store{kv: store, logger: logger}
}

// Load returns the stored bundle and key table. It never errors into an
// unusable state: nothing stored, an unreachable store, or an undecodable
// value all yield a freshly initialised bundle. A bundle that decoded but
// is missing required fields yields a fresh bundle and an empty key table
// together with ErrCorruptedCredentials so the caller can wipe and re-pair.
func (s *Store) Load(ctx context.Context) (*Bundle, *KeyTable, error) {
	table := NewKeyTable()
	if raw, err := s.kv.Get(ctx, keyTableKey); err == nil {
		var records map[string]wire.Binary
		if err := json.Unmarshal(raw, &records); err != nil {
			s.logger.Warn("stored key table undecodable, starting empty", "error", err)
		} else {
			table.replace(records)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.logger.Warn("reading key table failed, starting empty", "error", err)
	}

	raw, err := s.kv.Get(ctx, credsKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		s.logger.Info("no stored credentials, initialising fresh bundle")
		bundle, err := NewBundle()
		return bundle, table, err
	case err != nil:
		s.logger.Warn("reading credentials failed, treating as absent", "error", err)
		bundle, err := NewBundle()
		return bundle, table, err
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		s.logger.Warn("stored credentials undecodable, initialising fresh bundle", "error", err)
		fresh, err := NewBundle()
		return fresh, table, err
	}
	if missing := bundle.missingFields(); len(missing) > 0 {
		fresh, genErr := NewBundle()
		if genErr != nil {
			return nil, nil, genErr
		}
		// The loaded key table belongs to the broken identity. Handing
		// it out would let the next save resurrect records the caller's
		// wipe just deleted.
		return fresh, NewKeyTable(), fmt.Errorf("%w: %s", ErrCorruptedCredentials, strings.Join(missing, ", "))
	}
	return &bundle, table, nil
}

// Save replaces both stored documents whole; field patches would risk
// partial-write corruption. Credentials are written before the key table
// so a crash in between leaves a reconnectable state. A failure is
// surfaced but must not touch the in-memory bundle, which stays
// authoritative for the rest of this process's life.
func (s *Store) Save(ctx context.Context, bundle *Bundle, table *KeyTable) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := s.kv.Set(ctx, credsKey, data, 0); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	records, err := json.Marshal(table.snapshot())
	if err != nil {
		return fmt.Errorf("encode key table: %w", err)
	}
	if err := s.kv.Set(ctx, keyTableKey, records, 0); err != nil {
		return fmt.Errorf("persist key table: %w", err)
	}
	return nil
}

// Clear forgets the session entirely.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, credsKey, keyTableKey)
}
