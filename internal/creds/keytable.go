package creds

import (
	"sync"

	"wabridge/internal/wire"
)

// KeyTable maps "category:id" to the opaque per-peer ratchet records the
// protocol layer reads and writes during normal operation. Last write wins;
// an absent id resolves to a nil record, never an error.
type KeyTable struct {
	mu      sync.Mutex
	records map[string]wire.Binary
}

func NewKeyTable() *KeyTable {
	return &KeyTable{records: make(map[string]wire.Binary)}
}

func (t *KeyTable) Get(category string, ids []string) map[string]wire.Binary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]wire.Binary, len(ids))
	for _, id := range ids {
		out[id] = t.records[category+":"+id]
	}
	return out
}

// Set applies a batch of updates keyed by category then id. A nil record
// deletes the entry.
func (t *KeyTable) Set(updates map[string]map[string]wire.Binary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for category, byID := range updates {
		for id, record := range byID {
			key := category + ":" + id
			if record == nil {
				delete(t.records, key)
				continue
			}
			t.records[key] = record
		}
	}
}

func (t *KeyTable) snapshot() map[string]wire.Binary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]wire.Binary, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}

func (t *KeyTable) replace(records map[string]wire.Binary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = records
	if t.records == nil {
		t.records = make(map[string]wire.Binary)
	}
}
