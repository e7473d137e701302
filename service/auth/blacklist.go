package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryBlacklist is a single-node Blacklist.
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time), clock: time.Now}
}

func (b *MemoryBlacklist) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.entries[tokenHash]
	if !ok {
		return false, nil
	}
	if !b.clock().Before(until) {
		delete(b.entries, tokenHash)
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlacklist) Revoke(_ context.Context, tokenHash string, until time.Time) error {
	b.mu.Lock()
	b.entries[tokenHash] = until
	b.mu.Unlock()
	return nil
}

// Cleanup drops entries whose token has expired. Runs as a reaper task.
func (b *MemoryBlacklist) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for h, until := range b.entries {
		if !now.Before(until) {
			delete(b.entries, h)
			n++
		}
	}
	return n
}
