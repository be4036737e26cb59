package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryDenylist is an in-process Denylist. Entries are kept until the
// revoked token would have expired anyway, then dropped by Cleanup.
type MemoryDenylist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	clock   func() time.Time
	logger  *zap.Logger
}

// NewMemoryDenylist creates an empty denylist
func NewMemoryDenylist(logger *zap.Logger) *MemoryDenylist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryDenylist{
		entries: make(map[string]time.Time),
		clock:   time.Now,
		logger:  logger,
	}
}

// Revoke denies tokenID until expiresAt
func (d *MemoryDenylist) Revoke(tokenID string, expiresAt time.Time) {
	if tokenID == "" {
		return
	}
	d.mu.Lock()
	d.entries[tokenID] = expiresAt
	d.mu.Unlock()
}

// IsRevoked implements Denylist
func (d *MemoryDenylist) IsRevoked(tokenID string) bool {
	d.mu.RLock()
	expiresAt, ok := d.entries[tokenID]
	d.mu.RUnlock()
	return ok && d.clock().Before(expiresAt)
}

// Len returns the number of tracked entries
func (d *MemoryDenylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Cleanup removes entries whose tokens have expired and returns how many were removed
func (d *MemoryDenylist) Cleanup() int {
	now := d.clock()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, id)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically drops expired entries until ctx is done
func (d *MemoryDenylist) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := d.Cleanup(); n > 0 {
				d.logger.Debug("cleaned up denylist", zap.Int("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
