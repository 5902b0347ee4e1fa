package lock

import (
	"context"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// Start runs the stale-lock sweep every SweepInterval until Stop is called
// or ctx ends.  Calling Start twice has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil || m.cfg.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(ctx); n > 0 {
					m.log.Warn("stale locks reaped", "count", n)
				}
			}
		}
	}(m.done)
}

// Stop halts the sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep force-releases locally tracked locks whose expiry has passed and
// returns how many were reaped.  An owner that outlives its TTL without
// extending or releasing is treated as stalled.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var stale []string
	for token, rec := range m.active {
		if rec.Expired(now) {
			stale = append(stale, token)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, token := range stale {
		m.mu.Lock()
		tracked, ok := m.active[token]
		var rec model.LockRecord
		if ok {
			rec = *tracked
		}
		m.mu.Unlock()
		// Released or extended since the scan.
		if !ok || !rec.Expired(now) {
			continue
		}
		if _, err := releaseScript.Run(ctx, m.rdb, rec.LockKeys, rec.OwnerToken).Int64(); err != nil {
			m.log.Error("stale lock release failed", "key", rec.LockKey(), "error", err)
			continue
		}
		m.untrack(token)
		for _, k := range rec.LockKeys {
			m.notifyKey(k)
		}
		m.stats.staleReaped.Add(1)
		m.log.Warn("stale lock reaped",
			"key", rec.LockKey(),
			"owner", rec.OwnerID,
			"expired_at", rec.ExpiresAt,
		)
		reaped++
	}
	return reaped
}
