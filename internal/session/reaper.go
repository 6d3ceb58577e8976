package session

import (
	"context"
	"time"
)

// RunReaper closes idle sessions every interval until ctx is cancelled.
// If interval is <= 0, it defaults to one minute.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if n := m.Reap(); n > 0 {
			m.logger.Info("reaped idle sessions", "count", n)
		}
	}
}
