package engicom

import (
	"sort"
	"sync"
	"time"
)

// PresenceTracker holds the latest snapshot of online users. Snapshots
// replace the set wholesale; nothing is merged and no history is kept.
type PresenceTracker struct {
	emitter[[]string]

	mu        sync.RWMutex
	online    map[string]struct{}
	updatedAt time.Time
	metrics   *Metrics
}

// NewPresenceTracker creates an empty tracker. metrics may be nil.
func NewPresenceTracker(metrics *Metrics) *PresenceTracker {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PresenceTracker{
		online:  make(map[string]struct{}),
		metrics: metrics,
	}
}

// Replace installs a new snapshot. The last snapshot received wins.
func (p *PresenceTracker) Replace(userIDs []string) {
	next := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	p.mu.Lock()
	p.online = next
	p.updatedAt = time.Now()
	p.mu.Unlock()

	p.metrics.OnlineUsers.Set(float64(len(next)))
	p.emit(p.Online())
}

// IsOnline reports whether userID is in the current snapshot.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the current snapshot, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of users online.
func (p *PresenceTracker) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// UpdatedAt returns when the last snapshot arrived.
func (p *PresenceTracker) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}

// OnChange registers a handler called with every new snapshot.
func (p *PresenceTracker) OnChange(h func(online []string)) { p.on(h) }

// Clear forgets the snapshot, e.g. on logout.
func (p *PresenceTracker) Clear() {
	p.Replace(nil)
}
