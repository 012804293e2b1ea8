package service

import (
	"sync"
	"time"
)

// convLock serializes turn commits for one conversation.
type convLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// lockTable hands out per-conversation mutexes. Entries idle past the TTL
// are swept so the table does not grow with every conversation ever seen.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

func newLockTable(ttl time.Duration) *lockTable {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	t := &lockTable{
		locks: make(map[string]*convLock),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go t.sweep()
	return t
}

// acquire locks the conversation and returns the unlock function. The
// unlock is idempotent so callers can release early and still defer it.
func (t *lockTable) acquire(conversationID string) func() {
	t.mu.Lock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &convLock{}
		t.locks[conversationID] = l
	}
	l.lastUsed = time.Now()
	t.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }
}

func (t *lockTable) sweep() {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-t.ttl)
			t.mu.Lock()
			for id, l := range t.locks {
				// TryLock guards against sweeping a lock mid-turn.
				if l.lastUsed.Before(cutoff) && l.mu.TryLock() {
					l.mu.Unlock()
					delete(t.locks, id)
				}
			}
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

func (t *lockTable) close() {
	t.once.Do(func() { close(t.stop) })
}
