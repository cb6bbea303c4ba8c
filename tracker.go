package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/bt-bridge/concierge/shared"
)

// Tracker keeps the set of live sessions so a session id is never served by
// two connections at once and shutdown can cancel and wait for all of them.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	cancel context.CancelFunc
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*trackedSession)}
}

// Register claims sessionID. It fails with shared.ErrSessionInUse while another
// registration for the same id is live.
func (t *Tracker) Register(sessionID string, cancel context.CancelFunc) (unregister func(), err error) {
	entry := &trackedSession{cancel: cancel}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, live := t.sessions[sessionID]; live {
		return nil, fmt.Errorf("%w: %s", shared.ErrSessionInUse, sessionID)
	}
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Live(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionID]
	return ok
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) CancelAll() (canceled int) {
	var cancels []context.CancelFunc
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait reports whether every registered session unregistered before ctx ended.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
