package stoploss

import (
	"sync"
	"time"

	"papertrade/internal/logger"
)

// Monitor owns one timer per armed DURATION stop so a position expires even
// when no tick ever arrives. The timer is cancelled exactly when its position
// closes; a fire racing a manual close is resolved by the ledger's own
// is-open check, so the callback may be a no-op.
type Monitor struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	expire func(positionID string)
	nowFn  func() time.Time
}

// NewMonitor wires the expiry callback, normally the ledger's stop-close path.
func NewMonitor(expire func(positionID string)) *Monitor {
	return &Monitor{
		timers: make(map[string]*time.Timer),
		expire: expire,
		nowFn:  time.Now,
	}
}

// Track arms a timer for the position. Re-tracking an ID replaces the timer.
func (m *Monitor) Track(positionID string, expiresAt time.Time) {
	if m == nil || positionID == "" || expiresAt.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[positionID]; ok {
		old.Stop()
	}
	wait := expiresAt.Sub(m.nowFn())
	if wait < 0 {
		wait = 0
	}
	m.timers[positionID] = time.AfterFunc(wait, func() {
		m.fire(positionID)
	})
	logger.Debugf("stoploss: duration timer armed position=%s fires_in=%s", positionID, wait)
}

// Cancel stops and forgets the position's timer. Safe to call repeatedly and
// for positions that were never tracked.
func (m *Monitor) Cancel(positionID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[positionID]; ok {
		t.Stop()
		delete(m.timers, positionID)
	}
}

// Stop cancels every outstanding timer.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Monitor) fire(positionID string) {
	m.mu.Lock()
	delete(m.timers, positionID)
	expire := m.expire
	m.mu.Unlock()
	if expire != nil {
		expire(positionID)
	}
}

// Tracked reports how many duration timers are live.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
