package budget

import "time"

// SetNow overrides the ledger clock for tests and realigns the current
// counting period to the injected clock.
func (l *Ledger) SetNow(f func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = f
	l.day = midnightUTC(f())
}
