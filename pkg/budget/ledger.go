package budget

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger is an in-process, concurrency-safe daily call counter. Reserve
// either grants or denies immediately; it never blocks.
type Ledger struct {
	mu         sync.Mutex
	caps       Caps
	tenantUsed map[string]int64
	globalUsed int64
	day        time.Time // UTC midnight of the period being counted
	now        func() time.Time
}

// NewLedger creates a ledger with the given ceilings. A non-positive cap
// means that ceiling never grants.
func NewLedger(caps Caps) *Ledger {
	l := &Ledger{
		caps:       caps,
		tenantUsed: make(map[string]int64),
		now:        time.Now,
	}
	l.day = midnightUTC(l.now())
	return l
}

// Reserve atomically takes one call slot for the tenant. Both the tenant
// ceiling and the global ceiling must pass. The counter only moves on a
// grant.
func (l *Ledger) Reserve(tenantID, stageID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()

	used := l.tenantUsed[tenantID]
	if used+1 > l.caps.TenantDaily {
		return Decision{
			Allowed:   false,
			Scope:     ScopeTenant,
			Remaining: remaining(l.caps.TenantDaily, used),
			Receipt:   newReceipt(tenantID, stageID, "denied"),
		}
	}
	if l.globalUsed+1 > l.caps.GlobalDaily {
		return Decision{
			Allowed:   false,
			Scope:     ScopeGlobal,
			Remaining: remaining(l.caps.GlobalDaily, l.globalUsed),
			Receipt:   newReceipt(tenantID, stageID, "denied"),
		}
	}

	l.tenantUsed[tenantID] = used + 1
	l.globalUsed++

	return Decision{
		Allowed:   true,
		Scope:     ScopeTenant,
		Remaining: remaining(l.caps.TenantDaily, used+1),
		Receipt:   newReceipt(tenantID, stageID, "allowed"),
	}
}

// Release returns one slot after a failed call so retries of other messages
// are not penalized for spend that bought nothing.
func (l *Ledger) Release(tenantID, stageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()

	if used := l.tenantUsed[tenantID]; used > 0 {
		l.tenantUsed[tenantID] = used - 1
	}
	if l.globalUsed > 0 {
		l.globalUsed--
	}
}

// DailyReset clears all counters. Exposed for operator action; the ledger
// also rolls over automatically at UTC midnight.
func (l *Ledger) DailyReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(midnightUTC(l.now()))
}

// Used reports the current counters for observability snapshots.
func (l *Ledger) Used(tenantID string) (tenant, global int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	return l.tenantUsed[tenantID], l.globalUsed
}

func (l *Ledger) rollDayLocked() {
	if today := midnightUTC(l.now()); today.After(l.day) {
		l.resetLocked(today)
	}
}

func (l *Ledger) resetLocked(day time.Time) {
	l.tenantUsed = make(map[string]int64)
	l.globalUsed = 0
	l.day = day
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func remaining(limit, used int64) int64 {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func newReceipt(tenantID, stageID, action string) *Receipt {
	return &Receipt{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		StageID:   stageID,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}
