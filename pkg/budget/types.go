// Package budget enforces daily call caps on the expensive inference
// dependency. Denial is fail-closed and is not an error: a denied message is
// recorded and the rest of the batch continues.
//
// The ledger is local to one process instance by design. Running multiple
// instances means independent budgets per instance.
package budget

import (
	"time"
)

// Scope names the ceiling a decision was made against.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// Decision is the result of one reservation attempt. Remaining reports the
// budget left in the binding scope after the decision.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Scope     Scope    `json:"scope"`
	Remaining int64    `json:"remaining"`
	Receipt   *Receipt `json:"receipt,omitempty"`
}

// Receipt is evidence of one enforcement decision, kept for audit trails.
type Receipt struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	StageID   string    `json:"stage_id"`
	Action    string    `json:"action"` // "allowed" or "denied"
	Timestamp time.Time `json:"timestamp"`
}

// Caps holds the two independent daily ceilings. Both must pass for a
// reservation to be granted.
type Caps struct {
	TenantDaily int64
	GlobalDaily int64
}
