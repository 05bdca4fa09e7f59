package domain

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	Pending    State = "pending"
	Processing State = "processing"
	Completed  State = "completed"
	Dead       State = "dead"
)

// States lists every stored state in lifecycle order.
var States = []State{Pending, Processing, Completed, Dead}

// ParseState accepts the stored state names plus the legacy "failed",
// which maps onto Dead.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case Pending, Processing, Completed, Dead:
		return st, nil
	case "failed":
		return Dead, nil
	default:
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidInput, s)
	}
}

// Terminal reports whether a job in this state can no longer be claimed.
func (s State) Terminal() bool { return s == Completed || s == Dead }

type Job struct {
	ID         string    `json:"id" db:"id"`
	Command    string    `json:"command" db:"command"`
	State      State     `json:"state" db:"state"`
	Attempts   int       `json:"attempts" db:"attempts"`
	MaxRetries *int      `json:"max_retries,omitempty" db:"max_retries"`
	RunAt      time.Time `json:"run_at" db:"run_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
	LastError  *string   `json:"last_error,omitempty" db:"last_error"`
}

// EffectiveMaxRetries returns the job's own limit, or def when none was set.
func (j *Job) EffectiveMaxRetries(def int) int {
	if j.MaxRetries != nil {
		return *j.MaxRetries
	}
	return def
}

// Claim identifies one claim of a job. ClaimNext bumps attempts and stamps
// updated_at, and neither changes again while the claim is held.
type Claim struct {
	Attempts  int
	ClaimedAt time.Time
}

// Claim returns the claim a processing job was returned under.
func (j *Job) Claim() *Claim {
	return &Claim{Attempts: j.Attempts, ClaimedAt: j.UpdatedAt}
}

// Transition is a state-guarded mutation: it applies only while the job is
// still in From and, when Claim is set, still held under that claim.
type Transition struct {
	From          State
	To            State
	At            time.Time
	Claim         *Claim
	RunAt         *time.Time
	ResetAttempts bool
	LastError     *string
}

type Order string

const (
	OrderCreated Order = "created_at"
	OrderUpdated Order = "updated_at"
)

type Filter struct {
	State         *State
	UpdatedBefore *time.Time
	OrderBy       Order
	Limit         int
}

// Matches applies the filter predicates to a single job.
func (f Filter) Matches(j *Job) bool {
	if f.State != nil && j.State != *f.State {
		return false
	}
	if f.UpdatedBefore != nil && !j.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}
