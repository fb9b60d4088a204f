// Package unit implements the production state machine of a single quality
// gated unit of work (a chapter) and the bounded repair loop that drives it.
package unit

import (
	"errors"
	"fmt"
)

// Status is a unit's position in the production state machine.
type Status string

const (
	StatusPlanned      Status = "planned"
	StatusDrafting     Status = "drafting"
	StatusDrafted      Status = "drafted"
	StatusValidating   Status = "validating"
	StatusValidated    Status = "validated"
	StatusRepairNeeded Status = "repair_needed"
	StatusRepairing    Status = "repairing"
	StatusFinalized    Status = "finalized"
	StatusExported     Status = "exported"
	StatusFailed       Status = "failed"
)

// DefaultMaxRepairAttempts applies when a job does not set a limit.
const DefaultMaxRepairAttempts = 3

// ErrInvalidTransition is returned for an illegal unit status change.
var ErrInvalidTransition = errors.New("invalid unit status transition")

var transitions = map[Status][]Status{
	StatusPlanned:      {StatusDrafting},
	StatusDrafting:     {StatusDrafted, StatusFailed},
	StatusDrafted:      {StatusValidating},
	StatusValidating:   {StatusValidated, StatusRepairNeeded, StatusFailed},
	StatusRepairNeeded: {StatusRepairing, StatusFailed},
	StatusRepairing:    {StatusValidating, StatusFailed},
	StatusValidated:    {StatusFinalized},
	StatusFinalized:    {StatusExported},
	StatusExported:     nil,
	StatusFailed:       nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusExported || s == StatusFailed
}

// RepairLimitExceededError is the terminal failure of a unit that failed
// validation MaxRepairAttempts times.
type RepairLimitExceededError struct {
	UnitID     string
	Attempts   int
	Max        int
	LastIssues []string
	CostUSD    float64 // spent on the unit before giving up
}

func (e *RepairLimitExceededError) Error() string {
	msg := fmt.Sprintf("unit %s failed validation %d times (max %d)", e.UnitID, e.Attempts, e.Max)
	if len(e.LastIssues) > 0 {
		msg += ": " + e.LastIssues[0]
		if n := len(e.LastIssues) - 1; n > 0 {
			msg += fmt.Sprintf(" (+%d more)", n)
		}
	}
	return msg
}

// Unit is one production unit.
type Unit struct {
	ID                string   `json:"id"`
	Status            Status   `json:"status"`
	AttemptCount      int      `json:"attempt_count"` // failed validations
	MaxRepairAttempts int      `json:"max_repair_attempts"`
	History           []Status `json:"history"`
}

// New creates a planned unit. max <= 0 selects DefaultMaxRepairAttempts.
func New(id string, max int) *Unit {
	if max <= 0 {
		max = DefaultMaxRepairAttempts
	}
	return &Unit{
		ID:                id,
		Status:            StatusPlanned,
		MaxRepairAttempts: max,
		History:           []Status{StatusPlanned},
	}
}

// Transition moves the unit to status to.
func (u *Unit) Transition(to Status) error {
	if !CanTransition(u.Status, to) {
		return fmt.Errorf("%w: unit %s %q -> %q", ErrInvalidTransition, u.ID, u.Status, to)
	}
	u.Status = to
	u.History = append(u.History, to)
	return nil
}

// fail moves the unit to failed from any non-terminal status that allows it.
func (u *Unit) fail() {
	if CanTransition(u.Status, StatusFailed) {
		_ = u.Transition(StatusFailed)
	}
}

// recordFailedValidation counts a failed validation and reports whether the
// unit has run out of attempts.
func (u *Unit) recordFailedValidation() (exhausted bool) {
	u.AttemptCount++
	return u.AttemptCount >= u.MaxRepairAttempts
}
