// Package lifecycle describes the allowed status transitions of a queued
// offline request.
package lifecycle

import (
	"context"
	"fmt"

	"balagruha-offline-sync/internal/core/models"

	"github.com/looplab/fsm"
)

// Events fired against a record's status.
const (
	EventClaim    = "claim"    // a replay pass takes ownership
	EventSync     = "sync"     // remote accepted the request
	EventFail     = "fail"     // resolution or transmission failed
	EventRelease  = "release"  // pass was interrupted before an outcome
	EventEscalate = "escalate" // unknown operation skipped too often
	EventRequeue  = "requeue"  // operator retries a failed record
)

var transitions = fsm.Events{
	{Name: EventClaim, Src: []string{models.StatusPending}, Dst: models.StatusInFlight},
	{Name: EventSync, Src: []string{models.StatusInFlight}, Dst: models.StatusSynced},
	{Name: EventFail, Src: []string{models.StatusInFlight}, Dst: models.StatusFailed},
	{Name: EventRelease, Src: []string{models.StatusInFlight}, Dst: models.StatusPending},
	{Name: EventEscalate, Src: []string{models.StatusPending}, Dst: models.StatusFailed},
	{Name: EventRequeue, Src: []string{models.StatusFailed}, Dst: models.StatusPending},
}

// Next returns the status reached by firing event from current.
func Next(current, event string) (string, error) {
	machine := fsm.NewFSM(current, transitions, fsm.Callbacks{})
	if err := machine.Event(context.Background(), event); err != nil {
		return current, fmt.Errorf("status %s does not allow %s: %w", current, event, err)
	}
	return machine.Current(), nil
}

// Can reports whether event is allowed from current.
func Can(current, event string) bool {
	return fsm.NewFSM(current, transitions, fsm.Callbacks{}).Can(event)
}

// IsTerminal reports whether the replay engine must never touch a record again.
func IsTerminal(status string) bool {
	return status == models.StatusSynced || status == models.StatusFailed
}

// IsPublic reports whether status may be set through the queue API. in_flight
// is reserved for the replay engine.
func IsPublic(status string) bool {
	switch status {
	case models.StatusPending, models.StatusSynced, models.StatusFailed:
		return true
	}
	return false
}
