// Package tracker follows the per-shot generation jobs of a stage until
// every one of them is terminal.
package tracker

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether polling is no longer needed for s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Event string

const (
	EventSubmit  Event = "submit"
	EventSucceed Event = "succeed"
	EventFail    Event = "fail"
	EventRetry   Event = "retry"
)

var ErrIllegalTransition = errors.New("illegal transition")

// Transition is the whole state machine:
//
//	pending    --submit-->  generating
//	generating --succeed--> success
//	generating --fail-->    failed
//	failed     --retry-->   generating
func Transition(s Status, e Event) (Status, error) {
	switch {
	case s == StatusPending && e == EventSubmit:
		return StatusGenerating, nil
	case s == StatusGenerating && e == EventSucceed:
		return StatusSuccess, nil
	case s == StatusGenerating && e == EventFail:
		return StatusFailed, nil
	case s == StatusFailed && e == EventRetry:
		return StatusGenerating, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, e, s)
}

// ParseStatus maps the status strings reported by generation services onto
// tracker statuses.
func ParseStatus(raw string) (Status, bool) {
	switch raw {
	case "pending", "queued", "waiting":
		return StatusPending, true
	case "generating", "processing", "running", "in_progress", "starting":
		return StatusGenerating, true
	case "success", "succeeded", "completed", "finished", "done":
		return StatusSuccess, true
	case "failed", "error", "canceled", "cancelled":
		return StatusFailed, true
	}
	return "", false
}
