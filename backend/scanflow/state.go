// Package scanflow models a scan from the uploading client's side: the phase machine fed by
// progress callbacks and server status updates, stall detection for in-flight uploads, and
// an uploader that sends the four pose photos independently.
package scanflow

import "github.com/ravigill3969/fitscan/backend/models"

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseUploading  Phase = "uploading"
	PhaseSubmitting Phase = "submitting"
	PhaseQueued     Phase = "queued"
	PhaseProcessing Phase = "processing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

type Event string

const (
	EventStart      Event = "start"
	EventPrepared   Event = "prepared"
	EventUploading  Event = "uploading"
	EventSubmitted  Event = "submitted"
	EventQueued     Event = "queued"
	EventProcessing Event = "processing"
	EventComplete   Event = "complete"
	EventFailed     Event = "failed"
	EventReset      Event = "reset"
)

var eventTargets = map[Event]Phase{
	EventStart:      PhasePreparing,
	EventPrepared:   PhaseUploading,
	EventUploading:  PhaseUploading,
	EventSubmitted:  PhaseSubmitting,
	EventQueued:     PhaseQueued,
	EventProcessing: PhaseProcessing,
	EventComplete:   PhaseComplete,
	EventFailed:     PhaseFailed,
	EventReset:      PhaseIdle,
}

// forward lists the only moves allowed out of each non-failed phase. Moving to
// PhaseFailed is always allowed and is not listed.
var forward = map[Phase][]Phase{
	PhaseIdle:       {PhasePreparing},
	PhasePreparing:  {PhaseUploading, PhaseIdle},
	PhaseUploading:  {PhaseSubmitting},
	PhaseSubmitting: {PhaseQueued, PhaseProcessing},
	PhaseQueued:     {PhaseProcessing, PhaseComplete},
	PhaseProcessing: {PhaseComplete},
	PhaseComplete:   {PhaseIdle},
}

// Allowed reports whether from -> to is a legal move. Any move out of PhaseFailed is legal,
// so a late server update can heal a scan the client had already given up on.
func Allowed(from, to Phase) bool {
	if from == PhaseFailed || to == PhaseFailed {
		return true
	}
	for _, p := range forward[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Transition returns to when the move is allowed and from otherwise. Rejected moves are
// not errors: events arrive out of order and are replayed.
func Transition(from, to Phase) Phase {
	if Allowed(from, to) {
		return to
	}
	return from
}

// Apply feeds one event into the machine. Unknown events leave the phase unchanged.
func Apply(p Phase, e Event) Phase {
	to, ok := eventTargets[e]
	if !ok {
		return p
	}
	return Transition(p, to)
}

// Reduce folds events starting from PhaseIdle.
func Reduce(events []Event) Phase {
	p := PhaseIdle
	for _, e := range events {
		p = Apply(p, e)
	}
	return p
}

// PhaseForStatus maps a stored scan status onto the phase a listener should move to.
func PhaseForStatus(s models.ScanStatus) Phase {
	switch s {
	case models.ScanUploading:
		return PhaseUploading
	case models.ScanUploaded:
		return PhaseSubmitting
	case models.ScanQueued:
		return PhaseQueued
	case models.ScanProcessing:
		return PhaseProcessing
	case models.ScanComplete:
		return PhaseComplete
	case models.ScanError, models.ScanAborted:
		return PhaseFailed
	default:
		return PhaseIdle
	}
}
