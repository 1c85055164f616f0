package session

import (
	"github.com/rehabmotion/platform/internal/shared/errors"
)

// State is a session lifecycle state
type State string

const (
	StateAwaitingConsent  State = "awaiting_consent"
	StateAcquiringCamera  State = "acquiring_camera"
	StateReady            State = "ready"
	StateExercising       State = "exercising"
	StateStopped          State = "stopped"
	StateReviewingResults State = "reviewing_results"
	StateSubmitted        State = "submitted"
	StateAborted          State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSubmitted || s == StateAborted
}

// Event drives a state transition
type Event string

const (
	EventConsentGranted  Event = "consent_granted"
	EventConsentDeclined Event = "consent_declined"
	EventCameraReady     Event = "camera_ready"
	EventCameraFailed    Event = "camera_failed"
	EventStart           Event = "start"
	EventStop            Event = "stop"
	EventShowResults     Event = "show_results"
	EventSubmitted       Event = "submitted"
	EventSubmitFailed    Event = "submit_failed"
	EventAbort           Event = "abort"
)

var transitions = map[State]map[Event]State{
	StateAwaitingConsent: {
		EventConsentGranted:  StateAcquiringCamera,
		EventConsentDeclined: StateAborted,
	},
	StateAcquiringCamera: {
		EventCameraReady:  StateReady,
		EventCameraFailed: StateAborted,
	},
	StateReady: {
		EventStart: StateExercising,
	},
	StateExercising: {
		EventStop: StateStopped,
	},
	StateStopped: {
		EventShowResults: StateReviewingResults,
	},
	StateReviewingResults: {
		EventSubmitted:    StateSubmitted,
		EventSubmitFailed: StateReviewingResults,
	},
}

// Next returns the state reached from s on ev. Abort is accepted from any
// non-terminal state.
func Next(s State, ev Event) (State, error) {
	if ev == EventAbort && !s.Terminal() {
		return StateAborted, nil
	}
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return s, errors.InvalidTransition(string(s), string(ev))
}

// holdsCamera reports whether a stream may be attached in state s.
func holdsCamera(s State) bool {
	return s == StateReady || s == StateExercising
}
