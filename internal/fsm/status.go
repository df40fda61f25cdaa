package fsm

import (
	"context"
	"sync"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/looplab/fsm"
)

// statusEvents is the booking lifecycle. The forward chain is
// pending -> confirmed -> active -> completed; cancel leaves any non-terminal status.
var statusEvents = fsm.Events{
	{Name: StatusEventConfirm, Src: []string{string(booking.StatusPending)}, Dst: string(booking.StatusConfirmed)},
	{Name: StatusEventActivate, Src: []string{string(booking.StatusConfirmed)}, Dst: string(booking.StatusActive)},
	{Name: StatusEventComplete, Src: []string{string(booking.StatusActive)}, Dst: string(booking.StatusCompleted)},
	{Name: StatusEventCancel, Src: []string{
		string(booking.StatusPending),
		string(booking.StatusConfirmed),
		string(booking.StatusActive),
	}, Dst: string(booking.StatusCancelled)},
}

var forwardEvents = []string{StatusEventConfirm, StatusEventActivate, StatusEventComplete}

// StatusEngine decides which booking status changes are legal. It performs no I/O.
type StatusEngine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewStatusEngine() *StatusEngine {
	se := &StatusEngine{}
	se.fsm = fsm.NewFSM(string(booking.StatusPending), statusEvents, fsm.Callbacks{})
	return se
}

// eventFor maps a target status to the lifecycle event that reaches it.
func eventFor(target booking.Status) (string, bool) {
	for _, e := range statusEvents {
		if e.Dst == string(target) {
			return e.Name, true
		}
	}
	return "", false
}

func dstOf(event string) booking.Status {
	for _, e := range statusEvents {
		if e.Name == event {
			return booking.Status(e.Dst)
		}
	}
	return ""
}

// NextLegalStatus returns the forward successor of current, or false if current is
// terminal or unknown.
func (se *StatusEngine) NextLegalStatus(current booking.Status) (booking.Status, bool) {
	if !current.Known() {
		return "", false
	}
	se.mu.Lock()
	defer se.mu.Unlock()
	se.fsm.SetState(string(current))
	for _, ev := range forwardEvents {
		if se.fsm.Can(ev) {
			return dstOf(ev), true
		}
	}
	return "", false
}

// IsLegalTransition reports whether target is the forward successor of current, or
// target is cancelled and current is not terminal.
func (se *StatusEngine) IsLegalTransition(current, target booking.Status) bool {
	if !current.Known() || !target.Known() {
		return false
	}
	event, ok := eventFor(target)
	if !ok {
		return false
	}
	se.mu.Lock()
	defer se.mu.Unlock()
	se.fsm.SetState(string(current))
	return se.fsm.Can(event)
}

// Validate returns a *booking.TerminalStateError when current is terminal and target
// differs, and a *booking.InvalidTransitionError for any other illegal request.
func (se *StatusEngine) Validate(current, target booking.Status) error {
	if current.Terminal() && target != current {
		return &booking.TerminalStateError{Status: current, Requested: target}
	}
	if !se.IsLegalTransition(current, target) {
		return &booking.InvalidTransitionError{From: current, To: target}
	}
	return nil
}

// Transition validates the request and fires the matching lifecycle event.
func (se *StatusEngine) Transition(ctx context.Context, current, target booking.Status) (booking.Status, error) {
	if err := se.Validate(current, target); err != nil {
		return "", err
	}
	event, _ := eventFor(target)

	se.mu.Lock()
	defer se.mu.Unlock()
	se.fsm.SetState(string(current))
	if err := se.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return booking.Status(se.fsm.Current()), nil
}

// AvailableTargets lists every status reachable from current in one step.
func (se *StatusEngine) AvailableTargets(current booking.Status) []booking.Status {
	if !current.Known() {
		return nil
	}
	se.mu.Lock()
	defer se.mu.Unlock()
	se.fsm.SetState(string(current))
	var targets []booking.Status
	for _, ev := range se.fsm.AvailableTransitions() {
		targets = append(targets, dstOf(ev))
	}
	return targets
}
