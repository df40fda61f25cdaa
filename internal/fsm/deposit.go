package fsm

import (
	"sync"

	"github.com/buildtall-systems/rentdesk/internal/booking"
	"github.com/looplab/fsm"
)

// DepositStateMachine tracks the security-deposit hold behind a booking.
type DepositStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewDepositStateMachine() *DepositStateMachine {
	dsm := &DepositStateMachine{}
	dsm.fsm = fsm.NewFSM(
		DepositStateNone,
		fsm.Events{
			{Name: DepositEventAuthorize, Src: []string{DepositStateNone}, Dst: DepositStateAuthorized},
			{Name: DepositEventCapture, Src: []string{DepositStateAuthorized}, Dst: DepositStateCaptured},
			{Name: DepositEventRelease, Src: []string{DepositStateAuthorized}, Dst: DepositStateReleased},
		},
		fsm.Callbacks{},
	)
	return dsm
}

// CanAuthorize reports whether a new deposit hold may be placed for b.
func (dsm *DepositStateMachine) CanAuthorize(b *booking.Booking) bool {
	return dsm.can(b, DepositEventAuthorize)
}

// CanCapture reports whether part of the held deposit may be charged.
func (dsm *DepositStateMachine) CanCapture(b *booking.Booking) bool {
	return dsm.can(b, DepositEventCapture)
}

// CanRelease reports whether the held deposit may be released without a charge.
func (dsm *DepositStateMachine) CanRelease(b *booking.Booking) bool {
	return dsm.can(b, DepositEventRelease)
}

func (dsm *DepositStateMachine) can(b *booking.Booking, event string) bool {
	state := DepositState(b)
	dsm.mu.Lock()
	defer dsm.mu.Unlock()
	dsm.fsm.SetState(state)
	return dsm.fsm.Can(event)
}

// DepositState derives the hold state from the booking's payment facts.
func DepositState(b *booking.Booking) string {
	switch {
	case b.DepositAuthRef == "":
		return DepositStateNone
	case b.DepositCapturedAmount > 0:
		return DepositStateCaptured
	case b.Status.Terminal():
		return DepositStateReleased
	default:
		return DepositStateAuthorized
	}
}
