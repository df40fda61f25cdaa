package fsm

const (
	StatusEventConfirm  = "confirm"
	StatusEventActivate = "activate"
	StatusEventComplete = "complete"
	StatusEventCancel   = "cancel"
)

const (
	DepositStateNone       = "none"
	DepositStateAuthorized = "authorized"
	DepositStateCaptured   = "captured"
	DepositStateReleased   = "released"
)

const (
	DepositEventAuthorize = "authorize"
	DepositEventCapture   = "capture"
	DepositEventRelease   = "release"
)
