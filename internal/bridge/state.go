package bridge

// LegRole distinguishes the caller's leg from the legs we dial.
type LegRole string

const (
	RoleInbound  LegRole = "inbound"
	RoleOutbound LegRole = "outbound"
)

// LegState is the local lifecycle state of one call leg.
type LegState string

const (
	LegCreated       LegState = "created"
	LegRinging       LegState = "ringing"
	LegAnswered      LegState = "answered"
	LegAwaitingDigit LegState = "awaiting_digit"
	LegAccepted      LegState = "accepted"
	LegRejected      LegState = "rejected"
	LegBridged       LegState = "bridged"
	LegTerminated    LegState = "terminated"
)

// Done reports whether the leg can no longer win the race.
func (s LegState) Done() bool {
	return s == LegRejected || s == LegTerminated
}

// prompted reports whether the leg has been (or is being) asked for a digit.
func (s LegState) prompted() bool {
	return s == LegAnswered || s == LegAwaitingDigit
}

// SessionState is the orchestration state of one inbound call.
type SessionState string

const (
	SessionDialing        SessionState = "dialing"
	SessionAwaitingWinner SessionState = "awaiting_winner"
	SessionBridged        SessionState = "bridged"
	SessionAbandoned      SessionState = "abandoned"
)

// IsTerminal reports whether the race for this session is over.
func (s SessionState) IsTerminal() bool {
	return s == SessionBridged || s == SessionAbandoned
}
