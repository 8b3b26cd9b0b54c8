package position

// State of the per-symbol trade lifecycle.
type State string

const (
	StateNeutral    State = "NEUTRAL"
	StateArmed      State = "ARMED"
	StateEntering   State = "ENTERING"
	StateInPosition State = "IN_POSITION"
	StateCooldown   State = "COOLDOWN"
	StateDefensive  State = "DEFENSIVE"
)

// FSMEvent drives lifecycle transitions.
type FSMEvent string

const (
	EventSignalArmed     FSMEvent = "SIGNAL_ARMED"
	EventOrderSubmitted  FSMEvent = "ORDER_SUBMITTED"
	EventOrderFilled     FSMEvent = "ORDER_FILLED"
	EventPositionClosed  FSMEvent = "POSITION_CLOSED"
	EventCooldownExpired FSMEvent = "COOLDOWN_EXPIRED"
	EventDefensiveOn     FSMEvent = "DEFENSIVE_ON"
	EventDefensiveOff    FSMEvent = "DEFENSIVE_OFF"
)

// Transition returns the next state for (state, event). Pairs outside the
// allowed table return the current state unchanged, so out-of-order bus
// events cannot corrupt the lifecycle.
func Transition(s State, e FSMEvent) State {
	if e == EventDefensiveOn {
		return StateDefensive
	}
	switch s {
	case StateNeutral:
		if e == EventSignalArmed {
			return StateArmed
		}
	case StateArmed:
		if e == EventOrderSubmitted {
			return StateEntering
		}
	case StateEntering:
		if e == EventOrderFilled {
			return StateInPosition
		}
	case StateInPosition:
		if e == EventPositionClosed {
			return StateCooldown
		}
	case StateCooldown:
		if e == EventCooldownExpired {
			return StateNeutral
		}
	case StateDefensive:
		if e == EventDefensiveOff {
			return StateNeutral
		}
	}
	return s
}
