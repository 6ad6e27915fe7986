package deal

import "errors"

// State is the lifecycle state of a deal.
type State string

const (
	StateProposed    State = "PROPOSED"
	StateAccepted    State = "ACCEPTED"
	StateEscrowHeld  State = "ESCROW_HELD"
	StateBondsStaked State = "BONDS_STAKED"
	StateInProgress  State = "IN_PROGRESS"
	StateDelivered   State = "DELIVERED"
	StateDisputed    State = "DISPUTED"
	StateCompleted   State = "COMPLETED"
	StateCancelled   State = "CANCELLED"
	StateBreached    State = "BREACHED"
)

// ErrInvalidStateTransition is returned when a transition is not in the
// legal graph. The deal is left untouched.
var ErrInvalidStateTransition = errors.New("invalid deal state transition")

// transitions is the legal graph. Money can only move along these edges.
var transitions = map[State][]State{
	StateProposed:    {StateAccepted, StateCancelled},
	StateAccepted:    {StateEscrowHeld, StateCancelled},
	StateEscrowHeld:  {StateBondsStaked, StateCancelled},
	StateBondsStaked: {StateInProgress},
	StateInProgress:  {StateDelivered, StateDisputed, StateBreached},
	StateDelivered:   {StateCompleted, StateDisputed},
	StateDisputed:    {StateCompleted, StateBreached},
	StateCompleted:   {},
	StateCancelled:   {},
	StateBreached:    {},
}

// AllStates lists every state, in lifecycle order.
func AllStates() []State {
	return []State{
		StateProposed, StateAccepted, StateEscrowHeld, StateBondsStaked,
		StateInProgress, StateDelivered, StateDisputed,
		StateCompleted, StateCancelled, StateBreached,
	}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedNext returns the legal successor states of s.
func AllowedNext(s State) []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// Terminal reports whether s has no outgoing transitions. Terminal deals
// are read-only.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateBreached:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}
