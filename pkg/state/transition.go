// Package state holds the resource state model and the transition table
// that decides the next state for an action.
//
// Next is a pure function: it normalizes the current state, looks the
// (state, action) key up in a table expanded once from a short list of
// wildcard rules, and returns the outcome. It performs no I/O.
package state

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStateTransition reports a (state, action) pair with no table entry.
// It indicates a logic error in the caller, never a runtime condition.
var ErrStateTransition = errors.New("no state transition defined")

// TransitionError carries the key that missed the table.
type TransitionError struct {
	Key string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v for %q", ErrStateTransition, e.Key)
}

func (e *TransitionError) Unwrap() error { return ErrStateTransition }

// StandbyStatusError signals that a promotion was refused. The outcome
// state is still valid and must be applied.
type StandbyStatusError struct {
	From State
}

func (e *StandbyStatusError) Error() string {
	return fmt.Sprintf("cannot promote resource in state admin=%s op=%s: requires unlocked and enabled", e.From.Admin, e.From.Op)
}

// Outcome is the result of a transition. Err is nil on success; on a
// refused promotion it is a *StandbyStatusError and State still holds the
// normalized state that must be persisted.
type Outcome struct {
	State State
	Err   error
}

type rule struct {
	action  Action
	admin   []AdminState
	op      []OpState
	avail   []AvailStatus
	standby []StandbyStatus
	next    func(State) Outcome
}

var (
	anyAdmin   = []AdminState{AdminLocked, AdminUnlocked}
	anyOp      = []OpState{OpEnabled, OpDisabled}
	anyAvail   = []AvailStatus{AvailNull, AvailFailed, AvailDependency, AvailDependencyFailed}
	anyStandby = []StandbyStatus{StandbyNull, StandbyCold, StandbyHot, StandbyProvidingService}
)

var rules = []rule{
	{ActionLock, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		return settle(s, AdminLocked, s.Op, s.Avail)
	}},
	{ActionUnlock, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		return settle(s, AdminUnlocked, s.Op, s.Avail)
	}},
	{ActionDisableFailed, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		_, dep := s.Avail.bits()
		return settle(s, s.Admin, OpDisabled, availFromBits(true, dep))
	}},
	{ActionEnableNotFailed, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		_, dep := s.Avail.bits()
		return settle(s, s.Admin, opFor(false, dep), availFromBits(false, dep))
	}},
	{ActionDisableDependency, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		failed, _ := s.Avail.bits()
		return settle(s, s.Admin, OpDisabled, availFromBits(failed, true))
	}},
	{ActionEnableNoDependency, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		failed, _ := s.Avail.bits()
		return settle(s, s.Admin, opFor(failed, false), availFromBits(failed, false))
	}},
	{ActionPromote, []AdminState{AdminUnlocked}, []OpState{OpEnabled}, anyAvail, anyStandby, func(s State) Outcome {
		s.Standby = StandbyProvidingService
		return Outcome{State: s}
	}},
	{ActionPromote, []AdminState{AdminLocked}, anyOp, anyAvail, anyStandby, refusePromotion},
	{ActionPromote, []AdminState{AdminUnlocked}, []OpState{OpDisabled}, anyAvail, anyStandby, refusePromotion},
	{ActionDemote, anyAdmin, anyOp, anyAvail, anyStandby, func(s State) Outcome {
		if s.Serving() {
			s.Standby = StandbyHot
		} else {
			s.Standby = StandbyCold
		}
		return Outcome{State: s}
	}},
}

func refusePromotion(s State) Outcome {
	from := s
	s.Standby = StandbyCold
	return Outcome{State: s, Err: &StandbyStatusError{From: from}}
}

func opFor(failed, dependency bool) OpState {
	if failed || dependency {
		return OpDisabled
	}
	return OpEnabled
}

// settle applies new admin/op/avail values and coerces a non-null standby
// status to match: cold when the resource cannot serve, otherwise hot
// unless it was already providing service.
func settle(prev State, admin AdminState, op OpState, avail AvailStatus) Outcome {
	next := State{Admin: admin, Op: op, Avail: avail, Standby: prev.Standby}
	if op == OpEnabled {
		next.Avail = AvailNull
	}
	if prev.Standby != StandbyNull {
		switch {
		case !next.Serving():
			next.Standby = StandbyCold
		case prev.Standby == StandbyProvidingService:
			next.Standby = StandbyProvidingService
		default:
			next.Standby = StandbyHot
		}
	}
	return Outcome{State: next}
}

var table = buildTable()

func buildTable() map[string]Outcome {
	t := make(map[string]Outcome)
	for _, r := range rules {
		for _, admin := range r.admin {
			for _, op := range r.op {
				for _, avail := range r.avail {
					for _, standby := range r.standby {
						s := State{Admin: admin, Op: op, Avail: avail, Standby: standby}
						if Normalize(s) != s {
							continue
						}
						k := key(s, r.action)
						if _, dup := t[k]; dup {
							panic("state: duplicate transition rule for " + k)
						}
						t[k] = r.next(s)
					}
				}
			}
		}
	}
	return t
}

func key(s State, a Action) string {
	return s.String() + "," + string(a)
}

// Normalize returns the canonical form of s: tokens lower-cased, "null"
// mapped to the empty value, the compound availability token collapsed,
// availability cleared while enabled, and any standby role forced to
// coldstandby while locked or disabled. Unknown tokens are kept as-is so
// the table lookup rejects them.
func Normalize(s State) State {
	s.Admin = AdminState(canon(string(s.Admin)))
	s.Op = OpState(canon(string(s.Op)))
	s.Standby = StandbyStatus(canon(string(s.Standby)))
	if canon(string(s.Avail)) != "" {
		failed, dep := s.Avail.bits()
		if failed || dep {
			s.Avail = availFromBits(failed, dep)
		}
	} else {
		s.Avail = AvailNull
	}
	if s.Op == OpEnabled {
		s.Avail = AvailNull
	}
	if s.Standby != StandbyNull && (s.Admin == AdminLocked || s.Op == OpDisabled) {
		s.Standby = StandbyCold
	}
	return s
}

func canon(tok string) string {
	tok = strings.ToLower(strings.TrimSpace(tok))
	if tok == "null" {
		return ""
	}
	return tok
}

// Next computes the outcome of applying action to cur.
func Next(cur State, action Action) (Outcome, error) {
	k := key(Normalize(cur), action)
	out, ok := table[k]
	if !ok {
		return Outcome{}, &TransitionError{Key: k}
	}
	return out, nil
}

// Domain returns every normalized state the table covers.
func Domain() []State {
	var out []State
	for _, admin := range anyAdmin {
		for _, op := range anyOp {
			for _, avail := range anyAvail {
				for _, standby := range anyStandby {
					s := State{Admin: admin, Op: op, Avail: avail, Standby: standby}
					if Normalize(s) == s {
						out = append(out, s)
					}
				}
			}
		}
	}
	return out
}
