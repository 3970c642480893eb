package state

import (
	"fmt"
	"strings"
)

// AdminState is the administrative lock of a resource.
type AdminState string

const (
	AdminLocked   AdminState = "locked"
	AdminUnlocked AdminState = "unlocked"
)

// OpState is the operational health of a resource.
type OpState string

const (
	OpEnabled  OpState = "enabled"
	OpDisabled OpState = "disabled"
)

// AvailStatus records why a resource is disabled. It is only meaningful
// while the operational state is disabled. The empty value is "null".
type AvailStatus string

const (
	AvailNull             AvailStatus = ""
	AvailFailed           AvailStatus = "failed"
	AvailDependency       AvailStatus = "dependency"
	AvailDependencyFailed AvailStatus = "dependency,failed"
)

// StandbyStatus is the active/passive role of a resource. The empty value
// is "null": the resource has not been given a standby role.
type StandbyStatus string

const (
	StandbyNull             StandbyStatus = ""
	StandbyCold             StandbyStatus = "coldstandby"
	StandbyHot              StandbyStatus = "hotstandby"
	StandbyProvidingService StandbyStatus = "providingservice"
)

// Action names a state transition request.
type Action string

const (
	ActionLock               Action = "lock"
	ActionUnlock             Action = "unlock"
	ActionDisableFailed      Action = "disableFailed"
	ActionEnableNotFailed    Action = "enableNotFailed"
	ActionDisableDependency  Action = "disableDependency"
	ActionEnableNoDependency Action = "enableNoDependency"
	ActionPromote            Action = "promote"
	ActionDemote             Action = "demote"
)

// Actions lists every action in table order.
var Actions = []Action{
	ActionLock, ActionUnlock,
	ActionDisableFailed, ActionEnableNotFailed,
	ActionDisableDependency, ActionEnableNoDependency,
	ActionPromote, ActionDemote,
}

// ParseAction accepts the canonical action names case-insensitively.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if strings.EqualFold(string(a), s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// HasFailed reports whether the failed bit is set.
func (a AvailStatus) HasFailed() bool {
	failed, _ := a.bits()
	return failed
}

// HasDependency reports whether the dependency bit is set.
func (a AvailStatus) HasDependency() bool {
	_, dep := a.bits()
	return dep
}

func (a AvailStatus) String() string {
	if a == AvailNull {
		return "null"
	}
	return string(a)
}

func (s StandbyStatus) String() string {
	if s == StandbyNull {
		return "null"
	}
	return string(s)
}

// bits splits the availability token into its two flags. Tokens may be
// joined by ',', '.' or '+' in any order.
func (a AvailStatus) bits() (failed, dependency bool) {
	for _, tok := range strings.FieldsFunc(strings.ToLower(string(a)), func(r rune) bool {
		return r == ',' || r == '.' || r == '+' || r == ' '
	}) {
		switch tok {
		case "failed":
			failed = true
		case "dependency":
			dependency = true
		}
	}
	return failed, dependency
}

func availFromBits(failed, dependency bool) AvailStatus {
	switch {
	case failed && dependency:
		return AvailDependencyFailed
	case failed:
		return AvailFailed
	case dependency:
		return AvailDependency
	default:
		return AvailNull
	}
}

// State is the four-field state of one resource.
type State struct {
	Admin   AdminState    `json:"adminState" yaml:"adminState"`
	Op      OpState       `json:"opState" yaml:"opState"`
	Avail   AvailStatus   `json:"availStatus" yaml:"availStatus"`
	Standby StandbyStatus `json:"standbyStatus" yaml:"standbyStatus"`
}

func (s State) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", s.Admin, s.Op, s.Avail, s.Standby)
}

// Serving reports whether the resource may provide service.
func (s State) Serving() bool {
	return s.Admin == AdminUnlocked && s.Op == OpEnabled
}
