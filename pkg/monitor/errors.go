package monitor

import (
	"fmt"
	"strings"

	"gointegrity/pkg/state"
)

// AdministrativeStateError is returned when the resource is locked.
type AdministrativeStateError struct {
	Resource string
	State    state.AdminState
}

func (e *AdministrativeStateError) Error() string {
	return fmt.Sprintf("%s is administratively %s", e.Resource, e.State)
}

// OperationalStateError is returned when the resource is disabled.
type OperationalStateError struct {
	Resource string
	State    state.OpState
	Avail    state.AvailStatus
}

func (e *OperationalStateError) Error() string {
	if e.Avail == state.AvailNull {
		return fmt.Sprintf("%s is operationally %s", e.Resource, e.State)
	}
	return fmt.Sprintf("%s is operationally %s (%s)", e.Resource, e.State, e.Avail)
}

// StandbyStatusError is returned when the resource is a standby and
// therefore not expected to take work.
type StandbyStatusError struct {
	Resource string
	Status   state.StandbyStatus
}

func (e *StandbyStatusError) Error() string {
	return fmt.Sprintf("%s is %s", e.Resource, e.Status)
}

// NotWellError reports the subsystems that declared themselves not well.
type NotWellError struct {
	Resource string
	Reports  map[string]string
}

func (e *NotWellError) Error() string {
	parts := make([]string, 0, len(e.Reports))
	for _, k := range sortedKeys(e.Reports) {
		parts = append(parts, k+": "+e.Reports[k])
	}
	return fmt.Sprintf("%s is not well: %s", e.Resource, strings.Join(parts, "; "))
}
