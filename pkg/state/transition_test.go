package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCoversWholeDomain(t *testing.T) {
	for _, s := range Domain() {
		for _, a := range Actions {
			out, err := Next(s, a)
			require.NoError(t, err, "state %s action %s", s, a)

			got := out.State
			if got.Standby == StandbyProvidingService {
				assert.True(t, got.Serving(), "%s + %s produced providingservice while not serving", s, a)
			}
			if got.Standby != StandbyNull && !got.Serving() {
				assert.Equal(t, StandbyCold, got.Standby, "%s + %s", s, a)
			}
			if got.Op == OpEnabled {
				assert.Equal(t, AvailNull, got.Avail, "%s + %s", s, a)
			}
			assert.Equal(t, Normalize(got), got, "%s + %s produced a non-canonical state", s, a)
		}
	}
}

func TestPromote(t *testing.T) {
	t.Run("locked is refused and forced cold", func(t *testing.T) {
		for _, sb := range []StandbyStatus{StandbyNull, StandbyCold, StandbyHot, StandbyProvidingService} {
			out, err := Next(State{Admin: AdminLocked, Op: OpEnabled, Standby: sb}, ActionPromote)
			require.NoError(t, err)
			assert.Equal(t, StandbyCold, out.State.Standby)

			var sse *StandbyStatusError
			assert.True(t, errors.As(out.Err, &sse))
		}
	})

	t.Run("disabled is refused", func(t *testing.T) {
		out, err := Next(State{Admin: AdminUnlocked, Op: OpDisabled, Avail: AvailFailed, Standby: StandbyHot}, ActionPromote)
		require.NoError(t, err)
		assert.Equal(t, StandbyCold, out.State.Standby)
		assert.Error(t, out.Err)
	})

	t.Run("unlocked enabled provides service", func(t *testing.T) {
		for _, sb := range []StandbyStatus{StandbyNull, StandbyCold, StandbyHot, StandbyProvidingService} {
			out, err := Next(State{Admin: AdminUnlocked, Op: OpEnabled, Standby: sb}, ActionPromote)
			require.NoError(t, err)
			assert.NoError(t, out.Err)
			assert.Equal(t, StandbyProvidingService, out.State.Standby)
		}
	})
}

func TestDemote(t *testing.T) {
	out, err := Next(State{Admin: AdminUnlocked, Op: OpEnabled, Standby: StandbyProvidingService}, ActionDemote)
	require.NoError(t, err)
	assert.Equal(t, StandbyHot, out.State.Standby)

	out, err = Next(State{Admin: AdminLocked, Op: OpEnabled, Standby: StandbyProvidingService}, ActionDemote)
	require.NoError(t, err)
	assert.Equal(t, StandbyCold, out.State.Standby)
	assert.NoError(t, out.Err)
}

func TestDisableEnableFailedRoundTrip(t *testing.T) {
	for _, sb := range []StandbyStatus{StandbyNull, StandbyHot} {
		start := State{Admin: AdminUnlocked, Op: OpEnabled, Standby: sb}

		down, err := Next(start, ActionDisableFailed)
		require.NoError(t, err)
		assert.Equal(t, OpDisabled, down.State.Op)
		assert.Equal(t, AvailFailed, down.State.Avail)

		up, err := Next(down.State, ActionEnableNotFailed)
		require.NoError(t, err)
		assert.Equal(t, start, up.State)
	}
}

func TestFailedAndDependencyBitsAreIndependent(t *testing.T) {
	s := State{Admin: AdminUnlocked, Op: OpEnabled}

	out, err := Next(s, ActionDisableDependency)
	require.NoError(t, err)
	out, err = Next(out.State, ActionDisableFailed)
	require.NoError(t, err)
	assert.Equal(t, AvailDependencyFailed, out.State.Avail)

	out, err = Next(out.State, ActionEnableNotFailed)
	require.NoError(t, err)
	assert.Equal(t, OpDisabled, out.State.Op, "dependency bit must keep the resource disabled")
	assert.Equal(t, AvailDependency, out.State.Avail)

	out, err = Next(out.State, ActionEnableNoDependency)
	require.NoError(t, err)
	assert.Equal(t, OpEnabled, out.State.Op)
	assert.Equal(t, AvailNull, out.State.Avail)
}

func TestLockIsIdempotent(t *testing.T) {
	for _, s := range Domain() {
		once, err := Next(s, ActionLock)
		require.NoError(t, err)
		twice, err := Next(once.State, ActionLock)
		require.NoError(t, err)
		assert.Equal(t, once.State, twice.State, "from %s", s)
	}
}

func TestUnlockRestoresHotStandby(t *testing.T) {
	out, err := Next(State{Admin: AdminLocked, Op: OpEnabled, Standby: StandbyCold}, ActionUnlock)
	require.NoError(t, err)
	assert.Equal(t, State{Admin: AdminUnlocked, Op: OpEnabled, Standby: StandbyHot}, out.State)
}

func TestNormalize(t *testing.T) {
	got := Normalize(State{Admin: "Locked", Op: "disabled", Avail: "failed.dependency", Standby: "providingservice"})
	assert.Equal(t, State{Admin: AdminLocked, Op: OpDisabled, Avail: AvailDependencyFailed, Standby: StandbyCold}, got)

	got = Normalize(State{Admin: "unlocked", Op: "enabled", Avail: "failed", Standby: "null"})
	assert.Equal(t, State{Admin: AdminUnlocked, Op: OpEnabled}, got)
}

func TestNextRejectsUnknownTokens(t *testing.T) {
	_, err := Next(State{Admin: "frozen", Op: OpEnabled}, ActionLock)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateTransition)

	_, err = Next(State{Admin: AdminUnlocked, Op: OpEnabled}, Action("reboot"))
	assert.ErrorIs(t, err, ErrStateTransition)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("DISABLEFAILED")
	require.NoError(t, err)
	assert.Equal(t, ActionDisableFailed, a)

	_, err = ParseAction("explode")
	assert.Error(t, err)
}
