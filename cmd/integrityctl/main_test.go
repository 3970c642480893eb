package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	integrityv1 "gointegrity/api/integrity/v1"
	"gointegrity/pkg/audit"
	"gointegrity/pkg/state"
	"gointegrity/storage"
)

func TestCommandName(t *testing.T) {
	assert.Equal(t, "lock", commandName(state.ActionLock))
	assert.Equal(t, "disable-failed", commandName(state.ActionDisableFailed))
	assert.Equal(t, "enable-no-dependency", commandName(state.ActionEnableNoDependency))
}

func TestStateSubcommands(t *testing.T) {
	cmd := stateCmd()
	for _, name := range []string{"get", "lock", "unlock", "disable-failed", "enable-not-failed",
		"disable-dependency", "enable-no-dependency", "promote", "demote"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func withOutput(t *testing.T, format string) {
	t.Helper()
	prev := output
	output = format
	t.Cleanup(func() { output = prev })
}

func TestPrintStateText(t *testing.T) {
	withOutput(t, "text")
	var buf bytes.Buffer
	require.NoError(t, printState(&buf, &integrityv1.StateResponse{
		Resource: "pdp-1", Domain: "pdp",
		State:       state.State{Admin: state.AdminUnlocked, Op: state.OpEnabled},
		LastUpdated: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}))
	out := buf.String()
	assert.Contains(t, out, "Admin State:    unlocked")
	assert.Contains(t, out, "Avail Status:   null")
	assert.Contains(t, out, "2026-05-01T12:00:00Z")
}

func TestPrintStateYAML(t *testing.T) {
	withOutput(t, "yaml")
	var buf bytes.Buffer
	require.NoError(t, printState(&buf, &integrityv1.StateResponse{
		Resource: "pdp-1", Domain: "pdp",
		State: state.State{Admin: state.AdminLocked, Op: state.OpDisabled, Avail: state.AvailFailed, Standby: state.StandbyCold},
	}))

	var got struct {
		Resource string      `yaml:"resource"`
		State    state.State `yaml:"state"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "pdp-1", got.Resource)
	assert.Equal(t, state.StandbyCold, got.State.Standby)
	assert.Equal(t, state.AvailFailed, got.State.Avail)
}

func TestPrintUnknownFormat(t *testing.T) {
	withOutput(t, "xml")
	assert.Error(t, printProgress(&bytes.Buffer{}, nil))
}

func TestPrintDesignations(t *testing.T) {
	withOutput(t, "text")
	var buf bytes.Buffer
	require.NoError(t, printDesignations(&buf, []storage.DesignationRecord{
		{ResourceName: "pdp-1", Site: "east", Address: "pdp-1:7400", Designated: true},
	}))
	assert.Contains(t, buf.String(), "RESOURCE")
	assert.Contains(t, buf.String(), "pdp-1:7400")
}

func TestPrintReport(t *testing.T) {
	withOutput(t, "text")
	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, false, nil))
	assert.Contains(t, buf.String(), "No audit has run")

	buf.Reset()
	require.NoError(t, printReport(&buf, true, &audit.Report{
		RunID: "r1", Peers: 2,
		Mismatches: []audit.Mismatch{{Class: "Policy", Key: "7", Peer: "pdp-2", PeerMissing: true}},
	}))
	assert.Contains(t, buf.String(), "Policy/7 vs pdp-2: missing on peer")
}
