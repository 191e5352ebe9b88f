package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerhost/services/orchestrator"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "peerhostctl dev\n", out)
}

func TestProvisionRejectsIncompleteConfig(t *testing.T) {
	t.Setenv("PEERHOST_STATE_DIR", t.TempDir())
	t.Setenv("PEERHOST_INSTALLER_URL", "")

	_, err := execute(t, "provision")
	require.Error(t, err)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
	assert.Contains(t, err.Error(), "installer.url")
}

func TestProvisionRejectsMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "provision")

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
}

func TestFetchRequiresFlags(t *testing.T) {
	_, err := execute(t, "fetch", "--url", "https://example.com/setup.exe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output")
}

func TestMonitorArgsUseAbsoluteConfigPath(t *testing.T) {
	t.Parallel()

	assert.Nil(t, (&rootOptions{}).monitorArgs())

	args := (&rootOptions{configPath: "peerhost.yaml"}).monitorArgs()
	require.Len(t, args, 2)
	assert.Equal(t, "--config", args[0])
	assert.True(t, filepath.IsAbs(args[1]))
}

func TestPrintRun(t *testing.T) {
	t.Parallel()

	run := &orchestrator.Run{
		ID:    uuid.MustParse("6f1c1b7e-8a55-4c8e-9a39-3d8d3f3c2a10"),
		Steps: []string{"elevation", "feature:VirtualMachinePlatform", "firewall"},
		State: orchestrator.StateHaltedForReboot,
		Results: []orchestrator.StepResult{
			{
				Name:         "elevation",
				Precondition: orchestrator.Satisfied("running elevated"),
				Action:       orchestrator.ActionSkipped,
			},
			{
				Name:         "feature:VirtualMachinePlatform",
				Precondition: orchestrator.NeedsAction("VirtualMachinePlatform disabled"),
				Action:       orchestrator.ActionApplied,
				Effect:       orchestrator.EffectRequiresReboot,
				Duration:     1500 * time.Millisecond,
			},
		},
		Reason: "reboot required after feature:VirtualMachinePlatform",
	}

	var out bytes.Buffer
	require.NoError(t, printRun(&out, run))

	text := out.String()
	assert.Contains(t, text, "feature:VirtualMachinePlatform")
	assert.Contains(t, text, "1.5s")
	assert.Contains(t, text, "run 6f1c1b7e-8a55-4c8e-9a39-3d8d3f3c2a10: halted_for_reboot; 1 step(s) not reached; reboot required")
}
