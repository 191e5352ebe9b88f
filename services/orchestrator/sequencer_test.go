package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerhost/pkg/bus"
)

// fakeHost is a set of named host properties that steps check and flip.
type fakeHost struct {
	mu      sync.Mutex
	present map[string]bool
	applied []string
}

func newFakeHost(present ...string) *fakeHost {
	h := &fakeHost{present: map[string]bool{}}
	for _, p := range present {
		h.present[p] = true
	}
	return h
}

func (h *fakeHost) step(name string, effect Effect) Step {
	return Step{
		Name: name,
		Check: func(context.Context) (Precondition, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.present[name] {
				return Satisfied("present"), nil
			}
			return NeedsAction("missing"), nil
		},
		Apply: func(context.Context) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.present[name] = true
			h.applied = append(h.applied, name)
			return nil
		},
		Effect: effect,
	}
}

func failing(name string, soft bool) Step {
	return Step{
		Name:  name,
		Check: func(context.Context) (Precondition, error) { return NeedsAction(""), nil },
		Apply: func(context.Context) error { return errors.New("boom") },
		Soft:  soft,
	}
}

func newTestSequencer(t *testing.T, opts ...Option) (*Sequencer, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	seq, err := NewSequencer(log.New(buf, "", 0), opts...)
	require.NoError(t, err)
	return seq, buf
}

func TestNewSequencerRequiresLogger(t *testing.T) {
	t.Parallel()
	_, err := NewSequencer(nil)
	require.Error(t, err)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	steps := []Step{host.step("a", EffectNone), host.step("b", EffectNone), host.step("c", EffectNone)}
	seq, _ := newTestSequencer(t)

	first := seq.Run(context.Background(), steps)
	require.Equal(t, StateCompleted, first.State)
	assert.Equal(t, []string{"a", "b", "c"}, first.Applied())
	assert.Equal(t, 0, first.ExitCode())

	second := seq.Run(context.Background(), steps)
	require.Equal(t, StateCompleted, second.State)
	assert.Empty(t, second.Applied())
	require.Len(t, second.Results, 3)
	for _, res := range second.Results {
		assert.Equal(t, StatusSatisfied, res.Precondition.Status)
		assert.Equal(t, ActionSkipped, res.Action)
	}
	assert.Equal(t, []string{"a", "b", "c"}, host.applied)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRebootGateHaltsRemainingSteps(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	steps := []Step{
		host.step("feature-a", EffectRequiresReboot),
		host.step("feature-b", EffectNone),
	}
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), steps)
	require.Equal(t, StateHaltedForReboot, run.State)
	assert.True(t, run.RebootRequired)
	assert.Equal(t, 0, run.ExitCode())
	assert.Equal(t, []string{"feature-a"}, host.applied)
	require.Len(t, run.Results, 1)
	assert.Contains(t, run.Reason, "feature-a")

	// After the reboot every step is evaluated again from the top.
	next := seq.Run(context.Background(), steps)
	require.Equal(t, StateCompleted, next.State)
	require.Len(t, next.Results, 2)
	assert.Equal(t, ActionSkipped, next.Results[0].Action)
	assert.Equal(t, ActionApplied, next.Results[1].Action)
	assert.Equal(t, []string{"feature-a", "feature-b"}, host.applied)
}

func TestSatisfiedRebootStepDoesNotHalt(t *testing.T) {
	t.Parallel()

	host := newFakeHost("feature-a")
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{
		host.step("feature-a", EffectRequiresReboot),
		host.step("feature-b", EffectNone),
	})
	require.Equal(t, StateCompleted, run.State)
	assert.False(t, run.RebootRequired)
}

func TestBlockedStopsBeforeAnySideEffect(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	blocked := Step{
		Name:  "virtualization",
		Check: func(context.Context) (Precondition, error) { return Blocked("virtualization is disabled in firmware"), nil },
		Apply: func(context.Context) error {
			t.Fatal("apply must not run for a blocked step")
			return nil
		},
	}
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{blocked, host.step("later", EffectNone)})
	require.Equal(t, StateFailedFatal, run.State)
	assert.Equal(t, 1, run.ExitCode())
	assert.Contains(t, run.Reason, "virtualization is disabled in firmware")
	require.Len(t, run.Results, 1)
	assert.ErrorIs(t, run.Results[0].Err, ErrBlocked)
	assert.Empty(t, host.applied)
}

func TestCheckErrorIsTreatedAsBlocked(t *testing.T) {
	t.Parallel()

	step := Step{
		Name:  "probe",
		Check: func(context.Context) (Precondition, error) { return Precondition{}, errors.New("query failed") },
		Apply: func(context.Context) error {
			t.Fatal("apply must not run when the check errors")
			return nil
		},
	}
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{step})
	require.Equal(t, StateFailedFatal, run.State)
	assert.Equal(t, ActionBlocked, run.Results[0].Action)
	assert.Contains(t, run.Reason, "query failed")
}

func TestSoftFailureContinues(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	seq, buf := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{failing("update", true), host.step("after", EffectNone)})
	require.Equal(t, StateCompleted, run.State)
	require.Len(t, run.Warnings(), 1)
	assert.Equal(t, "update", run.Warnings()[0].Name)
	assert.Equal(t, []string{"after"}, host.applied)
	assert.Contains(t, buf.String(), "WARN step update failed")
}

func TestHardFailureStops(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{failing("install", false), host.step("after", EffectNone)})
	require.Equal(t, StateFailedFatal, run.State)
	assert.Equal(t, ActionFailed, run.Results[0].Action)
	assert.Contains(t, run.Reason, "boom")
	assert.Empty(t, host.applied)
}

func TestSoftFailureAfterRebootRequiredStillHalts(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{
		host.step("feature", EffectRequiresReboot),
		failing("update", true),
	})
	require.Equal(t, StateHaltedForReboot, run.State)
	require.Len(t, run.Results, 1)
}

func TestCancelledContextFailsBetweenSteps(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	ctx, cancel := context.WithCancel(context.Background())
	first := host.step("first", EffectNone)
	apply := first.Apply
	first.Apply = func(ctx context.Context) error {
		defer cancel()
		return apply(ctx)
	}
	seq, _ := newTestSequencer(t)

	run := seq.Run(ctx, []Step{first, host.step("second", EffectNone)})
	require.Equal(t, StateFailedFatal, run.State)
	assert.Contains(t, run.Reason, "cancelled")
	assert.Equal(t, []string{"first"}, host.applied)
}

func TestInvalidStepsFailFast(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	seq, _ := newTestSequencer(t)

	run := seq.Run(context.Background(), []Step{host.step("dup", EffectNone), host.step("dup", EffectNone)})
	require.Equal(t, StateFailedFatal, run.State)
	assert.Contains(t, run.Reason, "duplicate")
	assert.Empty(t, host.applied)

	run = seq.Run(context.Background(), []Step{{Name: "no-check"}})
	require.Equal(t, StateFailedFatal, run.State)
}

type recordingJournal struct {
	started  []State
	finished []State
	err      error
}

func (j *recordingJournal) Started(_ context.Context, run *Run) error {
	j.started = append(j.started, run.State)
	return j.err
}

func (j *recordingJournal) Finished(_ context.Context, run *Run) error {
	j.finished = append(j.finished, run.State)
	return j.err
}

type recordingPublisher struct {
	subjects []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, v)
	return nil
}

func TestJournalAndEvents(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	journal := &recordingJournal{}
	events := &recordingPublisher{}
	seq, _ := newTestSequencer(t, WithJournal(journal), WithPublisher(events), WithHost("rig-1"))

	run := seq.Run(context.Background(), []Step{host.step("a", EffectRequiresReboot)})
	require.Equal(t, StateHaltedForReboot, run.State)
	assert.Equal(t, "rig-1", run.Host)

	assert.Equal(t, []State{StateRunning}, journal.started)
	assert.Equal(t, []State{StateHaltedForReboot}, journal.finished)
	assert.Equal(t, []string{bus.RunStartedSubject, bus.RunFinishedSubject}, events.subjects)

	finished, ok := events.payloads[1].(RunFinishedEvent)
	require.True(t, ok)
	assert.Equal(t, run.ID, finished.RunID)
	assert.Equal(t, string(StateHaltedForReboot), finished.Status)
	assert.True(t, finished.RebootRequired)
	assert.Equal(t, []string{"a"}, finished.Applied)
}

func TestJournalFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	seq, buf := newTestSequencer(t, WithJournal(&recordingJournal{err: errors.New("db down")}))

	run := seq.Run(context.Background(), []Step{host.step("a", EffectNone)})
	require.Equal(t, StateCompleted, run.State)
	assert.Contains(t, buf.String(), "db down")
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, StateNotStarted.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateHaltedForReboot.Terminal())
	assert.True(t, StateFailedFatal.Terminal())
}
