package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"peerhost/pkg/bus"
)

// Journal records runs for audit. It is never consulted to resume a run.
type Journal interface {
	Started(ctx context.Context, run *Run) error
	Finished(ctx context.Context, run *Run) error
}

// Sequencer evaluates an ordered list of steps, halting at the reboot gate.
// It executes steps strictly one after another and never retries a step.
type Sequencer struct {
	logger  *log.Logger
	journal Journal
	events  bus.Publisher
	host    string
	tracer  trace.Tracer
}

// Option configures optional Sequencer collaborators.
type Option func(*Sequencer)

// WithJournal records every run through j.
func WithJournal(j Journal) Option {
	return func(s *Sequencer) { s.journal = j }
}

// WithPublisher publishes run lifecycle events through p.
func WithPublisher(p bus.Publisher) Option {
	return func(s *Sequencer) { s.events = p }
}

// WithHost labels runs with the provisioned host's name.
func WithHost(host string) Option {
	return func(s *Sequencer) { s.host = host }
}

// NewSequencer creates a sequencer that logs through logger.
func NewSequencer(logger *log.Logger, opts ...Option) (*Sequencer, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	s := &Sequencer{
		logger: logger,
		tracer: otel.Tracer("peerhost/orchestrator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes steps once and returns the terminal run. Every precondition
// is evaluated afresh; nothing from a previous invocation is reused.
func (s *Sequencer) Run(ctx context.Context, steps []Step) *Run {
	run := newRun(s.host, steps)

	ctx, span := s.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.Int("run.steps", len(steps)),
	))
	defer span.End()

	run.State = StateRunning
	run.StartedAt = time.Now().UTC()

	if err := validateSteps(steps); err != nil {
		s.finish(ctx, span, run, StateFailedFatal, err.Error())
		return run
	}

	s.logger.Printf("INFO run %s started with %d steps", run.ID, len(steps))
	s.started(ctx, run)

	for i, step := range steps {
		run.Current = i
		if err := ctx.Err(); err != nil {
			s.finish(ctx, span, run, StateFailedFatal, fmt.Sprintf("run cancelled before step %s: %v", step.Name, err))
			return run
		}

		res := s.runStep(ctx, step)
		run.Results = append(run.Results, res)

		switch res.Action {
		case ActionBlocked:
			s.finish(ctx, span, run, StateFailedFatal, fmt.Sprintf("step %s blocked: %s", step.Name, res.Precondition.Reason))
			return run
		case ActionFailed:
			s.finish(ctx, span, run, StateFailedFatal, fmt.Sprintf("step %s failed: %v", step.Name, res.Err))
			return run
		case ActionApplied:
			if step.Effect == EffectRequiresReboot {
				run.RebootRequired = true
			}
		}

		if run.RebootRequired {
			s.finish(ctx, span, run, StateHaltedForReboot, fmt.Sprintf("step %s requires a reboot; run provisioning again after restarting", step.Name))
			return run
		}
	}

	run.Current = len(steps)
	s.finish(ctx, span, run, StateCompleted, "")
	return run
}

func (s *Sequencer) runStep(ctx context.Context, step Step) (res StepResult) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.String("step.name", step.Name),
	))
	defer span.End()

	started := time.Now()
	res = StepResult{Name: step.Name, Effect: step.Effect}
	defer func() {
		res.Duration = time.Since(started)
		span.SetAttributes(
			attribute.String("step.precondition", res.Precondition.Status.String()),
			attribute.String("step.action", string(res.Action)),
		)
	}()

	pre, err := step.Check(ctx)
	if err != nil {
		pre = Blocked(fmt.Sprintf("precondition check failed: %v", err))
	}
	res.Precondition = pre

	switch pre.Status {
	case StatusSatisfied:
		res.Action = ActionSkipped
		s.logger.Printf("INFO step %s already satisfied, skipping%s", step.Name, suffix(pre.Reason))
		return res
	case StatusBlocked:
		res.Action = ActionBlocked
		res.Err = fmt.Errorf("%w: %s", ErrBlocked, pre.Reason)
		span.SetStatus(codes.Error, pre.Reason)
		s.logger.Printf("ERROR step %s blocked: %s", step.Name, pre.Reason)
		return res
	}

	s.logger.Printf("INFO step %s needs action%s", step.Name, suffix(pre.Reason))
	if err := step.Apply(ctx); err != nil {
		res.Err = err
		span.RecordError(err)
		if step.Soft {
			res.Action = ActionSoftFailed
			s.logger.Printf("WARN step %s failed, continuing: %v", step.Name, err)
			return res
		}
		res.Action = ActionFailed
		span.SetStatus(codes.Error, err.Error())
		s.logger.Printf("ERROR step %s failed: %v", step.Name, err)
		return res
	}

	res.Action = ActionApplied
	if step.Effect == EffectRequiresReboot {
		s.logger.Printf("INFO step %s applied; a reboot is required before later steps", step.Name)
	} else {
		s.logger.Printf("INFO step %s applied", step.Name)
	}
	return res
}

func (s *Sequencer) finish(ctx context.Context, span trace.Span, run *Run, state State, reason string) {
	run.State = state
	run.Reason = reason
	run.FinishedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.String("run.outcome", string(state)),
		attribute.Bool("run.reboot_required", run.RebootRequired),
	)
	switch state {
	case StateFailedFatal:
		span.SetStatus(codes.Error, reason)
		s.logger.Printf("ERROR run %s failed: %s", run.ID, reason)
	case StateHaltedForReboot:
		s.logger.Printf("WARN run %s halted for reboot: %s", run.ID, reason)
	default:
		s.logger.Printf("INFO run %s completed (%d steps)", run.ID, len(run.Results))
	}

	// Record the outcome even when the run ended because ctx was cancelled.
	ctx = context.WithoutCancel(ctx)
	if s.journal != nil {
		if err := s.journal.Finished(ctx, run); err != nil {
			s.logger.Printf("WARN record run %s: %v", run.ID, err)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, bus.RunFinishedSubject, newRunFinishedEvent(run)); err != nil {
			s.logger.Printf("WARN publish %s: %v", bus.RunFinishedSubject, err)
		}
	}
}

func (s *Sequencer) started(ctx context.Context, run *Run) {
	if s.journal != nil {
		if err := s.journal.Started(ctx, run); err != nil {
			s.logger.Printf("WARN record run %s: %v", run.ID, err)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, bus.RunStartedSubject, newRunStartedEvent(run)); err != nil {
			s.logger.Printf("WARN publish %s: %v", bus.RunStartedSubject, err)
		}
	}
}

func validateSteps(steps []Step) error {
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if err := step.validate(); err != nil {
			return err
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

func suffix(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}
