package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoopDeps collects the loop's collaborators. Store is optional.
type LoopDeps struct {
	Host         string
	PollInterval time.Duration
	Sampler      Sampler
	Resolver     AddressResolver
	Log          *SampleLog
	Evaluator    *Evaluator
	Dispatcher   *Dispatcher
	Store        SampleStore
	Metrics      *Metrics
	Logger       *log.Logger
}

// Loop runs one sample/log/evaluate/dispatch cycle per poll interval. Cycles
// run on a single goroutine and never overlap.
type Loop struct {
	deps   LoopDeps
	tracer trace.Tracer
	now    func() time.Time

	mu          sync.RWMutex
	last        Sample
	seen        bool
	lastAddress string
}

// Status is a point-in-time view of the loop for the status endpoint.
type Status struct {
	Host             string  `json:"host"`
	PollInterval     string  `json:"poll_interval"`
	LastSample       *Sample `json:"last_sample,omitempty"`
	LastKnownAddress string  `json:"last_known_address,omitempty"`
}

func NewLoop(d LoopDeps) (*Loop, error) {
	switch {
	case d.Sampler == nil:
		return nil, errors.New("sampler is required")
	case d.Resolver == nil:
		return nil, errors.New("resolver is required")
	case d.Log == nil:
		return nil, errors.New("sample log is required")
	case d.Evaluator == nil:
		return nil, errors.New("evaluator is required")
	case d.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case d.Logger == nil:
		return nil, errors.New("logger is required")
	case d.PollInterval <= 0:
		return nil, errors.New("poll interval must be positive")
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	return &Loop{
		deps:   d,
		tracer: otel.Tracer("peerhost/monitor"),
		now:    time.Now,
	}, nil
}

// Metrics returns the loop's metric set.
func (l *Loop) Metrics() *Metrics { return l.deps.Metrics }

// Last returns the most recent sample, if any cycle has completed.
func (l *Loop) Last() (Sample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.seen
}

// Status reports the last sample and the address baseline.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{
		Host:             l.deps.Host,
		PollInterval:     l.deps.PollInterval.String(),
		LastKnownAddress: l.lastAddress,
	}
	if l.seen {
		last := l.last
		st.LastSample = &last
	}
	return st
}

// Run executes a cycle immediately and then once per poll interval until ctx
// is cancelled. It only returns on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.deps.Logger.Printf("INFO monitor loop started: host=%s interval=%s log=%s",
		l.deps.Host, l.deps.PollInterval, l.deps.Log.Path())

	l.Cycle(ctx)

	ticker := time.NewTicker(l.deps.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.deps.Logger.Printf("INFO monitor loop stopped: %v", ctx.Err())
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			l.Cycle(ctx)
		}
	}
}

// Cycle takes one sample, appends it to the log, evaluates the rules and
// dispatches any alerts. Every failure is logged and absorbed.
func (l *Loop) Cycle(ctx context.Context) Sample {
	ctx, span := l.tracer.Start(ctx, "monitor.cycle")
	defer span.End()

	s := Sample{Time: l.now().UTC()}

	cpuPct, err := l.deps.Sampler.CPUPercent(ctx)
	if err != nil {
		l.deps.Logger.Printf("WARN read cpu: %v", err)
		l.deps.Metrics.readFailure("cpu")
		cpuPct = 0
	}
	s.CPUPercent = cpuPct

	memMB, err := l.deps.Sampler.AvailableMemoryMB(ctx)
	if err != nil {
		l.deps.Logger.Printf("WARN read memory: %v", err)
		l.deps.Metrics.readFailure("memory")
		memMB = 0
	}
	s.MemoryMB = memMB

	address, err := l.deps.Resolver.Resolve(ctx)
	if err != nil || address == "" {
		if err != nil {
			l.deps.Logger.Printf("WARN resolve address: %v", err)
		}
		l.deps.Metrics.readFailure("address")
		address = Unavailable
	}
	s.Address = address

	span.SetAttributes(
		attribute.Float64("monitor.cpu_percent", s.CPUPercent),
		attribute.Float64("monitor.memory_mb", s.MemoryMB),
		attribute.String("monitor.address", s.Address),
	)

	if err := l.deps.Log.Append(s); err != nil {
		l.deps.Logger.Printf("ERROR write sample log: %v", err)
	}
	if l.deps.Store != nil {
		if err := l.deps.Store.Insert(ctx, l.deps.Host, s); err != nil {
			l.deps.Logger.Printf("WARN record sample: %v", err)
		}
	}

	alerts, err := l.deps.Evaluator.Evaluate(s)
	if err != nil {
		l.deps.Logger.Printf("ERROR evaluate rules: %v", err)
	}
	for _, a := range alerts {
		outcome := l.deps.Dispatcher.Notify(ctx, a)
		l.deps.Metrics.alert(a.Kind, outcome)
	}
	span.SetAttributes(attribute.Int("monitor.alerts", len(alerts)))

	l.deps.Metrics.observe(s)
	l.mu.Lock()
	l.last, l.seen = s, true
	l.lastAddress = l.deps.Evaluator.LastAddress()
	l.mu.Unlock()

	return s
}
