package monitor

import (
	"errors"
	"fmt"
	"time"

	"peerhost/pkg/config"
	"peerhost/pkg/render"
)

// Kind identifies what an alert is about.
type Kind string

// template is the pkg/render template holding the kind's message.
func (k Kind) template() string { return string(k) }

const (
	KindCPUHigh        Kind = "cpu_high"
	KindMemoryLow      Kind = "memory_low"
	KindAddressChanged Kind = "address_changed"
)

// Comparison is the strict comparison a threshold rule applies.
type Comparison string

const (
	Above Comparison = ">"
	Below Comparison = "<"
)

// Rule is a static threshold rule over one sample metric.
type Rule struct {
	Kind       Kind
	Metric     func(Sample) float64
	Comparison Comparison
	Threshold  float64
}

// Breached reports whether the sample strictly crosses the threshold.
func (r Rule) Breached(s Sample) bool {
	v := r.Metric(s)
	switch r.Comparison {
	case Above:
		return v > r.Threshold
	case Below:
		return v < r.Threshold
	default:
		return false
	}
}

// DefaultRules returns the CPU and memory rules for the configured thresholds.
func DefaultRules(cfg config.AlertsConfig) []Rule {
	return []Rule{
		{
			Kind:       KindCPUHigh,
			Metric:     func(s Sample) float64 { return s.CPUPercent },
			Comparison: Above,
			Threshold:  cfg.CPUThresholdPct,
		},
		{
			Kind:       KindMemoryLow,
			Metric:     func(s Sample) float64 { return s.MemoryMB },
			Comparison: Below,
			Threshold:  cfg.RAMThresholdMB,
		},
	}
}

// Alert is one notification raised by the evaluator.
type Alert struct {
	Kind      Kind      `json:"kind"`
	Host      string    `json:"host"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Previous  string    `json:"previous,omitempty"`
	Current   string    `json:"current,omitempty"`
}

// Evaluator applies the rules to each sample and holds the monitor's
// process-lifetime state: the last known concrete address and, under the
// transition policy, which threshold rules are currently breached.
// It is not safe for concurrent use; the loop is its only caller.
type Evaluator struct {
	host        string
	rules       []Rule
	dedupe      config.DedupePolicy
	renderer    *render.Engine
	breached    map[Kind]bool
	lastAddress string
}

func NewEvaluator(host string, rules []Rule, dedupe config.DedupePolicy, renderer *render.Engine) (*Evaluator, error) {
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	for _, r := range rules {
		if r.Metric == nil {
			return nil, fmt.Errorf("rule %s has no metric", r.Kind)
		}
		if !renderer.Has(r.Kind.template()) {
			return nil, fmt.Errorf("no message template for rule %s", r.Kind)
		}
	}
	if dedupe == "" {
		dedupe = config.DedupeNone
	}
	return &Evaluator{
		host:     host,
		rules:    rules,
		dedupe:   dedupe,
		renderer: renderer,
		breached: make(map[Kind]bool),
	}, nil
}

// SetBaseline seeds the last known address. Non-concrete addresses are
// ignored.
func (e *Evaluator) SetBaseline(address string) {
	if address == "" || address == Unavailable {
		return
	}
	e.lastAddress = address
}

// LastAddress returns the last known concrete address, or "" when none has
// been observed yet.
func (e *Evaluator) LastAddress() string { return e.lastAddress }

// Evaluate returns the alerts raised by s, in rule order followed by the
// address-change alert. A message that fails to render is replaced with a
// plain one and its error joined into the result; evaluation and the address
// state still advance.
func (e *Evaluator) Evaluate(s Sample) ([]Alert, error) {
	var (
		alerts []Alert
		errs   []error
	)
	for _, r := range e.rules {
		breached := r.Breached(s)
		wasBreached := e.breached[r.Kind]
		e.breached[r.Kind] = breached
		if !breached {
			continue
		}
		if e.dedupe == config.DedupeTransition && wasBreached {
			continue
		}
		a := Alert{
			Kind:      r.Kind,
			Host:      e.host,
			Time:      s.Time,
			Value:     r.Metric(s),
			Threshold: r.Threshold,
		}
		errs = append(errs, e.message(&a))
		alerts = append(alerts, a)
	}

	if s.HasAddress() && s.Address != e.lastAddress {
		previous := e.lastAddress
		e.lastAddress = s.Address
		if previous != "" {
			a := Alert{
				Kind:     KindAddressChanged,
				Host:     e.host,
				Time:     s.Time,
				Previous: previous,
				Current:  s.Address,
			}
			errs = append(errs, e.message(&a))
			alerts = append(alerts, a)
		}
	}
	return alerts, errors.Join(errs...)
}

func (e *Evaluator) message(a *Alert) error {
	msg, err := e.renderer.Render(a.Kind.template(), a)
	if err != nil {
		a.Message = fmt.Sprintf("%s on %s", a.Kind, a.Host)
		return fmt.Errorf("render %s alert: %w", a.Kind, err)
	}
	a.Message = msg
	return nil
}
