// Package chaos runs game-day experiments that hammer the invariant-carrying operations
// concurrently against a live database and check that the invariants still hold afterwards.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libradmin/internal/lib/sl"
)

var ErrSteadyState = errors.New("steady state invalid")

// Experiment is one hypothesis about the system under concurrent load.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Observe keeps sampling the probes for this long after the method ran.
	Observe time.Duration
}

// Probe measures one property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold. Unknown operators never hold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action injects load or undoes it.
type Action struct {
	Name    string
	Execute func(context.Context) error
}

// Assertion is checked against the last observation of a probe.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors"`
	Failed           []string               `json:"failed,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer   trace.Tracer
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	results []Result
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{
		tracer:   otel.Tracer("libradmin/chaos"),
		log:      log,
		interval: time.Second,
	}
}

// Run checks the steady state, injects the method, observes, rolls back and evaluates the
// assertions. Rollback runs whenever the method started, even if the context is cancelled.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	log := e.log.With(slog.String("experiment", exp.Name))
	res := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		res.Violations = violations
		res.EndTime = time.Now()
		res.Duration = res.EndTime.Sub(res.StartTime)
		return res, fmt.Errorf("%w: %s", ErrSteadyState, exp.Name)
	}
	res.SteadyStateValid = true

	defer func() {
		span.AddEvent("rolling_back")
		rbCtx := context.WithoutCancel(ctx)
		for _, a := range exp.Rollback {
			if err := a.Execute(rbCtx); err != nil {
				log.Error("rollback failed", slog.String("action", a.Name), sl.Err(err))
				span.RecordError(err)
			}
		}
	}()

	span.AddEvent("injecting_load")
	for _, a := range exp.Method {
		if err := a.Execute(ctx); err != nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: a.Name})
			span.RecordError(err)
			log.Warn("action failed", slog.String("action", a.Name), sl.Err(err))
		}
	}

	span.AddEvent("observing")
	e.sample(ctx, exp.SteadyState, res)
	if exp.Observe > 0 {
		obsCtx, cancel := context.WithTimeout(ctx, exp.Observe)
		ticker := time.NewTicker(e.interval)
	observe:
		for {
			select {
			case <-obsCtx.Done():
				break observe
			case <-ticker.C:
				e.sample(ctx, exp.SteadyState, res)
			}
		}
		ticker.Stop()
		cancel()
	}

	res.HypothesisHeld = e.assert(exp.Validation, res)
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *res)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", res.HypothesisHeld),
		attribute.Int("violations", len(res.Violations)),
	)
	log.Info("experiment finished",
		slog.Bool("hypothesis_held", res.HypothesisHeld),
		slog.Int("violations", len(res.Violations)),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// GameDay runs experiments in order and reports whether every hypothesis held.
func (e *Engine) GameDay(ctx context.Context, name string, exps []Experiment) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day", trace.WithAttributes(attribute.String("gameday.name", name)))
	defer span.End()

	e.log.Info("starting game day", slog.String("name", name), slog.Int("experiments", len(exps)))
	held := true
	for i, exp := range exps {
		e.log.Info("running experiment",
			slog.Int("index", i+1),
			slog.String("name", exp.Name),
			slog.String("hypothesis", exp.Hypothesis),
		)
		res, err := e.Run(ctx, exp)
		if err != nil {
			return false, err
		}
		for _, msg := range res.Failed {
			e.log.Error("assertion failed", slog.String("experiment", exp.Name), slog.String("assertion", msg))
		}
		held = held && res.HypothesisHeld
	}
	span.SetAttributes(attribute.Bool("gameday.held", held))
	return held, nil
}

// Results returns a copy of every completed run.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

func (e *Engine) steadyState(ctx context.Context, probes []Probe) []Violation {
	var violations []Violation
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			e.log.Warn("probe failed", slog.String("probe", p.Name), sl.Err(err))
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: -1, Timestamp: time.Now()})
			continue
		}
		if !p.Threshold.Holds(value) {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: value, Timestamp: time.Now()})
		}
	}
	return violations
}

func (e *Engine) sample(ctx context.Context, probes []Probe, res *Result) {
	for _, p := range probes {
		value, err := p.Query(ctx)
		now := time.Now()
		if err != nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: now, Error: err.Error(), Component: p.Name})
			continue
		}
		res.Observations[p.Name] = append(res.Observations[p.Name], DataPoint{Timestamp: now, Value: value})
		if !p.Threshold.Holds(value) {
			res.Violations = append(res.Violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: value, Timestamp: now})
		}
	}
}

func (e *Engine) assert(assertions []Assertion, res *Result) bool {
	held := true
	for _, a := range assertions {
		obs := res.Observations[a.Probe]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			res.Failed = append(res.Failed, a.Message)
			held = false
		}
	}
	return held
}
