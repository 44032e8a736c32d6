package chaos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libradmin/internal/lib/logger"
)

func constant(v *atomic.Int64) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) { return float64(v.Load()), nil }
}

func TestThresholdHolds(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 3, true},
		{">", 2, false},
		{"<", 1, true},
		{">=", 2, true},
		{"<=", 2, true},
		{"<=", 3, false},
		{"==", 2, true},
		{"!=", 2, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold{Operator: tt.op, Value: 2}.Holds(tt.value), "%s %v", tt.op, tt.value)
	}
}

func TestRunHypothesisHeld(t *testing.T) {
	var admins atomic.Int64
	admins.Store(1)
	var rolledBack bool

	e := NewEngine(logger.Discard())
	res, err := e.Run(context.Background(), Experiment{
		Name:        "ok",
		SteadyState: []Probe{{Name: "admins", Query: constant(&admins), Threshold: Threshold{Operator: "<=", Value: 2}}},
		Method: []Action{{Name: "promote", Execute: func(context.Context) error {
			admins.Store(2)
			return nil
		}}},
		Rollback: []Action{{Name: "undo", Execute: func(context.Context) error {
			rolledBack = true
			return nil
		}}},
		Validation: []Assertion{{Probe: "admins", Condition: func(v float64) bool { return v <= 2 }, Message: "ceiling"}},
	})
	require.NoError(t, err)

	assert.True(t, res.SteadyStateValid)
	assert.True(t, res.HypothesisHeld)
	assert.Empty(t, res.Violations)
	require.Len(t, res.Observations["admins"], 1)
	assert.Equal(t, float64(2), res.Observations["admins"][0].Value)
	assert.True(t, rolledBack)
	assert.Len(t, e.Results(), 1)
}

func TestRunHypothesisViolated(t *testing.T) {
	var admins atomic.Int64

	e := NewEngine(logger.Discard())
	res, err := e.Run(context.Background(), Experiment{
		Name:        "broken",
		SteadyState: []Probe{{Name: "admins", Query: constant(&admins), Threshold: Threshold{Operator: "<=", Value: 2}}},
		Method: []Action{
			{Name: "promote", Execute: func(context.Context) error {
				admins.Store(3)
				return nil
			}},
			{Name: "flaky", Execute: func(context.Context) error { return errors.New("boom") }},
		},
		Validation: []Assertion{{Probe: "admins", Condition: func(v float64) bool { return v <= 2 }, Message: "ceiling"}},
	})
	require.NoError(t, err)

	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"ceiling"}, res.Failed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, float64(3), res.Violations[0].Actual)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "flaky", res.Errors[0].Component)
}

func TestRunAbortsOnInvalidSteadyState(t *testing.T) {
	var ran bool
	e := NewEngine(logger.Discard())

	res, err := e.Run(context.Background(), Experiment{
		Name: "dirty",
		SteadyState: []Probe{{Name: "db", Query: func(context.Context) (float64, error) {
			return 0, errors.New("connection refused")
		}}},
		Method: []Action{{Name: "never", Execute: func(context.Context) error {
			ran = true
			return nil
		}}},
	})

	assert.ErrorIs(t, err, ErrSteadyState)
	assert.False(t, res.SteadyStateValid)
	assert.False(t, ran)
	assert.Empty(t, e.Results())
}

func TestRunObservesOverWindow(t *testing.T) {
	var v atomic.Int64
	e := NewEngine(logger.Discard())
	e.interval = 10 * time.Millisecond

	res, err := e.Run(context.Background(), Experiment{
		Name:        "window",
		SteadyState: []Probe{{Name: "v", Query: constant(&v), Threshold: Threshold{Operator: "==", Value: 0}}},
		Observe:     55 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(res.Observations["v"]), 2)
}

func TestGameDayReportsOverallOutcome(t *testing.T) {
	var v atomic.Int64
	ok := Experiment{
		Name:        "ok",
		SteadyState: []Probe{{Name: "v", Query: constant(&v), Threshold: Threshold{Operator: "==", Value: 0}}},
		Validation:  []Assertion{{Probe: "v", Condition: func(x float64) bool { return x == 0 }}},
	}
	bad := ok
	bad.Name = "bad"
	bad.Validation = []Assertion{{Probe: "missing", Condition: func(float64) bool { return true }, Message: "no data"}}

	e := NewEngine(logger.Discard())
	held, err := e.GameDay(context.Background(), "test", []Experiment{ok, bad})
	require.NoError(t, err)
	assert.False(t, held)
	assert.Len(t, e.Results(), 2)
}

func TestRaceJoinsErrors(t *testing.T) {
	var calls atomic.Int64
	err := race(10, func(i int) error {
		calls.Add(1)
		if i%5 == 0 {
			return errors.New("rejected")
		}
		return nil
	})

	assert.Equal(t, int64(10), calls.Load())
	assert.Error(t, err)
	assert.NoError(t, race(3, func(int) error { return nil }))
}
