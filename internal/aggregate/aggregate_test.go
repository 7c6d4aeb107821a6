package aggregate_test

import (
	"errors"
	"math"
	"testing"

	"github.com/zhubonan/phonoflow/internal/aggregate"
	"github.com/zhubonan/phonoflow/internal/dispatch"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/physics"
)

func outcomeFor(truth []float64, idx int, u []float64) dispatch.Outcome {
	f := make([]float64, len(u))
	for i := range u {
		f[i] = -truth[i] * u[i]
	}
	return dispatch.Outcome{
		Sample: domain.StructureSample{Index: idx, Displacements: u},
		Forces: f,
	}
}

func TestAggregateFitsModel(t *testing.T) {
	truth := []float64{1.2, 0.9, 1.7}
	outcomes := []dispatch.Outcome{
		outcomeFor(truth, 0, []float64{0.01, -0.01, 0.02}),
		outcomeFor(truth, 1, []float64{-0.02, 0.01, -0.01}),
	}
	agg := aggregate.Aggregator{Fitter: physics.Harmonic{}, MinSuccessFraction: 1}
	model, err := agg.Aggregate("run-1", 3, outcomes)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if model.Iteration != 3 || model.SampleCount != 2 {
		t.Fatalf("model metadata: %+v", model)
	}
	for i := range truth {
		if math.Abs(model.Constants[i]-truth[i]) > 1e-9 {
			t.Fatalf("constant %d: got %g, want %g", i, model.Constants[i], truth[i])
		}
	}
}

func TestAggregateInsufficientData(t *testing.T) {
	truth := []float64{1, 1, 1}
	outcomes := []dispatch.Outcome{
		outcomeFor(truth, 0, []float64{0.01, 0.01, 0.01}),
		{Sample: domain.StructureSample{Index: 1}, Failure: "walltime exceeded"},
	}
	agg := aggregate.Aggregator{Fitter: physics.Harmonic{}, MinSuccessFraction: 1}
	if _, err := agg.Aggregate("run-1", 1, outcomes); !errors.Is(err, aggregate.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestAggregateToleratesFailuresWithinFraction(t *testing.T) {
	truth := []float64{1, 1, 1}
	outcomes := []dispatch.Outcome{
		outcomeFor(truth, 0, []float64{0.01, 0.02, -0.01}),
		outcomeFor(truth, 1, []float64{-0.01, 0.01, 0.02}),
		{Sample: domain.StructureSample{Index: 2}, Failure: "node failure"},
		{Sample: domain.StructureSample{Index: 3}, Failure: "node failure"},
	}
	agg := aggregate.Aggregator{Fitter: physics.Harmonic{}, MinSuccessFraction: 0.5}
	model, err := agg.Aggregate("run-1", 1, outcomes)
	if err != nil {
		t.Fatalf("aggregate with half failed: %v", err)
	}
	if model.SampleCount != 2 {
		t.Fatalf("failed samples leaked into the fit: count %d", model.SampleCount)
	}
}

func TestAggregateNoOutcomes(t *testing.T) {
	agg := aggregate.Aggregator{Fitter: physics.Harmonic{}, MinSuccessFraction: 1}
	if _, err := agg.Aggregate("run-1", 1, nil); !errors.Is(err, aggregate.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}
