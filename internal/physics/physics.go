// Package physics defines the boundary to the external force-constant
// library. The orchestrator treats displacement generation, force fitting
// and output parsing as black boxes behind these interfaces; a small
// self-contained harmonic implementation is provided for the local engine
// and for tests.
package physics

import "math/rand"

// BoltzmannEVK is the Boltzmann constant in eV/K.
const BoltzmannEVK = 8.617333262e-5

// AmplitudeSpec describes how far atoms are displaced when sampling.
type AmplitudeSpec struct {
	// TemperatureK sets the thermal amplitude used when a force-constant
	// model is available.
	TemperatureK float64
	// Distance is the fixed displacement distance used when no model is
	// available yet (the zeroth, ground-state-derived sample set).
	Distance float64
}

// DisplacementGenerator produces the numeric displacement pattern for one
// sample: a flattened slice of 3*numAtoms cartesian offsets. model is nil
// for model-free samples. Implementations must be pure given rng.
type DisplacementGenerator interface {
	Displacements(model []float64, numAtoms int, amp AmplitudeSpec, rng *rand.Rand) []float64
}

// ForceFitter fits force constants from displacement/force pairs.
// displacements and forces are parallel slices, one entry per sample.
type ForceFitter interface {
	Fit(displacements, forces [][]float64) (constants []float64, residual float64, err error)
}

// OutputParser converts a finished sub-job's raw artifact into forces.
type OutputParser interface {
	ParseForces(raw []byte) ([]float64, error)
}
