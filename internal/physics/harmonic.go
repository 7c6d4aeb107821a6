package physics

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Harmonic is the built-in reference implementation: an independent
// harmonic oscillator per cartesian coordinate, f_i = -phi_i * u_i.
// It is deliberately simple; real deployments plug in the external
// phonopy-style library instead.
type Harmonic struct{}

func (Harmonic) Displacements(model []float64, numAtoms int, amp AmplitudeSpec, rng *rand.Rand) []float64 {
	n := 3 * numAtoms
	u := make([]float64, n)
	for i := 0; i < n; i++ {
		if model == nil || i >= len(model) || model[i] <= 0 || amp.TemperatureK <= 0 {
			// Model-free: fixed-distance displacement with random sign.
			u[i] = amp.Distance
			if rng.Intn(2) == 1 {
				u[i] = -u[i]
			}
			continue
		}
		// Classical thermal amplitude sigma = sqrt(kT / phi).
		sigma := math.Sqrt(BoltzmannEVK * amp.TemperatureK / model[i])
		u[i] = sigma * rng.NormFloat64()
	}
	return u
}

// Fit recovers phi_i per coordinate by least squares over samples:
// phi_i = -sum_s f_si u_si / sum_s u_si^2. Residual is the relative RMS
// misfit of the predicted forces.
func (Harmonic) Fit(displacements, forces [][]float64) ([]float64, float64, error) {
	if len(displacements) == 0 {
		return nil, 0, errors.New("no samples to fit")
	}
	if len(displacements) != len(forces) {
		return nil, 0, fmt.Errorf("sample count mismatch: %d displacements, %d forces", len(displacements), len(forces))
	}
	n := len(displacements[0])
	constants := make([]float64, n)
	for i := 0; i < n; i++ {
		var num, den float64
		for s := range displacements {
			if len(displacements[s]) != n || len(forces[s]) != n {
				return nil, 0, fmt.Errorf("sample %d has inconsistent dimension", s)
			}
			num += forces[s][i] * displacements[s][i]
			den += displacements[s][i] * displacements[s][i]
		}
		if den == 0 {
			return nil, 0, fmt.Errorf("degenerate displacements for coordinate %d", i)
		}
		constants[i] = -num / den
	}
	var misfit, norm float64
	for s := range displacements {
		for i := 0; i < n; i++ {
			pred := -constants[i] * displacements[s][i]
			d := forces[s][i] - pred
			misfit += d * d
			norm += forces[s][i] * forces[s][i]
		}
	}
	residual := 0.0
	if norm > 0 {
		residual = math.Sqrt(misfit / norm)
	}
	return constants, residual, nil
}

// ParseForces reads the plain-text force artifact: whitespace-separated
// floats, three per atom.
func (Harmonic) ParseForces(raw []byte) ([]float64, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return nil, errors.New("empty force artifact")
	}
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("force artifact has %d values, not a multiple of 3", len(fields))
	}
	forces := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("force artifact value %d: %w", i, err)
		}
		forces[i] = v
	}
	return forces, nil
}

// FormatForces writes forces in the plain-text artifact layout read by
// ParseForces.
func FormatForces(forces []float64) []byte {
	var b strings.Builder
	for i, f := range forces {
		if i > 0 {
			if i%3 == 0 {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(strconv.FormatFloat(f, 'g', 17, 64))
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// RelativeChebyshev is the convergence metric between successive models:
// max_i |a_i - b_i| / max(max_i |b_i|, eps). It is zero iff the models are
// identical, so "the model stopped changing" has a single answer.
func RelativeChebyshev(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("model size mismatch: %d vs %d", len(a), len(b))
	}
	var diff, scale float64
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > diff {
			diff = d
		}
		if s := math.Abs(b[i]); s > scale {
			scale = s
		}
	}
	if diff == 0 {
		return 0, nil
	}
	if scale < 1e-12 {
		scale = 1e-12
	}
	return diff / scale, nil
}
