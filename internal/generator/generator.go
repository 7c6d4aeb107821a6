// Package generator produces displaced-structure samples for one iteration.
// Sample content is delegated to the physics library; this package owns
// bookkeeping: identity, labels, ordering and per-sample seeds.
package generator

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/physics"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

type Generator struct {
	Physics physics.DisplacementGenerator
	Now     func() time.Time
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Generate returns count samples for the given iteration, in sample-index
// order. model is nil for the zeroth, ground-state-derived set. The output
// is fully determined by (model, count, amp, seed, iteration), which is what
// makes restarted runs reproduce the same samples.
func (g Generator) Generate(runID string, iteration int, model []float64, count, numAtoms int, amp physics.AmplitudeSpec, seed int64) ([]domain.StructureSample, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: samples per iteration must be >= 1, got %d", ErrInvalidConfiguration, count)
	}
	if numAtoms < 1 {
		return nil, fmt.Errorf("%w: num atoms must be >= 1, got %d", ErrInvalidConfiguration, numAtoms)
	}
	now := g.now().UTC().Format(time.RFC3339)
	samples := make([]domain.StructureSample, 0, count)
	for idx := 0; idx < count; idx++ {
		sampleSeed := sampleSeed(seed, iteration, idx)
		rng := rand.New(rand.NewSource(sampleSeed))
		samples = append(samples, domain.StructureSample{
			RunID:         runID,
			Iteration:     iteration,
			Index:         idx,
			Label:         fmt.Sprintf("supercell_%03d", idx+1),
			Seed:          sampleSeed,
			Displacements: g.Physics.Displacements(model, numAtoms, amp, rng),
			CreatedAt:     now,
		})
	}
	return samples, nil
}

// sampleSeed derives a distinct deterministic seed per (iteration, sample).
func sampleSeed(seed int64, iteration, idx int) int64 {
	return seed + int64(iteration)*1_000_003 + int64(idx)*7_919
}
