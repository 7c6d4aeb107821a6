// Package aggregate turns one iteration's sub-job outcomes into the next
// force-constant model. The numerical fit is delegated to the physics
// library; this package owns inclusion policy and the missing-data gate.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zhubonan/phonoflow/internal/dispatch"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/physics"
)

// ErrInsufficientData means too many sub-jobs failed for the fit to be
// trusted. It is fatal to the iteration: the controller never averages over
// missing data silently.
var ErrInsufficientData = errors.New("insufficient data")

type Aggregator struct {
	Fitter physics.ForceFitter
	// MinSuccessFraction is the smallest accepted share of successful
	// outcomes, in (0,1]. 1 means every sub-job must succeed.
	MinSuccessFraction float64
	Now                func() time.Time
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Aggregate fits a model for the given iteration from the successful
// outcomes. Failed samples are excluded from the fit; if fewer than the
// configured fraction succeeded the whole iteration fails with
// ErrInsufficientData.
func (a Aggregator) Aggregate(runID string, iteration int, outcomes []dispatch.Outcome) (domain.ForceConstantModel, error) {
	if len(outcomes) == 0 {
		return domain.ForceConstantModel{}, fmt.Errorf("%w: no outcomes", ErrInsufficientData)
	}
	frac := a.MinSuccessFraction
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	var displacements, forces [][]float64
	succeeded := 0
	for _, o := range outcomes {
		if !o.Success() {
			continue
		}
		succeeded++
		displacements = append(displacements, o.Sample.Displacements)
		forces = append(forces, o.Forces)
	}
	need := int(math.Ceil(frac * float64(len(outcomes))))
	if succeeded < need {
		return domain.ForceConstantModel{}, fmt.Errorf("%w: %d of %d sub-jobs succeeded, need %d",
			ErrInsufficientData, succeeded, len(outcomes), need)
	}
	constants, residual, err := a.Fitter.Fit(displacements, forces)
	if err != nil {
		return domain.ForceConstantModel{}, fmt.Errorf("fit force constants: %w", err)
	}
	return domain.ForceConstantModel{
		RunID:       runID,
		Iteration:   iteration,
		Constants:   constants,
		SampleCount: succeeded,
		Residual:    residual,
		CreatedAt:   a.now().UTC().Format(time.RFC3339),
	}, nil
}
