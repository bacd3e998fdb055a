package guidance

import (
	"cmp"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// PostprocessingSettings gate symmetry folding on the fraction of the run
// completed. A nil or out of range (0, 1] value disables that fold.
type PostprocessingSettings struct {
	HSymmetryTimePct *float64 `yaml:"h_symmetry_time_pct" toml:"h_symmetry_time_pct"`
	VSymmetryTimePct *float64 `yaml:"v_symmetry_time_pct" toml:"v_symmetry_time_pct"`
}

// Run is the state of one generation run. Runs are not safe for concurrent
// use; start a new Run, or Reset one, for every generation.
type Run struct {
	ID string

	lastPercentThrough float64
	logger             *slog.Logger
}

func NewRun(logger *slog.Logger) *Run {
	id := uuid.NewString()
	return &Run{
		ID:     id,
		logger: cmp.Or(logger, slog.Default()).With("run", id),
	}
}

// Reset prepares r for a new generation.
func (r *Run) Reset() {
	r.lastPercentThrough = 0
}

// PostprocessLatents applies the post-processing settings to the latents
// produced by step.
func (r *Run) PostprocessLatents(settings *PostprocessingSettings, latents *tensor.Dense, step, totalSteps int) (*tensor.Dense, error) {
	if settings == nil {
		return latents, nil
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("%w: step %d of %d", ErrInvalidStep, step, totalSteps)
	}
	return r.ApplySymmetry(settings, latents, float64(step)/float64(totalSteps))
}

// ApplySymmetry mirrors the left half of the latents onto the right half once
// the run passes HSymmetryTimePct, and the top half onto the bottom once it
// passes VSymmetryTimePct. Each fold happens only on the call that crosses its
// threshold. Horizontal folds first when both cross together.
func (r *Run) ApplySymmetry(settings *PostprocessingSettings, latents *tensor.Dense, percentThrough float64) (*tensor.Dense, error) {
	if percentThrough == 0 {
		r.lastPercentThrough = 0
	}

	if settings == nil {
		return latents, nil
	}

	if s := ops.Shape(latents); len(s) != 4 {
		return nil, fmt.Errorf("%w: latents %v are not [batch, channels, height, width]", ErrShapeMismatch, s)
	}

	var err error
	if crossed(settings.HSymmetryTimePct, r.lastPercentThrough, percentThrough) {
		r.logger.Debug("applying horizontal symmetry", "percent_through", percentThrough)
		if latents, err = mirror(latents, 3); err != nil {
			return nil, err
		}
	}

	if crossed(settings.VSymmetryTimePct, r.lastPercentThrough, percentThrough) {
		r.logger.Debug("applying vertical symmetry", "percent_through", percentThrough)
		if latents, err = mirror(latents, 2); err != nil {
			return nil, err
		}
	}

	r.lastPercentThrough = percentThrough
	return latents, nil
}

func crossed(pct *float64, last, current float64) bool {
	if pct == nil || *pct <= 0 || *pct > 1 {
		return false
	}
	return last < *pct && *pct <= current
}

// mirror keeps the first half of t along axis and replaces the rest with the
// corresponding part of t flipped along axis.
func mirror(t *tensor.Dense, axis int) (*tensor.Dense, error) {
	size := ops.Shape(t)[axis]
	half := size / 2
	if half == 0 {
		return ops.Clone(t), nil
	}

	flipped, err := ops.Flip(t, axis)
	if err != nil {
		return nil, err
	}

	left, err := ops.Narrow(t, axis, 0, half)
	if err != nil {
		return nil, err
	}

	right, err := ops.Narrow(flipped, axis, half, size)
	if err != nil {
		return nil, err
	}

	return ops.Concat(axis, left, right)
}
