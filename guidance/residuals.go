package guidance

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// Residuals are the additional residuals a backbone adds to its blocks:
// ControlNet down and mid block residuals and T2I-Adapter intrablock
// residuals. Every tensor covers the full [uncond; cond] batch.
type Residuals struct {
	Down       []*tensor.Dense
	Mid        *tensor.Dense
	Intrablock []*tensor.Dense
}

// IsZero reports whether r carries no residuals at all.
func (r Residuals) IsZero() bool {
	return r.Down == nil && r.Mid == nil && r.Intrablock == nil
}

// Split divides every residual into its unconditioned and conditioned halves.
func (r Residuals) Split() (uncond, cond Residuals, err error) {
	if uncond.Down, cond.Down, err = splitAll(r.Down); err != nil {
		return Residuals{}, Residuals{}, fmt.Errorf("down block: %w", err)
	}
	if uncond.Intrablock, cond.Intrablock, err = splitAll(r.Intrablock); err != nil {
		return Residuals{}, Residuals{}, fmt.Errorf("intrablock: %w", err)
	}
	if r.Mid != nil {
		halves, err := ops.Chunk(r.Mid, 2)
		if err != nil {
			return Residuals{}, Residuals{}, fmt.Errorf("%w: mid block: %w", ErrShapeMismatch, err)
		}
		uncond.Mid, cond.Mid = halves[0], halves[1]
	}
	return uncond, cond, nil
}

func splitAll(ts []*tensor.Dense) (uncond, cond []*tensor.Dense, err error) {
	if ts == nil {
		return nil, nil, nil
	}

	uncond = make([]*tensor.Dense, len(ts))
	cond = make([]*tensor.Dense, len(ts))
	for i, t := range ts {
		halves, err := ops.Chunk(t, 2)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: residual %d: %w", ErrShapeMismatch, i, err)
		}
		uncond[i], cond[i] = halves[0], halves[1]
	}
	return uncond, cond, nil
}

// add accumulates another control signal's residuals into r position-wise.
func (r *Residuals) add(down []*tensor.Dense, mid *tensor.Dense) error {
	if len(down) != len(r.Down) {
		return fmt.Errorf("%w: %d down block residuals, accumulated %d", ErrShapeMismatch, len(down), len(r.Down))
	}

	sum := make([]*tensor.Dense, len(down))
	for i := range down {
		s, err := ops.Add(r.Down[i], down[i])
		if err != nil {
			return fmt.Errorf("%w: down block residual %d: %w", ErrShapeMismatch, i, err)
		}
		sum[i] = s
	}
	r.Down = sum

	switch {
	case mid == nil:
	case r.Mid == nil:
		r.Mid = mid
	default:
		s, err := ops.Add(r.Mid, mid)
		if err != nil {
			return fmt.Errorf("%w: mid block residual: %w", ErrShapeMismatch, err)
		}
		r.Mid = s
	}
	return nil
}
