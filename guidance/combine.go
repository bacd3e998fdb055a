package guidance

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// countEpsilon seeds the per-pixel weight total so pixels no mask covers
// divide by a non-zero value.
const countEpsilon = 1e-9

// CombineMasked blends one conditioned output per text conditioning into a
// single output. Each output is weighted per pixel by its entry's binarized
// mask times the entry's strength, or by 1 when the entry has no mask, and the
// result is the weighted average.
func CombineMasked(outputs []*tensor.Dense, entries []TextConditioning) (*tensor.Dense, error) {
	if len(outputs) == 0 || len(outputs) != len(entries) {
		return nil, fmt.Errorf("%w: %d outputs for %d text conditionings", ErrShapeMismatch, len(outputs), len(entries))
	}

	shape := ops.Shape(outputs[0])
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: output %v is not [batch, channels, height, width]", ErrShapeMismatch, shape)
	}
	for _, o := range outputs[1:] {
		if !slices.Equal(ops.Shape(o), shape) {
			return nil, fmt.Errorf("%w: outputs %v and %v", ErrShapeMismatch, shape, ops.Shape(o))
		}
	}

	if len(outputs) == 1 && entries[0].Mask == nil {
		return ops.Clone(outputs[0]), nil
	}

	h, w := shape[2], shape[3]
	planes := shape[0] * shape[1]
	pixels := h * w

	sum := make([]float32, planes*pixels)
	count := make([]float32, pixels)
	for i := range count {
		count[i] = countEpsilon
	}

	for i, out := range outputs {
		weights, err := maskWeights(entries[i], h, w)
		if err != nil {
			return nil, fmt.Errorf("text conditioning %d: %w", i, err)
		}

		data := ops.Data(out)
		for p := range planes {
			plane := data[p*pixels : (p+1)*pixels]
			acc := sum[p*pixels : (p+1)*pixels]
			for j, v := range plane {
				if weights == nil {
					acc[j] += v
				} else {
					acc[j] += v * weights[j]
				}
			}
		}

		for j := range count {
			if weights == nil {
				count[j] += 1
			} else {
				count[j] += weights[j]
			}
		}
	}

	for p := range planes {
		for j := range pixels {
			sum[p*pixels+j] /= count[j]
		}
	}
	return ops.New(sum, shape...), nil
}

// maskWeights returns the [h*w] weights of entry, or nil for full coverage.
func maskWeights(entry TextConditioning, h, w int) ([]float32, error) {
	if entry.Mask == nil {
		return nil, nil
	}

	mask, err := ops.ResizeNearest(ops.Binarize(entry.Mask, 1), h, w)
	if err != nil {
		return nil, fmt.Errorf("%w: mask: %w", ErrShapeMismatch, err)
	}
	return ops.Data(ops.Binarize(mask, entry.strength())), nil
}

// Combine applies classifier-free guidance:
// uncond + (cond - uncond) * scale.
func Combine(uncond, cond *tensor.Dense, scale float64) (*tensor.Dense, error) {
	delta, err := ops.Sub(cond, uncond)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}

	if delta, err = ops.Scale(delta, float32(scale)); err != nil {
		return nil, err
	}
	return ops.Add(uncond, delta)
}
