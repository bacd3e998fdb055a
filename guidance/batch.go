package guidance

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// ConcatForBatch joins unconditioned [B, Lu, D] and conditioned [B, Lc, D]
// embeddings into one batch, unconditioned first. When Lu and Lc differ the
// shorter one is right-padded with zeros and the returned attention mask marks
// real tokens with 1 and padding with 0, laid out [uncond; cond]. The mask is
// nil when no padding was needed.
func ConcatForBatch(uncond, cond *tensor.Dense) (both, mask *tensor.Dense, err error) {
	us, cs := ops.Shape(uncond), ops.Shape(cond)
	if len(us) != 3 || len(cs) != 3 {
		return nil, nil, fmt.Errorf("%w: embeddings must be [batch, seq, hidden], got %v and %v", ErrShapeMismatch, us, cs)
	}
	if us[2] != cs[2] {
		return nil, nil, fmt.Errorf("%w: hidden size %d != %d", ErrShapeMismatch, us[2], cs[2])
	}

	if us[1] != cs[1] {
		maxLen := max(us[1], cs[1])

		var umask, cmask *tensor.Dense
		if uncond, umask, err = padConditioning(uncond, maxLen); err != nil {
			return nil, nil, err
		}
		if cond, cmask, err = padConditioning(cond, maxLen); err != nil {
			return nil, nil, err
		}
		if mask, err = ops.Concat(0, umask, cmask); err != nil {
			return nil, nil, err
		}
	}

	both, err = ops.Concat(0, uncond, cond)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	return both, mask, nil
}

// padConditioning right-pads t [B, L, D] with zeros to [B, maxLen, D] and
// returns the [B, maxLen] attention mask for it.
func padConditioning(t *tensor.Dense, maxLen int) (*tensor.Dense, *tensor.Dense, error) {
	shape := ops.Shape(t)
	b, l, d := shape[0], shape[1], shape[2]

	mask := ops.Zeros(b, maxLen)
	data := ops.Data(mask)
	for i := range b {
		for j := range l {
			data[i*maxLen+j] = 1
		}
	}

	if l == maxLen {
		return t, mask, nil
	}

	padded, err := ops.Concat(1, t, ops.Zeros(b, maxLen-l, d))
	if err != nil {
		return nil, nil, err
	}
	return padded, mask, nil
}
