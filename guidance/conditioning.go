// Package guidance implements the per-step guidance core of a text-to-image
// diffusion sampler: classifier-free guidance over a black-box backbone,
// ControlNet and T2I-Adapter residual injection, prompt-to-prompt
// cross-attention control, regional prompt blending and latent symmetry.
//
// A sampler drives it once per step, in increasing step order:
//
//	res, err := guidance.ApplyControlSignals(ctx, signals, x, t, step, steps, cond)
//	uncond, cond, err := diffuser.Step(ctx, x, t, cond, step, steps, res)
//	eps, err := guidance.Combine(uncond, cond, scale)
//	// scheduler update of x using eps
//	x, err = run.PostprocessLatents(settings, x, step, steps)
package guidance

import (
	"cmp"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// ConditioningInfo is a text conditioning produced by a text encoder. It is
// either a *BasicConditioning or an *ExtendedConditioning.
type ConditioningInfo interface {
	conditioning()
}

// BasicConditioning carries only the encoder hidden states, shape [B, L, D].
type BasicConditioning struct {
	Embeds *tensor.Dense
}

// ExtendedConditioning is used by backbones that also take pooled text
// embeddings and size/crop time ids as extra conditioning.
type ExtendedConditioning struct {
	Embeds       *tensor.Dense
	PooledEmbeds *tensor.Dense
	AddTimeIDs   *tensor.Dense
}

func (*BasicConditioning) conditioning()    {}
func (*ExtendedConditioning) conditioning() {}

func embedsOf(info ConditioningInfo) (*tensor.Dense, error) {
	switch c := info.(type) {
	case *BasicConditioning:
		return c.Embeds, nil
	case *ExtendedConditioning:
		return c.Embeds, nil
	default:
		return nil, fmt.Errorf("%w: missing conditioning", ErrShapeMismatch)
	}
}

// AddedConditioning is the pooled text embedding and time ids passed to
// backbones that use ExtendedConditioning.
type AddedConditioning struct {
	TextEmbeds *tensor.Dense
	TimeIDs    *tensor.Dense
}

// addedPair returns the added conditioning for the unconditioned and
// conditioned branches. The kind of cond decides whether any is needed.
func addedPair(uncond, cond ConditioningInfo) (u, c *AddedConditioning, err error) {
	switch cc := cond.(type) {
	case *BasicConditioning:
		return nil, nil, nil
	case *ExtendedConditioning:
		uc, ok := uncond.(*ExtendedConditioning)
		if !ok {
			return nil, nil, fmt.Errorf("%w: extended conditioning requires an extended unconditioned embedding, got %T", ErrShapeMismatch, uncond)
		}
		return &AddedConditioning{TextEmbeds: uc.PooledEmbeds, TimeIDs: uc.AddTimeIDs},
			&AddedConditioning{TextEmbeds: cc.PooledEmbeds, TimeIDs: cc.AddTimeIDs},
			nil
	default:
		return nil, nil, fmt.Errorf("%w: missing conditioning", ErrShapeMismatch)
	}
}

// batchedAdded concatenates the unconditioned and conditioned added
// conditioning, unconditioned first.
func batchedAdded(uncond, cond ConditioningInfo) (*AddedConditioning, error) {
	u, c, err := addedPair(uncond, cond)
	if err != nil || c == nil {
		return nil, err
	}

	textEmbeds, err := ops.Concat(0, u.TextEmbeds, c.TextEmbeds)
	if err != nil {
		return nil, fmt.Errorf("%w: pooled embeds: %w", ErrShapeMismatch, err)
	}

	timeIDs, err := ops.Concat(0, u.TimeIDs, c.TimeIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: time ids: %w", ErrShapeMismatch, err)
	}

	return &AddedConditioning{TextEmbeds: textEmbeds, TimeIDs: timeIDs}, nil
}

// TextConditioning is one positive prompt. Several may be active at once for
// regional prompting, each restricted to the region its Mask selects.
type TextConditioning struct {
	Info ConditioningInfo

	// Mask is an optional [H, W] region mask; values >= 0.5 select the region.
	// It is resized to the latent size as needed.
	Mask *tensor.Dense

	// MaskStrength scales the binarized mask. Zero means 1.
	MaskStrength float32
}

func (t TextConditioning) strength() float32 {
	return cmp.Or(t.MaskStrength, 1)
}

// IPAdapterConditioning holds image-prompt embeddings of shape
// [images, seq, tokens] for both branches.
type IPAdapterConditioning struct {
	UncondImagePromptEmbeds *tensor.Dense
	CondImagePromptEmbeds   *tensor.Dense
}

// ConditioningData is everything the diffuser conditions one step on. It is
// owned by the caller and must not change during a step.
type ConditioningData struct {
	Unconditioned ConditioningInfo
	Text          []TextConditioning
	IPAdapter     []IPAdapterConditioning

	// GuidanceScale is the classifier-free guidance scale for Combine.
	GuidanceScale Weight
}

// Weight is a scalar, or a sequence with one value per step.
type Weight struct {
	Value   float64
	PerStep []float64
}

func Scalar(v float64) Weight {
	return Weight{Value: v}
}

func PerStep(vs ...float64) Weight {
	return Weight{PerStep: vs}
}

// At returns the weight for step.
func (w Weight) At(step int) (float64, error) {
	if w.PerStep == nil {
		return w.Value, nil
	}

	if step < 0 || step >= len(w.PerStep) {
		return 0, fmt.Errorf("%w: no weight for step %d of %d", ErrShapeMismatch, step, len(w.PerStep))
	}
	return w.PerStep[step], nil
}
