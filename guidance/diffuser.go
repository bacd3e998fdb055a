package guidance

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/logutil"
	"github.com/ollama/guidance/ops"
)

// Options configure a Diffuser. They are fixed for its lifetime.
type Options struct {
	// SequentialGuidance runs the unconditioned and conditioned branches as two
	// half-size backbone calls instead of one batched call.
	SequentialGuidance bool

	// Precision is the working precision Step rounds its outputs to.
	Precision ops.DType

	Logger *slog.Logger
}

// ForwardInput is one backbone evaluation.
type ForwardInput struct {
	Sample               *tensor.Dense
	Timestep             *tensor.Dense
	EncoderHiddenStates  *tensor.Dense
	EncoderAttentionMask *tensor.Dense
	CrossAttention       *CrossAttentionKwargs
	Residuals            Residuals
	Added                *AddedConditioning
}

// CrossAttentionKwargs are forwarded to the backbone's attention processors.
type CrossAttentionKwargs struct {
	// IPAdapterImagePromptEmbeds holds one [batch, images, seq, tokens] tensor
	// per IP-Adapter.
	IPAdapterImagePromptEmbeds []*tensor.Dense

	Swap *SwapContext
}

// Backbone is the denoising network. Forward must return a tensor with the
// same leading batch size as in.Sample.
type Backbone interface {
	Forward(ctx context.Context, in ForwardInput) (*tensor.Dense, error)
}

type BackboneFunc func(ctx context.Context, in ForwardInput) (*tensor.Dense, error)

func (f BackboneFunc) Forward(ctx context.Context, in ForwardInput) (*tensor.Dense, error) {
	return f(ctx, in)
}

// Diffuser runs classifier-free guidance for one backbone.
type Diffuser struct {
	backbone Backbone
	opts     Options
	logger   *slog.Logger

	crossAttention *CrossAttentionControl
}

func New(backbone Backbone, opts Options) *Diffuser {
	opts.Precision = cmp.Or(opts.Precision, ops.F32)
	return &Diffuser{
		backbone: backbone,
		opts:     opts,
		logger:   cmp.Or(opts.Logger, slog.Default()),
	}
}

// Step evaluates the backbone on sample at timestep and returns the
// unconditioned prediction and the conditioned prediction. With more than one
// text conditioning the conditioned predictions are blended by their masks.
//
// Steps must be run in increasing order. res carries the step's ControlNet and
// T2I-Adapter residuals, if any.
func (d *Diffuser) Step(ctx context.Context, sample, timestep *tensor.Dense, cond *ConditioningData, step, totalSteps int, res Residuals) (uncond, combined *tensor.Dense, err error) {
	if totalSteps <= 0 || step < 0 {
		return nil, nil, fmt.Errorf("%w: step %d of %d", ErrInvalidStep, step, totalSteps)
	}
	if len(cond.Text) == 0 {
		return nil, nil, fmt.Errorf("%w: no text conditioning", ErrUnsupportedConfiguration)
	}

	var types []CrossAttentionType
	if d.crossAttention != nil {
		types = d.crossAttention.ActiveTypes(float64(step) / float64(totalSteps))
	}

	sequential := len(types) > 0 || d.opts.SequentialGuidance
	if sequential && len(cond.Text) > 1 {
		return nil, nil, fmt.Errorf("%w: sequential guidance with %d text conditionings", ErrUnsupportedConfiguration, len(cond.Text))
	}

	logutil.TraceLogger(d.logger, "guidance step", "step", step, "total", totalSteps, "sequential", sequential, "conditionings", len(cond.Text), "cross_attention", types)

	outputs := make([]*tensor.Dense, len(cond.Text))
	for i, text := range cond.Text {
		var c *tensor.Dense
		if sequential {
			uncond, c, err = d.sequential(ctx, sample, timestep, cond, text.Info, types, res)
		} else {
			uncond, c, err = d.batched(ctx, sample, timestep, cond, text.Info, res)
		}
		if err != nil {
			return nil, nil, err
		}
		outputs[i] = c
	}

	if combined, err = CombineMasked(outputs, cond.Text); err != nil {
		return nil, nil, err
	}

	return ops.Round(uncond, d.opts.Precision), ops.Round(combined, d.opts.Precision), nil
}

// batched runs both branches in a single backbone call.
func (d *Diffuser) batched(ctx context.Context, x, sigma *tensor.Dense, cond *ConditioningData, text ConditioningInfo, res Residuals) (*tensor.Dense, *tensor.Dense, error) {
	var in ForwardInput
	var err error

	if in.Sample, err = ops.Repeat(x, 2); err != nil {
		return nil, nil, err
	}
	if in.Timestep, err = ops.Repeat(sigma, 2); err != nil {
		return nil, nil, err
	}

	if len(cond.IPAdapter) > 0 {
		embeds := make([]*tensor.Dense, len(cond.IPAdapter))
		for i, ip := range cond.IPAdapter {
			if embeds[i], err = ops.Stack(ip.UncondImagePromptEmbeds, ip.CondImagePromptEmbeds); err != nil {
				return nil, nil, fmt.Errorf("%w: ip-adapter %d: %w", ErrShapeMismatch, i, err)
			}
		}
		in.CrossAttention = &CrossAttentionKwargs{IPAdapterImagePromptEmbeds: embeds}
	}

	if in.Added, err = batchedAdded(cond.Unconditioned, text); err != nil {
		return nil, nil, err
	}

	u, err := embedsOf(cond.Unconditioned)
	if err != nil {
		return nil, nil, err
	}
	c, err := embedsOf(text)
	if err != nil {
		return nil, nil, err
	}
	if in.EncoderHiddenStates, in.EncoderAttentionMask, err = ConcatForBatch(u, c); err != nil {
		return nil, nil, err
	}
	in.Residuals = res

	out, err := d.backbone.Forward(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	halves, err := ops.Chunk(out, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: backbone output: %w", ErrShapeMismatch, err)
	}
	return halves[0], halves[1], nil
}

// sequential runs the unconditioned and conditioned branches as two calls.
// Cross-attention control never applies to the unconditioned branch.
func (d *Diffuser) sequential(ctx context.Context, x, sigma *tensor.Dense, cond *ConditioningData, text ConditioningInfo, types []CrossAttentionType, res Residuals) (*tensor.Dense, *tensor.Dense, error) {
	uncondRes, condRes, err := res.Split()
	if err != nil {
		return nil, nil, err
	}

	uncondAdded, condAdded, err := addedPair(cond.Unconditioned, text)
	if err != nil {
		return nil, nil, err
	}

	u, err := embedsOf(cond.Unconditioned)
	if err != nil {
		return nil, nil, err
	}
	c, err := embedsOf(text)
	if err != nil {
		return nil, nil, err
	}

	var swap *SwapContext
	if d.crossAttention != nil {
		swap = &SwapContext{
			ModifiedTextEmbeddings: d.crossAttention.Args.EditedConditioning,
			IndexMap:               d.crossAttention.IndexMap,
			Mask:                   d.crossAttention.Mask,
		}
	}

	uncondKwargs, err := sequentialKwargs(cond.IPAdapter, swap, func(ip IPAdapterConditioning) *tensor.Dense { return ip.UncondImagePromptEmbeds })
	if err != nil {
		return nil, nil, err
	}

	uncond, err := d.backbone.Forward(ctx, ForwardInput{
		Sample:              x,
		Timestep:            sigma,
		EncoderHiddenStates: u,
		CrossAttention:      uncondKwargs,
		Residuals:           uncondRes,
		Added:               uncondAdded,
	})
	if err != nil {
		return nil, nil, err
	}

	if swap != nil {
		swap = &SwapContext{
			ModifiedTextEmbeddings: swap.ModifiedTextEmbeddings,
			IndexMap:               swap.IndexMap,
			Mask:                   swap.Mask,
			TypesToDo:              slices.Clone(types),
		}
	}

	condKwargs, err := sequentialKwargs(cond.IPAdapter, swap, func(ip IPAdapterConditioning) *tensor.Dense { return ip.CondImagePromptEmbeds })
	if err != nil {
		return nil, nil, err
	}

	conditioned, err := d.backbone.Forward(ctx, ForwardInput{
		Sample:              x,
		Timestep:            sigma,
		EncoderHiddenStates: c,
		CrossAttention:      condKwargs,
		Residuals:           condRes,
		Added:               condAdded,
	})
	if err != nil {
		return nil, nil, err
	}

	return uncond, conditioned, nil
}

func sequentialKwargs(ips []IPAdapterConditioning, swap *SwapContext, pick func(IPAdapterConditioning) *tensor.Dense) (*CrossAttentionKwargs, error) {
	if len(ips) == 0 && swap == nil {
		return nil, nil
	}

	kwargs := &CrossAttentionKwargs{Swap: swap}
	for i, ip := range ips {
		e, err := ops.Unsqueeze(pick(ip))
		if err != nil {
			return nil, fmt.Errorf("ip-adapter %d: %w", i, err)
		}
		kwargs.IPAdapterImagePromptEmbeds = append(kwargs.IPAdapterImagePromptEmbeds, e)
	}
	return kwargs, nil
}
