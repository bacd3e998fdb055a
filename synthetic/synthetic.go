// Package synthetic provides a small deterministic backbone and ControlNet
// that honour the guidance calling conventions. They let the guidance core be
// driven end to end without model weights.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/guidance"
	"github.com/ollama/guidance/ops"
)

// AttnProcessor is the attention implementation the backbone starts with.
type AttnProcessor struct {
	Slice int
}

func (p *AttnProcessor) Kind() string {
	if p.Slice > 0 {
		return "sliced"
	}
	return "default"
}

func (p *AttnProcessor) SliceSize() int { return p.Slice }

// Backbone predicts noise as a fixed function of the sample, the text
// conditioning and any residuals. Each attention layer contributes its
// token-weighted context, so cross-attention swaps change the prediction.
type Backbone struct {
	Layers    int
	SliceSize int

	// SampleWeight scales the sample's contribution to the prediction.
	SampleWeight float32

	procs map[string]guidance.AttentionProcessor
	calls atomic.Int64
}

func NewBackbone(layers, sliceSize int) *Backbone {
	b := &Backbone{Layers: layers, SliceSize: sliceSize, SampleWeight: 0.1}
	b.procs = make(map[string]guidance.AttentionProcessor, 2*layers)
	for i := range layers {
		b.procs[fmt.Sprintf("down_blocks.%d.attn1", i)] = &AttnProcessor{Slice: sliceSize}
		b.procs[fmt.Sprintf("down_blocks.%d.attn2", i)] = &AttnProcessor{Slice: sliceSize}
	}
	return b
}

func (b *Backbone) AttentionProcessors() map[string]guidance.AttentionProcessor {
	return maps.Clone(b.procs)
}

func (b *Backbone) SetAttentionProcessors(procs map[string]guidance.AttentionProcessor) error {
	for name := range procs {
		if _, ok := b.procs[name]; !ok {
			return fmt.Errorf("synthetic: unknown attention layer %q", name)
		}
	}
	b.procs = maps.Clone(procs)
	return nil
}

// Calls returns the number of forward passes run so far.
func (b *Backbone) Calls() int64 {
	return b.calls.Load()
}

func (b *Backbone) Forward(ctx context.Context, in guidance.ForwardInput) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.calls.Add(1)

	shape := ops.Shape(in.Sample)
	if len(shape) != 4 {
		return nil, fmt.Errorf("synthetic: sample %v is not [batch, channels, height, width]", shape)
	}

	hshape := ops.Shape(in.EncoderHiddenStates)
	if len(hshape) != 3 || hshape[0] != shape[0] {
		return nil, fmt.Errorf("synthetic: hidden states %v do not match sample %v", hshape, shape)
	}

	batch := shape[0]
	per := len(ops.Data(in.Sample)) / batch
	bias := make([]float32, batch)

	for i := range batch {
		ctxv, err := b.context(in, i)
		if err != nil {
			return nil, err
		}
		bias[i] = ctxv
	}

	for _, r := range in.Residuals.Down {
		addBatchMeans(bias, r)
	}
	for _, r := range in.Residuals.Intrablock {
		addBatchMeans(bias, r)
	}
	if in.Residuals.Mid != nil {
		addBatchMeans(bias, in.Residuals.Mid)
	}

	if in.Added != nil {
		addBatchMeans(bias, in.Added.TextEmbeds, 0.01)
		addBatchMeans(bias, in.Added.TimeIDs, 0.001)
	}

	if in.CrossAttention != nil {
		for _, ip := range in.CrossAttention.IPAdapterImagePromptEmbeds {
			addBatchMeans(bias, ip, 0.05)
		}
	}

	sample := ops.Data(in.Sample)
	out := make([]float32, len(sample))
	for i, v := range sample {
		out[i] = b.SampleWeight*v + bias[i/per]
	}
	return ops.New(out, shape...), nil
}

// context returns the attention context value for batch element i averaged
// over every attention layer.
func (b *Backbone) context(in guidance.ForwardInput, i int) (float32, error) {
	hidden, err := ops.Narrow(in.EncoderHiddenStates, 0, i, i+1)
	if err != nil {
		return 0, err
	}

	var mask []float32
	if in.EncoderAttentionMask != nil {
		m, err := ops.Narrow(in.EncoderAttentionMask, 0, i, i+1)
		if err != nil {
			return 0, err
		}
		mask = ops.Data(m)
	}

	var swap *guidance.SwapContext
	if in.CrossAttention != nil {
		swap = in.CrossAttention.Swap
	}

	var total float32
	for _, name := range slices.Sorted(maps.Keys(b.procs)) {
		p := b.procs[name]
		kind := guidance.TokensAttention
		if strings.HasSuffix(name, "attn1") {
			kind = guidance.SelfAttention
		}

		v, err := layerContext(hidden, mask, swap, kind, p)
		if err != nil {
			return 0, fmt.Errorf("synthetic: %s: %w", name, err)
		}
		total += v
	}

	if len(b.procs) == 0 {
		return 0, nil
	}
	return total / float32(len(b.procs)), nil
}

// layerContext attends over the tokens of hidden [1, L, D]. Swap processors
// controlling kind attend with the edited prompt's tokens instead, keeping
// the original attention for tokens the edit preserved.
func layerContext(hidden *tensor.Dense, mask []float32, swap *guidance.SwapContext, kind guidance.CrossAttentionType, p guidance.AttentionProcessor) (float32, error) {
	values := tokenMeans(hidden)
	probs := softmax(values, mask)

	if _, ok := p.(*guidance.SwapCrossAttentionProcessor); !ok || !swap.WantsControl(kind) {
		return dot(probs, values), nil
	}

	edited := tokenMeans(swap.ModifiedTextEmbeddings)
	if len(edited) != len(values) {
		return 0, fmt.Errorf("edited conditioning has %d tokens, want %d", len(edited), len(values))
	}

	original := ops.New(probs, 1, len(probs))
	modified := ops.New(softmax(edited, mask), 1, len(edited))
	blended, err := swap.BlendAttention(original, modified)
	if err != nil {
		return 0, err
	}
	return dot(ops.Data(blended), edited), nil
}

func tokenMeans(t *tensor.Dense) []float32 {
	shape := ops.Shape(t)
	l, d := shape[len(shape)-2], shape[len(shape)-1]
	data := ops.Data(t)

	means := make([]float32, l)
	for j := range l {
		var s float32
		for _, v := range data[j*d : (j+1)*d] {
			s += v
		}
		means[j] = s / float32(d)
	}
	return means
}

func softmax(scores, mask []float32) []float32 {
	out := make([]float32, len(scores))
	maxScore := float32(math.Inf(-1))
	for j, s := range scores {
		if mask == nil || mask[j] > 0 {
			maxScore = max(maxScore, s)
		}
	}

	var sum float32
	for j, s := range scores {
		if mask != nil && mask[j] == 0 {
			continue
		}
		out[j] = float32(math.Exp(float64(s - maxScore)))
		sum += out[j]
	}
	for j := range out {
		out[j] /= sum
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// addBatchMeans adds the mean of each batch element of t, times an optional
// scale, to bias.
func addBatchMeans(bias []float32, t *tensor.Dense, scale ...float32) {
	if t == nil {
		return
	}

	k := float32(1)
	if len(scale) > 0 {
		k = scale[0]
	}

	data := ops.Data(t)
	per := len(data) / len(bias)
	for i := range bias {
		var s float32
		for _, v := range data[i*per : (i+1)*per] {
			s += v
		}
		bias[i] += k * s / float32(per)
	}
}

// ControlNet produces one residual per down block plus a mid block residual,
// each filled with the conditioning scale times the control image's mean.
type ControlNet struct {
	Blocks int
}

func (c *ControlNet) Forward(ctx context.Context, in guidance.ControlInput) ([]*tensor.Dense, *tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	shape := ops.Shape(in.Sample)
	if hs := ops.Shape(in.EncoderHiddenStates); len(hs) != 3 || hs[0] != shape[0] {
		return nil, nil, fmt.Errorf("synthetic: hidden states %v do not match sample %v", hs, shape)
	}

	var mean float32
	image := ops.Data(in.ControlImage)
	for _, v := range image {
		mean += v
	}
	mean /= float32(len(image))

	// guess mode scales shallow blocks down logarithmically from 0.1 to 1
	scales := make([]float64, c.Blocks+1)
	for i := range scales {
		scales[i] = in.ConditioningScale
		if in.GuessMode {
			scales[i] *= math.Pow(10, -1+float64(i)/float64(c.Blocks))
		}
	}

	down := make([]*tensor.Dense, c.Blocks)
	for i := range down {
		down[i] = ops.Full(float32(scales[i])*mean*0.01, shape...)
	}
	return down, ops.Full(float32(scales[c.Blocks])*mean*0.01, shape[0], 1, 1, 1), nil
}
