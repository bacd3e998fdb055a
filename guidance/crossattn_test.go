package guidance

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/guidance/ops"
)

type slicedProcessor struct{ size int }

func (slicedProcessor) Kind() string    { return "sliced" }
func (p slicedProcessor) SliceSize() int { return p.size }

type plainProcessor struct{}

func (plainProcessor) Kind() string { return "plain" }

type fakeHost struct {
	procs   map[string]AttentionProcessor
	failSet bool
	sets    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{procs: map[string]AttentionProcessor{
		"down.0.attn1": plainProcessor{},
		"down.0.attn2": slicedProcessor{size: 8},
		"mid.attn1":    slicedProcessor{size: 2},
	}}
}

func (h *fakeHost) AttentionProcessors() map[string]AttentionProcessor {
	return h.procs
}

func (h *fakeHost) SetAttentionProcessors(procs map[string]AttentionProcessor) error {
	h.sets++
	if h.failSet && h.sets == 1 {
		h.procs = map[string]AttentionProcessor{}
		return errors.New("cannot set processors")
	}
	h.procs = procs
	return nil
}

func editArgs(t *testing.T, opts EditOptions) *CrossAttentionArgs {
	t.Helper()
	args, err := NewCrossAttentionArgs(
		ops.Full(3, 1, MaxTokenLength, 4),
		[]EditOpcode{{"equal", 0, 2, 0, 2}, {"replace", 2, 3, 2, 4}, {"equal", 3, 5, 4, 6}},
		[]*EditOptions{nil, &opts, nil},
	)
	require.NoError(t, err)
	return args
}

func TestCrossAttentionIndexMap(t *testing.T) {
	c := newCrossAttentionControl(editArgs(t, DefaultEditOptions()))

	require.Len(t, c.IndexMap, MaxTokenLength)
	assert.Equal(t, []int{0, 1, 2, 3, 3, 4, 6, 7}, c.IndexMap[:8])
	assert.Equal(t, []float32{1, 1, 0, 0, 1, 1, 0, 0}, ops.Data(c.Mask)[:8])
	assert.Equal(t, MaxTokenLength-1, c.IndexMap[MaxTokenLength-1])
}

func TestCrossAttentionIndexMapClipped(t *testing.T) {
	args := editArgs(t, DefaultEditOptions())
	args.EditOpcodes = []EditOpcode{{"equal", 70, 80, 74, 84}, {"equal", 0, 1, 90, 91}}
	c := newCrossAttentionControl(args)

	assert.Equal(t, []int{70, 71, 72}, c.IndexMap[74:])
	assert.Equal(t, []float32{1, 1, 1}, ops.Data(c.Mask)[74:])
	assert.Equal(t, float32(0), ops.Data(c.Mask)[73])
}

func TestCrossAttentionActiveTypes(t *testing.T) {
	c := newCrossAttentionControl(editArgs(t, DefaultEditOptions()))

	cases := []struct {
		percent float64
		want    []CrossAttentionType
	}{
		{0, []CrossAttentionType{SelfAttention}},
		{0.15, []CrossAttentionType{SelfAttention, TokensAttention}},
		{0.5, []CrossAttentionType{TokensAttention}},
		{1, nil},
	}

	for _, tt := range cases {
		if diff := cmp.Diff(tt.want, c.ActiveTypes(tt.percent)); diff != "" {
			t.Errorf("%v: active types mismatch (-want +got):\n%s", tt.percent, diff)
		}
	}
}

func TestNewCrossAttentionArgs(t *testing.T) {
	edited := ops.Zeros(1, MaxTokenLength, 4)
	opts := DefaultEditOptions()
	other := EditOptions{SEnd: 0.5, TEnd: 0.5}

	args, err := NewCrossAttentionArgs(edited, []EditOpcode{{"equal", 0, 1, 0, 1}, {"insert", 1, 1, 1, 3}}, []*EditOptions{&opts, &other})
	require.NoError(t, err)
	assert.Equal(t, opts, args.EditOptions)

	_, err = NewCrossAttentionArgs(edited, []EditOpcode{{"equal", 0, 1, 0, 1}}, nil)
	require.ErrorIs(t, err, ErrInvalidCrossAttentionArgs)

	_, err = NewCrossAttentionArgs(edited, []EditOpcode{{"equal", 0, 1, 0, 1}}, []*EditOptions{nil})
	require.ErrorIs(t, err, ErrInvalidCrossAttentionArgs)

	_, err = NewCrossAttentionArgs(edited, []EditOpcode{{"equal", 0, 1, 0, 2}}, []*EditOptions{&opts})
	require.ErrorIs(t, err, ErrInvalidCrossAttentionArgs)

	_, err = NewCrossAttentionArgs(nil, []EditOpcode{{"equal", 0, 1, 0, 1}}, []*EditOptions{&opts})
	require.ErrorIs(t, err, ErrInvalidCrossAttentionArgs)
}

func TestDecodeEditOptions(t *testing.T) {
	opts, err := DecodeEditOptions(map[string]any{"s_end": "0.5", "t_start": 0.25})
	require.NoError(t, err)
	assert.Equal(t, EditOptions{SStart: 0, SEnd: 0.5, TStart: 0.25, TEnd: 1}, opts)

	_, err = DecodeEditOptions(map[string]any{"u_start": 0.1})
	require.ErrorIs(t, err, ErrInvalidCrossAttentionArgs)
}

func TestBlendAttention(t *testing.T) {
	swap := &SwapContext{IndexMap: []int{1, 0, 2}, Mask: ops.New([]float32{1, 1, 0}, 3)}

	original := ops.New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	modified := ops.New([]float32{10, 20, 30, 40, 50, 60}, 2, 3)

	blended, err := swap.BlendAttention(original, modified)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1, 30, 5, 4, 60}, ops.Data(blended))

	_, err = swap.BlendAttention(ops.Zeros(2, 4), ops.Zeros(2, 4))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSwapContextWantsControl(t *testing.T) {
	var none *SwapContext
	assert.False(t, none.WantsControl(SelfAttention))

	swap := &SwapContext{TypesToDo: []CrossAttentionType{TokensAttention}}
	assert.False(t, swap.WantsControl(SelfAttention))
	assert.True(t, swap.WantsControl(TokensAttention))
}

func TestCrossAttentionGuard(t *testing.T) {
	host := newFakeHost()
	original := host.AttentionProcessors()
	backbone := &recordingBackbone{}
	d := New(backbone, Options{})

	opts := EditOptions{SStart: 0, SEnd: 0.2, TStart: 0.5, TEnd: 0.6}
	guard, err := d.EnableCrossAttentionControl(host, editArgs(t, opts))
	require.NoError(t, err)

	require.Len(t, host.procs, 3)
	for name, p := range host.procs {
		swap, ok := p.(*SwapCrossAttentionProcessor)
		require.True(t, ok, name)
		assert.Equal(t, 8, swap.SliceSize, name)
	}

	_, err = d.EnableCrossAttentionControl(host, editArgs(t, opts))
	require.ErrorIs(t, err, ErrUnsupportedConfiguration)

	sample := ops.Zeros(1, 1, 2, 2)
	timestep := ops.New([]float32{1}, 1)
	cond := basicConditioning(MaxTokenLength, MaxTokenLength)

	// self attention is controlled at the start of the run
	_, _, err = d.Step(t.Context(), sample, timestep, cond, 0, 10, Residuals{})
	require.NoError(t, err)
	require.Len(t, backbone.calls, 2)

	uncondSwap := backbone.calls[0].CrossAttention.Swap
	condSwap := backbone.calls[1].CrossAttention.Swap
	require.NotNil(t, uncondSwap)
	require.NotNil(t, condSwap)
	assert.Empty(t, uncondSwap.TypesToDo)
	assert.Equal(t, []CrossAttentionType{SelfAttention}, condSwap.TypesToDo)
	assert.Same(t, cond.Text[0].Info.(*BasicConditioning).Embeds, backbone.calls[1].EncoderHiddenStates)
	assert.Equal(t, ops.Shape(condSwap.ModifiedTextEmbeddings), []int{1, MaxTokenLength, 4})

	// nothing is controlled between the windows so the step is batched
	backbone.calls = nil
	_, _, err = d.Step(t.Context(), sample, timestep, cond, 3, 10, Residuals{})
	require.NoError(t, err)
	require.Len(t, backbone.calls, 1)

	backbone.calls = nil
	_, _, err = d.Step(t.Context(), sample, timestep, cond, 5, 10, Residuals{})
	require.NoError(t, err)
	require.Len(t, backbone.calls, 2)
	assert.Equal(t, []CrossAttentionType{TokensAttention}, backbone.calls[1].CrossAttention.Swap.TypesToDo)

	require.NoError(t, guard.Close())
	assert.Equal(t, original, host.procs)
	require.NoError(t, guard.Close())
	assert.Equal(t, 2, host.sets)

	backbone.calls = nil
	_, _, err = d.Step(t.Context(), sample, timestep, cond, 0, 10, Residuals{})
	require.NoError(t, err)
	require.Len(t, backbone.calls, 1)
}

func TestCrossAttentionRestoredOnFailure(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		host := newFakeHost()
		host.failSet = true
		original := host.AttentionProcessors()

		d := New(&recordingBackbone{}, Options{})
		_, err := d.EnableCrossAttentionControl(host, editArgs(t, DefaultEditOptions()))
		require.Error(t, err)
		assert.Equal(t, original, host.procs)
		assert.Nil(t, d.crossAttention)
	})

	t.Run("run", func(t *testing.T) {
		host := newFakeHost()
		original := host.AttentionProcessors()
		boom := errors.New("backbone failed")

		d := New(&recordingBackbone{err: boom}, Options{})
		err := d.WithCrossAttentionControl(host, editArgs(t, DefaultEditOptions()), func() error {
			_, _, err := d.Step(t.Context(), ops.Zeros(1, 1, 2, 2), ops.New([]float32{1}, 1), basicConditioning(3, 3), 0, 10, Residuals{})
			return err
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, original, host.procs)
		assert.Nil(t, d.crossAttention)
	})
}

func TestCrossAttentionMultipleOptionsWarn(t *testing.T) {
	opts := DefaultEditOptions()
	other := EditOptions{SEnd: 0.5, TEnd: 0.5}
	args, err := NewCrossAttentionArgs(
		ops.Zeros(1, MaxTokenLength, 4),
		[]EditOpcode{{"equal", 0, 1, 0, 1}, {"insert", 1, 1, 1, 3}},
		[]*EditOptions{&opts, &other},
	)
	require.NoError(t, err)

	var buf bytes.Buffer
	d := New(&recordingBackbone{}, Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	guard, err := d.EnableCrossAttentionControl(newFakeHost(), args)
	require.NoError(t, err)
	defer guard.Close()

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "multiple edit options given")
	assert.Contains(t, buf.String(), "count=2")
}

func TestCrossAttentionNilHost(t *testing.T) {
	d := New(&recordingBackbone{}, Options{})
	_, err := d.EnableCrossAttentionControl(nil, editArgs(t, DefaultEditOptions()))
	require.ErrorIs(t, err, ErrInvalidCrossAttentionArgs)
	assert.Nil(t, d.crossAttention)
}

func TestSwapProcessorsDefaultSliceSize(t *testing.T) {
	swapped := swapProcessors(map[string]AttentionProcessor{"a": plainProcessor{}})
	assert.Equal(t, &SwapCrossAttentionProcessor{SliceSize: defaultSliceSize}, swapped["a"])
}
