package guidance

import (
	"context"
	"errors"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/guidance/ops"
)

// fakeControl returns residuals filled with value times the conditioning
// scale, offset by the residual's position.
type fakeControl struct {
	value float32
	downs int
	err   error
	calls []ControlInput
}

func (f *fakeControl) Forward(_ context.Context, in ControlInput) ([]*tensor.Dense, *tensor.Dense, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, nil, f.err
	}

	b := ops.Shape(in.Sample)[0]
	v := f.value * float32(in.ConditioningScale)
	n := f.downs
	if n == 0 {
		n = 2
	}

	down := make([]*tensor.Dense, n)
	for i := range down {
		down[i] = ops.Full(v+float32(i), b, 1, 2, 2)
	}
	return down, ops.Full(v, b, 1, 1, 1), nil
}

func basicConditioning(lu, lc int) *ConditioningData {
	return &ConditioningData{
		Unconditioned: &BasicConditioning{Embeds: ops.Full(-1, 1, lu, 4)},
		Text:          []TextConditioning{{Info: &BasicConditioning{Embeds: ops.Full(1, 1, lc, 4)}}},
		GuidanceScale: Scalar(7.5),
	}
}

func signal(model ControlModel, mode ControlMode, begin, end float64) ControlSignal {
	return ControlSignal{
		Model:            model,
		Mode:             mode,
		BeginStepPercent: begin,
		EndStepPercent:   end,
		Weight:           Scalar(1),
		Image:            ops.Zeros(1, 3, 8, 8),
	}
}

func TestControlSignalWindow(t *testing.T) {
	full := signal(&fakeControl{}, ControlBalanced, 0, 1)
	for step := range 11 {
		assert.True(t, full.Active(step, 10), "step %d", step)
	}
	assert.False(t, full.Active(11, 10))

	point := signal(&fakeControl{}, ControlBalanced, 0.5, 0.5)
	for step := range 11 {
		assert.Equal(t, step == 5, point.Active(step, 10), "step %d", step)
	}

	narrow := signal(&fakeControl{}, ControlBalanced, 0.25, 0.35)
	first, last := narrow.Window(10)
	assert.Equal(t, 2, first)
	assert.Equal(t, 4, last)
}

func TestControlModes(t *testing.T) {
	cases := []struct {
		mode      ControlMode
		soft, cfg bool
	}{
		{ControlBalanced, false, false},
		{ControlMorePrompt, true, false},
		{ControlMoreControl, true, true},
		{ControlUnbalanced, false, true},
	}

	for _, tt := range cases {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.soft, tt.mode.SoftInjection())
			assert.Equal(t, tt.cfg, tt.mode.CFGInjection())
		})
	}
}

func TestApplyControlSignalsInactive(t *testing.T) {
	model := &fakeControl{value: 1}
	signals := []ControlSignal{signal(model, ControlBalanced, 0.5, 0.6)}

	res, err := ApplyControlSignals(t.Context(), signals, ops.Zeros(1, 1, 2, 2), ops.New([]float32{999}, 1), 1, 10, basicConditioning(3, 3))
	require.NoError(t, err)
	assert.True(t, res.IsZero())
	assert.Empty(t, model.calls)

	res, err = ApplyControlSignals(t.Context(), nil, ops.Zeros(1, 1, 2, 2), ops.New([]float32{999}, 1), 1, 10, basicConditioning(3, 3))
	require.NoError(t, err)
	assert.True(t, res.IsZero())
}

func TestApplyControlSignalsBatched(t *testing.T) {
	model := &fakeControl{value: 1}
	signals := []ControlSignal{signal(model, ControlMorePrompt, 0, 1)}
	sample := ops.Full(0.5, 1, 1, 2, 2)

	res, err := ApplyControlSignals(t.Context(), signals, sample, ops.New([]float32{999}, 1), 3, 10, basicConditioning(2, 3))
	require.NoError(t, err)
	require.Len(t, model.calls, 1)

	in := model.calls[0]
	assert.Equal(t, []int{2, 1, 2, 2}, ops.Shape(in.Sample))
	assert.Equal(t, []int{2, 3, 4}, ops.Shape(in.EncoderHiddenStates))
	require.NotNil(t, in.EncoderAttentionMask)
	assert.Equal(t, []float32{1, 1, 0, 1, 1, 1}, ops.Data(in.EncoderAttentionMask))
	assert.True(t, in.GuessMode)
	assert.Nil(t, in.Added)
	assert.InDelta(t, 1.0, in.ConditioningScale, 1e-9)

	require.Len(t, res.Down, 2)
	assert.Equal(t, []int{2, 1, 2, 2}, ops.Shape(res.Down[0]))
	assert.Equal(t, []int{2, 1, 1, 1}, ops.Shape(res.Mid))
}

func TestApplyControlSignalsCFGInjection(t *testing.T) {
	sample := ops.Full(0.5, 1, 1, 2, 2)
	timestep := ops.New([]float32{999}, 1)

	balanced := &fakeControl{value: 2}
	want, err := ApplyControlSignals(t.Context(), []ControlSignal{signal(balanced, ControlBalanced, 0, 1)}, sample, timestep, 0, 10, basicConditioning(3, 3))
	require.NoError(t, err)

	injected := &fakeControl{value: 2}
	got, err := ApplyControlSignals(t.Context(), []ControlSignal{signal(injected, ControlUnbalanced, 0, 1)}, sample, timestep, 0, 10, basicConditioning(3, 3))
	require.NoError(t, err)

	require.Len(t, injected.calls, 1)
	in := injected.calls[0]
	assert.Equal(t, []int{1, 1, 2, 2}, ops.Shape(in.Sample))
	assert.Equal(t, []int{1, 3, 4}, ops.Shape(in.EncoderHiddenStates))
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, ops.Data(in.EncoderHiddenStates))
	assert.Nil(t, in.EncoderAttentionMask)
	assert.False(t, in.GuessMode)

	require.Len(t, got.Down, len(want.Down))
	for i := range want.Down {
		assert.Equal(t, ops.Shape(want.Down[i]), ops.Shape(got.Down[i]))

		halves, err := ops.Chunk(got.Down[i], 2)
		require.NoError(t, err)
		assert.Equal(t, ops.Data(ops.ZerosLike(halves[0])), ops.Data(halves[0]))
		assert.Equal(t, ops.Data(ops.Full(2+float32(i), 1, 1, 2, 2)), ops.Data(halves[1]))
	}
	assert.Equal(t, ops.Shape(want.Mid), ops.Shape(got.Mid))
	assert.Equal(t, []float32{0, 2}, ops.Data(got.Mid))
}

func TestApplyControlSignalsAdditive(t *testing.T) {
	sample := ops.Full(0.5, 1, 1, 2, 2)
	timestep := ops.New([]float32{999}, 1)
	cond := basicConditioning(3, 3)

	a := signal(&fakeControl{value: 1}, ControlBalanced, 0, 1)
	b := signal(&fakeControl{value: 3}, ControlMoreControl, 0, 1)
	b.Weight = PerStep(0, 0.5, 2)

	ra, err := ApplyControlSignals(t.Context(), []ControlSignal{a}, sample, timestep, 2, 10, cond)
	require.NoError(t, err)
	rb, err := ApplyControlSignals(t.Context(), []ControlSignal{b}, sample, timestep, 2, 10, cond)
	require.NoError(t, err)
	both, err := ApplyControlSignals(t.Context(), []ControlSignal{a, b}, sample, timestep, 2, 10, cond)
	require.NoError(t, err)

	require.Len(t, both.Down, 2)
	for i := range both.Down {
		sum, err := ops.Add(ra.Down[i], rb.Down[i])
		require.NoError(t, err)
		assert.True(t, ops.Equal(sum, both.Down[i], 1e-6), "down block %d", i)
	}

	mid, err := ops.Add(ra.Mid, rb.Mid)
	require.NoError(t, err)
	assert.True(t, ops.Equal(mid, both.Mid, 1e-6))

	// unconditioned half gets only the balanced signal, conditioned half both
	assert.Equal(t, []float32{1, 7}, ops.Data(both.Mid))
}

func TestApplyControlSignalsErrors(t *testing.T) {
	sample := ops.Full(0.5, 1, 1, 2, 2)
	timestep := ops.New([]float32{999}, 1)

	t.Run("residual count", func(t *testing.T) {
		signals := []ControlSignal{
			signal(&fakeControl{value: 1, downs: 2}, ControlBalanced, 0, 1),
			signal(&fakeControl{value: 1, downs: 3}, ControlBalanced, 0, 1),
		}
		_, err := ApplyControlSignals(t.Context(), signals, sample, timestep, 0, 10, basicConditioning(3, 3))
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("model", func(t *testing.T) {
		boom := errors.New("boom")
		signals := []ControlSignal{signal(&fakeControl{err: boom}, ControlBalanced, 0, 1)}
		_, err := ApplyControlSignals(t.Context(), signals, sample, timestep, 0, 10, basicConditioning(3, 3))
		require.ErrorIs(t, err, boom)
	})

	t.Run("weight", func(t *testing.T) {
		s := signal(&fakeControl{value: 1}, ControlBalanced, 0, 1)
		s.Weight = PerStep(1, 1)
		_, err := ApplyControlSignals(t.Context(), []ControlSignal{s}, sample, timestep, 5, 10, basicConditioning(3, 3))
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("hidden size", func(t *testing.T) {
		cond := basicConditioning(3, 3)
		cond.Unconditioned = &BasicConditioning{Embeds: ops.Zeros(1, 3, 8)}
		signals := []ControlSignal{signal(&fakeControl{value: 1}, ControlBalanced, 0, 1)}
		_, err := ApplyControlSignals(t.Context(), signals, sample, timestep, 0, 10, cond)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestApplyControlSignalsExtended(t *testing.T) {
	cond := &ConditioningData{
		Unconditioned: &ExtendedConditioning{Embeds: ops.Zeros(1, 3, 4), PooledEmbeds: ops.Full(-1, 1, 6), AddTimeIDs: ops.Full(-2, 1, 6)},
		Text: []TextConditioning{{Info: &ExtendedConditioning{
			Embeds: ops.Zeros(1, 3, 4), PooledEmbeds: ops.Full(1, 1, 6), AddTimeIDs: ops.Full(2, 1, 6),
		}}},
	}
	sample := ops.Zeros(1, 1, 2, 2)
	timestep := ops.New([]float32{1}, 1)

	balanced := &fakeControl{value: 1}
	_, err := ApplyControlSignals(t.Context(), []ControlSignal{signal(balanced, ControlBalanced, 0, 1)}, sample, timestep, 0, 4, cond)
	require.NoError(t, err)
	require.NotNil(t, balanced.calls[0].Added)
	assert.Equal(t, []int{2, 6}, ops.Shape(balanced.calls[0].Added.TextEmbeds))
	assert.Equal(t, float32(-1), ops.Data(balanced.calls[0].Added.TextEmbeds)[0])
	assert.Equal(t, float32(2), ops.Data(balanced.calls[0].Added.TimeIDs)[6])

	injected := &fakeControl{value: 1}
	_, err = ApplyControlSignals(t.Context(), []ControlSignal{signal(injected, ControlMoreControl, 0, 1)}, sample, timestep, 0, 4, cond)
	require.NoError(t, err)
	require.NotNil(t, injected.calls[0].Added)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, ops.Data(injected.calls[0].Added.TextEmbeds))
}

func TestControlSignalValidate(t *testing.T) {
	valid := signal(&fakeControl{}, ControlBalanced, 0.1, 0.9)
	require.NoError(t, valid.Validate())

	cases := map[string]func(*ControlSignal){
		"no model":        func(s *ControlSignal) { s.Model = nil },
		"unknown mode":    func(s *ControlSignal) { s.Mode = "sideways" },
		"begin after end": func(s *ControlSignal) { s.BeginStepPercent, s.EndStepPercent = 0.8, 0.2 },
		"end above one":   func(s *ControlSignal) { s.EndStepPercent = 1.5 },
		"no image":        func(s *ControlSignal) { s.Image = nil },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := valid
			mutate(&s)
			require.ErrorIs(t, s.Validate(), ErrInvalidControlSignal)
		})
	}
}
