package guidance

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// ControlMode selects how a ControlNet is balanced against the prompt.
type ControlMode string

const (
	ControlBalanced    ControlMode = "balanced"
	ControlMorePrompt  ControlMode = "more_prompt"
	ControlMoreControl ControlMode = "more_control"
	ControlUnbalanced  ControlMode = "unbalanced"
)

// SoftInjection reports whether the control model should re-weight its
// per-layer outputs.
func (m ControlMode) SoftInjection() bool {
	return m == ControlMorePrompt || m == ControlMoreControl
}

// CFGInjection reports whether the control model only applies to the
// conditioned branch.
func (m ControlMode) CFGInjection() bool {
	return m == ControlMoreControl || m == ControlUnbalanced
}

// ControlInput is what a ControlModel is evaluated on.
type ControlInput struct {
	Sample               *tensor.Dense
	Timestep             *tensor.Dense
	EncoderHiddenStates  *tensor.Dense
	EncoderAttentionMask *tensor.Dense
	ControlImage         *tensor.Dense
	ConditioningScale    float64
	Added                *AddedConditioning

	// GuessMode is set for soft injection.
	GuessMode bool
}

// ControlModel computes ControlNet residuals: one tensor per down block and
// one for the mid block, each with the batch size of the input sample.
type ControlModel interface {
	Forward(ctx context.Context, in ControlInput) (down []*tensor.Dense, mid *tensor.Dense, err error)
}

type ControlModelFunc func(ctx context.Context, in ControlInput) ([]*tensor.Dense, *tensor.Dense, error)

func (f ControlModelFunc) Forward(ctx context.Context, in ControlInput) ([]*tensor.Dense, *tensor.Dense, error) {
	return f(ctx, in)
}

// ControlSignal is one ControlNet applied over a window of the run.
type ControlSignal struct {
	Model            ControlModel  `validate:"required"`
	Mode             ControlMode   `validate:"required,oneof=balanced more_prompt more_control unbalanced"`
	BeginStepPercent float64       `validate:"gte=0,lte=1"`
	EndStepPercent   float64       `validate:"gte=0,lte=1,gtefield=BeginStepPercent"`
	Weight           Weight        `validate:"-"`
	Image            *tensor.Dense `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the signal's fields and window.
func (s *ControlSignal) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidControlSignal, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %w", ErrInvalidControlSignal, err)
	}

	if s.Image == nil {
		return fmt.Errorf("%w: missing conditioning image", ErrInvalidControlSignal)
	}
	return nil
}

// Window returns the first and last step, inclusive, the signal is active for.
func (s *ControlSignal) Window(totalSteps int) (first, last int) {
	first = int(math.Floor(s.BeginStepPercent * float64(totalSteps)))
	last = int(math.Ceil(s.EndStepPercent * float64(totalSteps)))
	return first, last
}

// Active reports whether the signal applies at step.
func (s *ControlSignal) Active(step, totalSteps int) bool {
	first, last := s.Window(totalSteps)
	return step >= first && step <= last
}

// ApplyControlSignals evaluates every control signal active at step and sums
// their residuals. The residuals always cover the full [uncond; cond] batch;
// signals that only inject into the conditioned branch get zeros for the
// unconditioned half. The result is empty when no signal is active.
//
// Only the first text conditioning is used to drive the control models.
func ApplyControlSignals(ctx context.Context, signals []ControlSignal, sample, timestep *tensor.Dense, step, totalSteps int, cond *ConditioningData) (Residuals, error) {
	var res Residuals
	if len(signals) == 0 {
		return res, nil
	}

	if len(cond.Text) == 0 {
		return res, fmt.Errorf("%w: control signals need a text conditioning", ErrUnsupportedConfiguration)
	}
	text := cond.Text[0].Info

	initialized := false
	for i := range signals {
		signal := &signals[i]
		if !signal.Active(step, totalSteps) {
			continue
		}

		in, err := controlInput(signal, sample, timestep, cond.Unconditioned, text)
		if err != nil {
			return Residuals{}, fmt.Errorf("control signal %d: %w", i, err)
		}

		if in.ConditioningScale, err = signal.Weight.At(step); err != nil {
			return Residuals{}, fmt.Errorf("control signal %d: %w", i, err)
		}

		down, mid, err := signal.Model.Forward(ctx, in)
		if err != nil {
			return Residuals{}, err
		}

		if signal.Mode.CFGInjection() {
			if down, mid, err = padUnconditioned(down, mid); err != nil {
				return Residuals{}, fmt.Errorf("control signal %d: %w", i, err)
			}
		}

		if !initialized {
			res.Down, res.Mid = down, mid
			initialized = true
			continue
		}

		if err := res.add(down, mid); err != nil {
			return Residuals{}, fmt.Errorf("control signal %d: %w", i, err)
		}
	}

	return res, nil
}

func controlInput(signal *ControlSignal, sample, timestep *tensor.Dense, uncond, text ConditioningInfo) (ControlInput, error) {
	in := ControlInput{
		Timestep:     timestep,
		ControlImage: signal.Image,
		GuessMode:    signal.Mode.SoftInjection(),
	}

	var err error
	if signal.Mode.CFGInjection() {
		in.Sample = sample
		if in.EncoderHiddenStates, err = embedsOf(text); err != nil {
			return in, err
		}
		if c, ok := text.(*ExtendedConditioning); ok {
			in.Added = &AddedConditioning{TextEmbeds: c.PooledEmbeds, TimeIDs: c.AddTimeIDs}
		}
		return in, nil
	}

	if in.Sample, err = ops.Repeat(sample, 2); err != nil {
		return in, err
	}

	u, err := embedsOf(uncond)
	if err != nil {
		return in, err
	}
	c, err := embedsOf(text)
	if err != nil {
		return in, err
	}
	if in.EncoderHiddenStates, in.EncoderAttentionMask, err = ConcatForBatch(u, c); err != nil {
		return in, err
	}

	in.Added, err = batchedAdded(uncond, text)
	return in, err
}

// padUnconditioned prepends zeros to every residual so a conditioned-only
// result has the shape of a full batch.
func padUnconditioned(down []*tensor.Dense, mid *tensor.Dense) ([]*tensor.Dense, *tensor.Dense, error) {
	padded := make([]*tensor.Dense, len(down))
	for i, d := range down {
		p, err := ops.Concat(0, ops.ZerosLike(d), d)
		if err != nil {
			return nil, nil, err
		}
		padded[i] = p
	}

	if mid == nil {
		return padded, nil, nil
	}

	m, err := ops.Concat(0, ops.ZerosLike(mid), mid)
	if err != nil {
		return nil, nil, err
	}
	return padded, m, nil
}
