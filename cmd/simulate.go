package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/guidance/guidance"
	"github.com/ollama/guidance/ops"
	"github.com/ollama/guidance/progress"
	"github.com/ollama/guidance/synthetic"
)

// Stats summarizes a tensor.
type Stats struct {
	Mean, Std float64
}

func statsOf(t *tensor.Dense) Stats {
	data := ops.Data(t)
	var sum, sq float64
	for _, v := range data {
		sum += float64(v)
	}
	mean := sum / float64(len(data))
	for _, v := range data {
		d := float64(v) - mean
		sq += d * d
	}
	return Stats{Mean: mean, Std: math.Sqrt(sq / float64(len(data)))}
}

type StepReport struct {
	Step     int
	Timestep float32
	Controls int
	Uncond   Stats
	Cond     Stats
	Latents  Stats
}

type RunReport struct {
	ID      string
	Seed    uint64
	Calls   int64
	Steps   []StepReport
	Latents *tensor.Dense
}

// Simulate runs one generation described by rf with the synthetic backbone,
// following the per-step order: control signals, guidance step, classifier
// free guidance, an Euler update, then post-processing.
func Simulate(ctx context.Context, rf *RunFile, seed uint64, opts guidance.Options) (*RunReport, error) {
	return simulate(ctx, rf, seed, opts, nil)
}

// simulate is Simulate with onStep, if set, called with the number of
// completed steps after each one.
func simulate(ctx context.Context, rf *RunFile, seed uint64, opts guidance.Options, onStep func(int)) (report *RunReport, err error) {
	backbone := synthetic.NewBackbone(2, 4)
	d := guidance.New(backbone, opts)
	run := guidance.NewRun(opts.Logger)

	cond := rf.Conditioning(seed)
	signals, err := rf.ControlSignals(seed)
	if err != nil {
		return nil, err
	}

	args, err := rf.CrossAttentionArgs(seed)
	if err != nil {
		return nil, err
	}
	if args != nil {
		guard, err := d.EnableCrossAttentionControl(backbone, args)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := guard.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	x := rf.normal(rf.rng("noise", seed), 1, 1, rf.Channels, rf.Height, rf.Width)
	report = &RunReport{ID: run.ID, Seed: seed}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("simulating", "run", run.ID, "seed", seed, "steps", rf.Steps, "prompts", len(cond.Text), "controlnets", len(signals))

	for step := range rf.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sigma := 1 - float64(step)/float64(rf.Steps)
		next := 1 - float64(step+1)/float64(rf.Steps)
		timestep := ops.New([]float32{float32(1000 * sigma)}, 1)

		res, err := guidance.ApplyControlSignals(ctx, signals, x, timestep, step, rf.Steps, cond)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		uncond, conditioned, err := d.Step(ctx, x, timestep, cond, step, rf.Steps, res)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		scale, err := cond.GuidanceScale.At(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		eps, err := guidance.Combine(uncond, conditioned, scale)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		delta, err := ops.Scale(eps, float32(next-sigma))
		if err != nil {
			return nil, err
		}
		if x, err = ops.Add(x, delta); err != nil {
			return nil, err
		}

		if x, err = run.PostprocessLatents(&rf.Symmetry, x, step, rf.Steps); err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		controls := 0
		for i := range signals {
			if signals[i].Active(step, rf.Steps) {
				controls++
			}
		}

		report.Steps = append(report.Steps, StepReport{
			Step:     step,
			Timestep: ops.Data(timestep)[0],
			Controls: controls,
			Uncond:   statsOf(uncond),
			Cond:     statsOf(conditioned),
			Latents:  statsOf(x),
		})

		if onStep != nil {
			onStep(step + 1)
		}
	}

	report.Calls = backbone.Calls()
	report.Latents = x
	return report, nil
}

// SimulateRuns runs n independent generations concurrently. Run i uses seed
// rf.Seed+i and its own backbone, diffuser and run state. When p is not nil
// each run reports its steps on a bar of its own.
func SimulateRuns(ctx context.Context, rf *RunFile, n int, opts guidance.Options, p *progress.Progress) ([]*RunReport, error) {
	reports := make([]*RunReport, n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range n {
		var onStep func(int)
		if p != nil {
			bar := progress.NewStepBar(fmt.Sprintf("run %d", i), rf.Steps)
			p.Add(bar)
			onStep = bar.Set
		}

		g.Go(func() error {
			r, err := simulate(ctx, rf, rf.Seed+uint64(i), opts, onStep)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			reports[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
