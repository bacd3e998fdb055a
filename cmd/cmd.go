package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/guidance/envconfig"
	"github.com/ollama/guidance/guidance"
	"github.com/ollama/guidance/logutil"
	"github.com/ollama/guidance/ops"
	"github.com/ollama/guidance/progress"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func SimulateHandler(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return err
	}

	rf, err := LoadRunFile(path)
	if err != nil {
		return err
	}

	runs, err := cmd.Flags().GetInt("runs")
	if err != nil {
		return err
	}
	if runs < 1 {
		return fmt.Errorf("--runs must be at least 1, got %d", runs)
	}

	sequential, err := cmd.Flags().GetBool("sequential")
	if err != nil {
		return err
	}

	precision, err := cmd.Flags().GetString("precision")
	if err != nil {
		return err
	}
	dtype, err := ops.ParseDType(precision)
	if err != nil {
		return err
	}

	opts := guidance.Options{
		SequentialGuidance: sequential,
		Precision:          dtype,
		Logger:             slog.Default(),
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return err
	}

	var p *progress.Progress
	if !quiet && progress.Enabled(os.Stderr) {
		p = progress.NewProgress(os.Stderr)
	}

	reports, err := SimulateRuns(cmd.Context(), rf, runs, opts, p)
	if p != nil {
		p.Stop()
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !quiet {
		writeSteps(out, reports[0])
		fmt.Fprintln(out)
	}
	writeRuns(out, reports)
	return nil
}

func writeSteps(w io.Writer, r *RunReport) {
	var data [][]string
	for _, s := range r.Steps {
		data = append(data, []string{
			fmt.Sprint(s.Step),
			fmt.Sprintf("%.1f", s.Timestep),
			fmt.Sprint(s.Controls),
			fmt.Sprintf("%.4f", s.Uncond.Mean),
			fmt.Sprintf("%.4f", s.Cond.Mean),
			fmt.Sprintf("%.4f", s.Latents.Mean),
			fmt.Sprintf("%.4f", s.Latents.Std),
		})
	}

	table := newTable(w, "STEP", "TIMESTEP", "CONTROLS", "UNCOND", "COND", "LATENT MEAN", "LATENT STD")
	table.AppendBulk(data)
	table.Render()
}

func writeRuns(w io.Writer, reports []*RunReport) {
	var data [][]string
	for _, r := range reports {
		final := statsOf(r.Latents)
		data = append(data, []string{
			r.ID,
			fmt.Sprint(r.Seed),
			fmt.Sprint(r.Calls),
			fmt.Sprintf("%.4f", final.Mean),
			fmt.Sprintf("%.4f", final.Std),
		})
	}

	table := newTable(w, "RUN", "SEED", "FORWARD PASSES", "MEAN", "STD")
	table.AppendBulk(data)
	table.Render()
}

func EnvHandler(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	example, err := cmd.Flags().GetBool("example-config")
	if err != nil {
		return err
	}
	if example {
		_, err := fmt.Fprint(out, envconfig.GenerateExampleConfig())
		return err
	}

	envs := envconfig.AsMap()
	var data [][]string
	for _, name := range slices.Sorted(maps.Keys(envs)) {
		e := envs[name]
		data = append(data, []string{e.Name, fmt.Sprint(e.Value), e.Description})
	}

	table := newTable(out, "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "guidance",
		Short: "Diffusion guidance simulator",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel(), envconfig.LogFormat))
		},
	}

	cobra.EnableCommandSorting = false

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated generation",
		Long:  "Drive the guidance core through every step of a generation described by a run file, using a synthetic backbone.",
		Args:  cobra.NoArgs,
		RunE:  SimulateHandler,
	}

	simulateCmd.Flags().StringP("file", "f", "", "Path to the run file")
	simulateCmd.Flags().Int("runs", 1, "Number of independent runs to simulate concurrently")
	simulateCmd.Flags().Bool("sequential", envconfig.Sequential, "Run the unconditioned and conditioned passes separately")
	simulateCmd.Flags().String("precision", envconfig.Precision, "Working precision: f32, f16 or bf16")
	simulateCmd.Flags().BoolP("quiet", "q", false, "Only print the run summary")
	_ = simulateCmd.MarkFlagRequired("file")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	envCmd.Flags().Bool("example-config", false, "Print an example configuration file")

	rootCmd.AddCommand(
		simulateCmd,
		envCmd,
	)

	return rootCmd
}
