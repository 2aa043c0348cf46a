package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"respire/internal/app"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	Duration time.Duration
	Step     time.Duration
	Jitter   float64
	Restarts []time.Duration
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the configured tree against a simulated clock",
		Long: `Runs the mode tree against a manual clock and prints every dispatch with its
offset from the start. Actions are not executed and the store is not touched.

Use --jitter to pin the jitter fraction and --restart to simulate reboots:
the state is checkpointed at each offset and a fresh context resumes from it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			so := app.SimOptions{
				Duration: opts.Duration,
				Step:     opts.Step,
				Restarts: opts.Restarts,
			}
			if opts.Jitter >= 0 {
				so.Jitter = respire.FixedJitter(opts.Jitter)
			}
			events, err := app.Simulate(cmd.Context(), cfg, so, logx.Nop())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, events)
			}
			mode := color.New(color.FgCyan).SprintFunc()
			for _, e := range events {
				fmt.Fprintf(out, "%-8s boot=%d %s %s\n", "+"+e.At.String(), e.Boot, mode(e.Mode), e.Action)
			}
			fmt.Fprintf(out, "%d dispatches in %s\n", len(events), opts.Duration)
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 24*time.Hour, "simulated run length")
	cmd.Flags().DurationVar(&opts.Step, "step", time.Second, "simulated tick")
	cmd.Flags().Float64Var(&opts.Jitter, "jitter", -1, "fixed jitter fraction in [0,1); negative draws at random")
	cmd.Flags().DurationSliceVar(&opts.Restarts, "restart", nil, "offsets at which to simulate a reboot (repeatable)")
	return cmd
}
