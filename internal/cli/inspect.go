package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"respire/internal/app"
	logx "respire/pkg/logx"
)

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the persisted counters of every tagged mode",
		Long: `Opens the configured store and prints LastTrigger, CumulativeWait and the
jitter target of every tagged mode. Nothing is written. Stop the daemon first
when using the file driver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			in, err := app.Inspect(cmd.Context(), cfg, st)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, in)
			}

			fmt.Fprintf(out, "prefix=%s boots=%d", in.Prefix, in.Boots)
			if in.LastBoot != 0 {
				fmt.Fprintf(out, " last_boot=%s", time.Unix(int64(in.LastBoot), 0).UTC().Format(time.RFC3339))
			}
			fmt.Fprintln(out)

			missing := color.New(color.FgYellow).SprintFunc()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODE\tTAG\tLT\tCW\tJT")
			for _, r := range in.Rows {
				if !r.Found {
					fmt.Fprintf(tw, "%s\t%s\t%s\t\t\n", r.Mode, r.Tag, missing("(none)"))
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", r.Mode, r.Tag, r.LastTrigger, r.CumulativeWait, r.JitterTarget)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, k := range in.Orphans {
				fmt.Fprintf(out, "%s %s\n", missing("orphan key:"), k)
			}
			return nil
		},
	}
}
