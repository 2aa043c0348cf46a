package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"respire/internal/config"
	"respire/pkg/respire"
)

// ValidationResult is the json output of validate.
type ValidationResult struct {
	Valid        bool   `json:"valid"`
	Modes        int    `json:"modes"`
	Tagged       int    `json:"tagged"`
	Actions      int    `json:"actions"`
	JitterPolicy string `json:"jitter_policy"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the mode tree",
		Long: `Loads the config, checks durations, actions and the mode tree, and prints
the tree the scheduler would run. Nothing is started and the store is not opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			tree, err := config.BuildTree(cfg.Modes)
			if err != nil {
				return err
			}
			policy, err := respire.ParseJitterPolicy(cfg.Engine.JitterPolicy)
			if err != nil {
				return err
			}
			res := ValidationResult{
				Valid:        true,
				Modes:        tree.Len(),
				Tagged:       len(tree.Tagged()),
				Actions:      len(cfg.Actions),
				JitterPolicy: policy.String(),
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "config ok: modes=%d tagged=%d actions=%d jitter_policy=%s\n",
				res.Modes, res.Tagged, res.Actions, res.JitterPolicy)
			return tree.Dump(out, nil)
		},
	}
}
