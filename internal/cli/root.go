package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"respire/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
	NoColor    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the respire command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "respire",
		Short: "respire - hierarchical duty-cycle scheduler",
		Long: `Runs a tree of modes on a duty cycle: periodic windows with jitter,
repeat limits and idle fallbacks, checkpointed so a reboot resumes where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.NoColor {
				color.NoColor = true
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./respire.yaml", "path to config (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))

	return cmd
}

// loadConfig parses and validates the config without starting anything.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
