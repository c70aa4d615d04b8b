package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/combiner/internal/combine"
	"github.com/obsidianstack/combiner/internal/config"
)

// ValidationResult is the json output of validate.
type ValidationResult struct {
	Valid  bool                `json:"valid"`
	Error  string              `json:"error,omitempty"`
	Source string              `json:"source,omitempty"`
	Sink   string              `json:"sink,omitempty"`
	Policy string              `json:"policy,omitempty"`
	Paths  []config.PathConfig `json:"paths,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and print the rules it defines",
		Args:  cobra.NoArgs,
		// Errors are already part of the output.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd.OutOrStdout())
		},
	}
}

func runValidate(opts *RootOptions, w io.Writer) error {
	cfg, err := config.Load(opts.ConfigPath)
	res := ValidationResult{Valid: err == nil}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Source = cfg.Source.Type + " " + cfg.Source.Endpoint
		res.Sink = cfg.Sink.Type + " " + cfg.Sink.Endpoint
		res.Policy = cfg.Combiner.Policy
		res.Paths = cfg.Combiner.Paths
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}

	if err != nil {
		fmt.Fprintf(w, "✗ %s: %v\n", opts.ConfigPath, err)
		return err
	}
	fmt.Fprintf(w, "✓ %s is valid\n", opts.ConfigPath)
	fmt.Fprintf(w, "  source: %s\n", strings.TrimSpace(res.Source))
	fmt.Fprintf(w, "  sink:   %s\n", strings.TrimSpace(res.Sink))
	if len(res.Paths) == 0 {
		fmt.Fprintln(w, "  no paths configured")
		return nil
	}
	for _, p := range res.Paths {
		r := p.Rule()
		op := "+"
		if r.EffectiveOperation() == combine.OpMultiplication {
			op = "*"
		}
		fmt.Fprintf(w, "  %s = %s [%s]", r.Output, strings.Join(r.Inputs, " "+op+" "),
			r.EffectivePolicy(combine.Policy(res.Policy)))
		if r.Description != "" {
			fmt.Fprintf(w, "  # %s", r.Description)
		}
		fmt.Fprintln(w)
	}
	return nil
}
