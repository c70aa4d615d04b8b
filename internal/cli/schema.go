package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/combiner/internal/config"
)

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the plugin settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(config.Schema())
		},
	}
}
