package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/trellis-labs/trellis/validate"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow graph file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	graph, err := loadGraphFile(args[0])
	if err != nil {
		return err
	}

	res := validate.Graph(graph)
	printDiagnostics(out, res, format)

	hasWarnings := len(res.Diagnostics) > len(validate.Errors(res.Diagnostics))
	if !res.OK || (strict && hasWarnings) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printDiagnostics(out io.Writer, res validate.Result, format string) {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}

	if res.OK && len(res.Diagnostics) == 0 {
		fmt.Fprintln(out, "Graph is valid.")
		return
	}
	for _, d := range res.Diagnostics {
		if d.Path != "" {
			fmt.Fprintf(out, "%s %s: %s (%s)\n", d.Severity, d.Code, d.Message, d.Path)
			continue
		}
		fmt.Fprintf(out, "%s %s: %s\n", d.Severity, d.Code, d.Message)
	}
	if res.OK {
		fmt.Fprintln(out, "Graph is valid.")
	}
}
