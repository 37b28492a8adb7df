package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool      `json:"valid"`
	Version    string    `json:"version,omitempty"`
	Rules      int       `json:"rules"`
	Facilities int       `json:"facilities"`
	Errors     []Problem `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <thresholds.cue>",
		Short: "Validate a threshold file without activating it",
		Long: `Validate a CUE threshold file without touching the database.

Checks syntax and the configuration schema, then the table rules: duplicate
ids, unit and metric agreement, severity band order, overlapping rules and
certification windows. All table problems are reported, not just the first.

Exit codes:
  0 - File is valid
  1 - File compiled with problems
  2 - File could not be read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	table, problems, err := LoadThresholds(path)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, ErrCodeGeneric, err.Error())
	}
	if len(problems) > 0 {
		return outputValidationErrors(formatter, problems)
	}

	formatter.VerboseLog("Compiled %s: version %s", path, table.Version)

	result := ValidationResult{
		Valid:      true,
		Version:    table.Version,
		Rules:      len(table.Rules),
		Facilities: len(table.Facilities),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s is valid (%d rule(s), %d facility(ies), version %s)\n",
		path, result.Rules, result.Facilities, truncateID(result.Version))
	return nil
}

func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputValidationErrors(formatter *OutputFormatter, problems []Problem) error {
	fail := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: problems},
			Error: &CLIError{
				Code:    problems[0].Code,
				Message: problems[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return fail
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range problems {
		if p.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", p.File, p.Line, p.Column)
		}
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n\n", p.Code, p.Field, p.Message)
	}
	return fail
}
