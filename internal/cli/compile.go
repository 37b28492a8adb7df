package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/thresholds"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	Version    string         `json:"version"`
	Rules      int            `json:"rules"`
	Facilities int            `json:"facilities"`
	ByScope    map[string]int `json:"by_scope"`
	ByMetric   map[string]int `json:"by_metric"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <thresholds.cue>",
		Short: "Compile a threshold file to its versioned table",
		Long: `Compile a CUE threshold file to the versioned threshold table the engine
activates. The version is a content hash: files that compile to the same
rules and facilities share it.

With --output the table is written as JSON.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	table, problems, err := LoadThresholds(path)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return outputCompileError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputCompileError(formatter, ErrCodeGeneric, err.Error())
	}
	if len(problems) > 0 {
		for _, p := range problems {
			formatter.VerboseLog("%s %s: %s", p.Code, p.Field, p.Message)
		}
		return outputCompileError(formatter, problems[0].Code,
			fmt.Sprintf("%s: %s (%d problem(s), run validate for all)", problems[0].Field, problems[0].Message, len(problems)))
	}

	for _, r := range table.Rules {
		formatter.VerboseLog("Compiled rule: %s (%s)", r.ID, r.Scope)
	}

	if opts.Output != "" {
		if err := writeTable(table, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	stats := calculateStats(table)
	if formatter.Format == "json" {
		return formatter.Success(table)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d rule(s), %d facility(ies)\n", stats.Rules, stats.Facilities)
	fmt.Fprintf(w, "  Version: %s\n", stats.Version)
	fmt.Fprintf(w, "  Scopes:  %s\n", sortedCounts(stats.ByScope))
	fmt.Fprintf(w, "  Metrics: %s\n\n", sortedCounts(stats.ByMetric))

	if len(table.Rules) > 0 {
		fmt.Fprintln(w, "Rules:")
		for _, r := range table.Rules {
			fmt.Fprintf(w, "  %s: %s %s [%s, %s] %s, %d band(s)\n",
				r.ID, describeScope(r), r.Metric, r.Lower, r.Upper, r.Unit, len(r.Bands))
		}
		fmt.Fprintln(w)
	}
	if len(table.Facilities) > 0 {
		fmt.Fprintln(w, "Facilities:")
		for _, f := range table.Facilities {
			fmt.Fprintf(w, "  %s: %s (%s)\n", f.ID, f.Name, f.Type)
		}
		fmt.Fprintln(w)
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "Wrote threshold table to %s\n", opts.Output)
	}
	return nil
}

func calculateStats(table *thresholds.ConfigTable) CompilationStats {
	stats := CompilationStats{
		Version:    table.Version,
		Rules:      len(table.Rules),
		Facilities: len(table.Facilities),
		ByScope:    make(map[string]int),
		ByMetric:   make(map[string]int),
	}
	for _, r := range table.Rules {
		stats.ByScope[string(r.Scope)]++
		stats.ByMetric[string(r.Metric)]++
	}
	return stats
}

func describeScope(r thresholds.ThresholdRule) string {
	switch r.Scope {
	case thresholds.ScopeFacility:
		return "facility " + r.FacilityID
	case thresholds.ScopeFacilityType:
		return "type " + r.FacilityType
	default:
		return string(r.Scope)
	}
}

// sortedCounts renders a count map in key order.
func sortedCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%d", k, m[k])
	}
	return s
}

func outputCompileError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func writeTable(table *thresholds.ConfigTable, filename string) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling table: %w", err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
