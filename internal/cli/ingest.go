package cli

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/engine"
	"github.com/roach88/coldtrace/internal/record"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Facility string
	Metric   string
	Unit     string
	At       string
	Value    string
	File     string
}

// readingLine is one reading of a CSV or JSONL file.
type readingLine struct {
	FacilityID string `json:"facility_id"`
	Metric     string `json:"metric"`
	Timestamp  string `json:"timestamp"`
	Value      string `json:"value"`
	Unit       string `json:"unit"`
}

// IngestSummary is the result of an ingest run.
type IngestSummary struct {
	Ingested    int                     `json:"ingested"`
	Duplicates  int                     `json:"duplicates"`
	Deviations  []record.DeviationEvent `json:"deviations"`
	IncidentIDs []string                `json:"incident_ids"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit sensor readings",
		Long: `Submit one reading from flags, or a batch from a CSV or JSONL file.

CSV files need a header naming the columns facility_id, timestamp, value
and optionally metric and unit. JSONL files hold one object per line with
the same keys. Values are decimal strings; timestamps are RFC 3339.

Readings of a file are submitted in order and stop at the first rejected
reading.

Examples:
  coldtrace ingest --facility depot-north --value 5.4 --at 2026-03-01T08:00:00Z
  coldtrace ingest --file readings.csv
  coldtrace ingest --file readings.jsonl --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Facility, "facility", "", "facility ID")
	cmd.Flags().StringVar(&opts.Metric, "metric", "", "temperature (default) or humidity")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "C, F, K or %RH (default: the rule's unit)")
	cmd.Flags().StringVar(&opts.At, "at", "", "measurement time, RFC 3339 (default now)")
	cmd.Flags().StringVar(&opts.Value, "value", "", "reading value")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "CSV or JSONL file of readings")

	return cmd
}

func runIngest(opts *IngestOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	var lines []readingLine
	switch {
	case opts.File != "" && (opts.Facility != "" || opts.Value != ""):
		return NewExitError(ExitCommandError, "--file cannot be combined with --facility or --value")
	case opts.File != "":
		var err error
		if lines, err = readReadingFile(opts.File); err != nil {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read readings", err)
		}
	case opts.Facility == "" || opts.Value == "":
		return NewExitError(ExitCommandError, "--facility and --value are required without --file")
	default:
		at := opts.At
		if at == "" {
			at = time.Now().UTC().Format(time.RFC3339Nano)
		}
		lines = []readingLine{{
			FacilityID: opts.Facility,
			Metric:     opts.Metric,
			Timestamp:  at,
			Value:      opts.Value,
			Unit:       opts.Unit,
		}}
	}

	ctx := context.Background()
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	summary := IngestSummary{Deviations: []record.DeviationEvent{}, IncidentIDs: []string{}}
	for i, line := range lines {
		in, err := line.input()
		if err != nil {
			return formatter.Fail(fmt.Sprintf("reading %d", i+1), err)
		}
		res, err := a.engine.IngestReading(ctx, in)
		if err != nil {
			return formatter.Fail(fmt.Sprintf("reading %d (%s at %s)", i+1, line.FacilityID, line.Timestamp), err)
		}
		formatter.VerboseLog("ingested %s %s %s", res.Reading.FacilityID, res.Reading.Timestamp.Format(time.RFC3339), res.Reading.Value)

		summary.Ingested++
		if res.Duplicate {
			summary.Duplicates++
		}
		summary.Deviations = append(summary.Deviations, res.Deviations...)
		for _, id := range res.IncidentIDs {
			if id != "" {
				summary.IncidentIDs = append(summary.IncidentIDs, id)
			}
		}
	}

	return formatter.Render(summary, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Ingested %d reading(s), %d duplicate(s)\n", summary.Ingested, summary.Duplicates)
		for _, ev := range summary.Deviations {
			fmt.Fprintf(w, "  deviation %s\n", describeDeviation(ev))
		}
		for _, id := range summary.IncidentIDs {
			fmt.Fprintf(w, "  incident %s\n", id)
		}
	})
}

func (l readingLine) input() (engine.ReadingInput, error) {
	// Parse failures are reported with the engine's code for bad readings.
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(l.Timestamp))
	if err != nil {
		return engine.ReadingInput{}, &engine.EngineError{
			Code:       engine.ErrCodeInvalidReading,
			Message:    fmt.Sprintf("timestamp %q is not RFC 3339", l.Timestamp),
			FacilityID: l.FacilityID,
		}
	}
	value, err := decimal.NewFromString(strings.TrimSpace(l.Value))
	if err != nil {
		return engine.ReadingInput{}, &engine.EngineError{
			Code:       engine.ErrCodeInvalidReading,
			Message:    fmt.Sprintf("value %q is not a decimal", l.Value),
			FacilityID: l.FacilityID,
		}
	}
	return engine.ReadingInput{
		FacilityID: strings.TrimSpace(l.FacilityID),
		Metric:     record.Metric(strings.TrimSpace(l.Metric)),
		Timestamp:  ts,
		Value:      value,
		Unit:       record.Unit(strings.TrimSpace(l.Unit)),
	}, nil
}

// readReadingFile reads a CSV or JSONL file, chosen by extension.
func readReadingFile(path string) ([]readingLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(f)
	case ".jsonl", ".ndjson":
		return readJSONL(f)
	}
	return nil, fmt.Errorf("%s: unsupported file type (want .csv or .jsonl)", path)
}

func readCSV(r io.Reader) ([]readingLine, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"facility_id", "timestamp", "value"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv header is missing column %q", required)
		}
	}
	get := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var lines []readingLine
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		lines = append(lines, readingLine{
			FacilityID: get(row, "facility_id"),
			Metric:     get(row, "metric"),
			Timestamp:  get(row, "timestamp"),
			Value:      get(row, "value"),
			Unit:       get(row, "unit"),
		})
	}
}

func readJSONL(r io.Reader) ([]readingLine, error) {
	var lines []readingLine
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.DisallowUnknownFields()
		var line readingLine
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return lines, nil
}

// describeDeviation renders a deviation on one line.
func describeDeviation(ev record.DeviationEvent) string {
	if ev.Kind == record.KindMonitoringGap {
		return fmt.Sprintf("%s %s %s no readings %s to %s",
			truncateID(ev.ID), ev.FacilityID, ev.Metric,
			ev.Start.Format(time.RFC3339), ev.End.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s %s %s %s %s to %s, max excursion %s, severity %s",
		truncateID(ev.ID), ev.FacilityID, ev.Metric, ev.Direction,
		ev.Start.Format(time.RFC3339), ev.End.Format(time.RFC3339),
		ev.MaxExcursion, ev.Severity.Level)
}
