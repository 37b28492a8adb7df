package compiler

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

//go:embed schema.cue
var schemaSource string

// LoadFile reads and compiles a threshold configuration file.
func LoadFile(path string) (*thresholds.ConfigTable, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return CompileSource(path, src)
}

// CompileSource compiles CUE source into a threshold table.
// filename is only used for error positions.
func CompileSource(filename string, src []byte) (*thresholds.ConfigTable, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileConfig(v)
}

// CompileConfig turns a CUE value into a validated, versioned ConfigTable.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The value is unified with the embedded #Config schema first, so unknown
// fields and type mismatches are reported with their source positions.
// The table version is the content hash of the compiled rules and
// facilities: two files that compile to the same table share a version.
func CompileConfig(v cue.Value) (*thresholds.ConfigTable, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := v.Context().CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	table := &thresholds.ConfigTable{}

	facilities, err := parseFacilities(v)
	if err != nil {
		return nil, err
	}
	table.Facilities = facilities

	severityTables, err := parseSeverityTables(v)
	if err != nil {
		return nil, err
	}

	rules, err := parseRules(v, severityTables)
	if err != nil {
		return nil, err
	}
	table.Rules = rules

	if errs := Validate(table); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	version, err := TableVersion(table)
	if err != nil {
		return nil, err
	}
	table.Version = version

	return table, nil
}

func parseFacilities(v cue.Value) ([]record.Facility, error) {
	var facilities []record.Facility

	facVal := v.LookupPath(cue.ParsePath("facilities"))
	if !facVal.Exists() {
		return facilities, nil // facilities are optional
	}

	iter, err := facVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		fv := iter.Value()
		f := record.Facility{ID: iter.Label()}

		if f.Name, err = stringField(fv, "name"); err != nil {
			return nil, err
		}
		if f.Location, err = stringField(fv, "location"); err != nil {
			return nil, err
		}
		if f.Type, err = stringField(fv, "type"); err != nil {
			return nil, err
		}
		if f.CertificationStatus, err = stringField(fv, "certification_status"); err != nil {
			return nil, err
		}
		if f.CertifiedFrom, err = optionalTime(fv, "certified_from"); err != nil {
			return nil, err
		}
		if f.CertifiedUntil, err = optionalTime(fv, "certified_until"); err != nil {
			return nil, err
		}
		backup := fv.LookupPath(cue.ParsePath("backup_systems"))
		if d, ok := backup.Default(); ok {
			backup = d
		}
		if f.BackupSystems, err = backup.Bool(); err != nil {
			return nil, formatCUEError(err)
		}

		facilities = append(facilities, f)
	}

	sort.Slice(facilities, func(i, j int) bool { return facilities[i].ID < facilities[j].ID })
	return facilities, nil
}

func parseSeverityTables(v cue.Value) (map[string][]thresholds.SeverityBand, error) {
	tables := make(map[string][]thresholds.SeverityBand)

	tablesVal := v.LookupPath(cue.ParsePath("severity_tables"))
	if !tablesVal.Exists() {
		return tables, nil
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		bands, err := parseBands(iter.Value())
		if err != nil {
			return nil, err
		}
		tables[iter.Label()] = bands
	}
	return tables, nil
}

func parseBands(v cue.Value) ([]thresholds.SeverityBand, error) {
	var bands []thresholds.SeverityBand

	list, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for list.Next() {
		bv := list.Value()
		var b thresholds.SeverityBand

		if b.Level, err = stringField(bv, "level"); err != nil {
			return nil, err
		}
		if b.MinExcursion, err = optionalAmount(bv, "min_excursion"); err != nil {
			return nil, err
		}
		if b.MinDuration, err = durationField(bv, "min_duration"); err != nil {
			return nil, err
		}
		if b.MinExposure, err = optionalAmount(bv, "min_exposure"); err != nil {
			return nil, err
		}

		bands = append(bands, b)
	}
	return bands, nil
}

func parseRules(v cue.Value, severityTables map[string][]thresholds.SeverityBand) ([]thresholds.ThresholdRule, error) {
	var rules []thresholds.ThresholdRule

	iter, err := v.LookupPath(cue.ParsePath("rules")).Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		rv := iter.Value()
		r := thresholds.ThresholdRule{ID: iter.Label()}

		scope, err := stringField(rv, "scope")
		if err != nil {
			return nil, err
		}
		r.Scope = thresholds.Scope(scope)

		if r.FacilityType, err = stringField(rv, "facility_type"); err != nil {
			return nil, err
		}
		if r.FacilityID, err = stringField(rv, "facility_id"); err != nil {
			return nil, err
		}

		metric, err := stringField(rv, "metric")
		if err != nil {
			return nil, err
		}
		r.Metric = record.Metric(metric)

		unit, err := stringField(rv, "unit")
		if err != nil {
			return nil, err
		}
		r.Unit = record.Unit(unit)

		if r.Lower, err = amountField(rv, "lower"); err != nil {
			return nil, err
		}
		if r.Upper, err = amountField(rv, "upper"); err != nil {
			return nil, err
		}
		if r.GracePeriod, err = durationField(rv, "grace_period"); err != nil {
			return nil, err
		}
		if r.MaxGap, err = durationField(rv, "max_gap"); err != nil {
			return nil, err
		}

		if gr := rv.LookupPath(cue.ParsePath("grace_readings")); gr.Exists() {
			n, err := gr.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			r.GraceReadings = int(n)
		}

		from, err := optionalTime(rv, "effective_from")
		if err != nil {
			return nil, err
		}
		if from == nil {
			return nil, &CompileError{
				Field:   fmt.Sprintf("rules.%s.effective_from", r.ID),
				Message: "effective_from is required",
				Pos:     rv.Pos(),
			}
		}
		r.EffectiveFrom = *from
		if r.EffectiveUntil, err = optionalTime(rv, "effective_until"); err != nil {
			return nil, err
		}

		sevVal := rv.LookupPath(cue.ParsePath("severity"))
		if name, err := sevVal.String(); err == nil {
			bands, ok := severityTables[name]
			if !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("rules.%s.severity", r.ID),
					Message: fmt.Sprintf("unknown severity table %q", name),
					Pos:     sevVal.Pos(),
				}
			}
			r.Bands = bands
		} else {
			if r.Bands, err = parseBands(sevVal); err != nil {
				return nil, err
			}
		}

		rules = append(rules, r)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// stringField returns the string at path, or "" if absent.
func stringField(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	if d, ok := f.Default(); ok {
		f = d
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// amountField decodes a number or numeric string into an exact decimal.
// Numbers go through their JSON literal so no float rounding occurs.
func amountField(v cue.Value, path string) (decimal.Decimal, error) {
	f := v.LookupPath(cue.ParsePath(path))

	var literal string
	if s, err := f.String(); err == nil {
		literal = s
	} else {
		raw, err := f.MarshalJSON()
		if err != nil {
			return decimal.Decimal{}, formatCUEError(err)
		}
		literal = string(raw)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(literal))
	if err != nil {
		return decimal.Decimal{}, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("invalid amount %q", literal),
			Pos:     f.Pos(),
		}
	}
	return d, nil
}

func optionalAmount(v cue.Value, path string) (*decimal.Decimal, error) {
	if !v.LookupPath(cue.ParsePath(path)).Exists() {
		return nil, nil
	}
	d, err := amountField(v, path)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// durationField parses a Go duration string, or returns 0 if absent.
func durationField(v cue.Value, path string) (time.Duration, error) {
	s, err := stringField(v, path)
	if err != nil || s == "" {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("invalid duration %q", s),
			Pos:     v.LookupPath(cue.ParsePath(path)).Pos(),
		}
	}
	return d, nil
}

// optionalTime parses an RFC 3339 timestamp, or returns nil if absent.
func optionalTime(v cue.Value, path string) (*time.Time, error) {
	s, err := stringField(v, path)
	if err != nil || s == "" {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("invalid RFC 3339 timestamp %q", s),
			Pos:     v.LookupPath(cue.ParsePath(path)).Pos(),
		}
	}
	ts = ts.UTC()
	return &ts, nil
}
