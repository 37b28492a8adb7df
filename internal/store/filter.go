package store

import "strings"

// where accumulates parameterized predicates for list queries.
// Values are always bound as parameters, never interpolated.
type where struct {
	clauses []string
	params  []any
}

func (w *where) add(clause string, params ...any) {
	w.clauses = append(w.clauses, clause)
	w.params = append(w.params, params...)
}

// addIf adds the clause only when cond holds.
func (w *where) addIf(cond bool, clause string, params ...any) {
	if cond {
		w.add(clause, params...)
	}
}

// sql renders " WHERE a AND b", or "" when there are no predicates.
func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// in renders "col IN (?, ?, ...)" for n values.
func in(col string, n int) string {
	return col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}
