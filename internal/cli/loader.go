package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue/token"

	"github.com/roach88/coldtrace/internal/compiler"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// Problem is one reason a threshold file failed to compile.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// LoadError represents an error that occurred before compilation started.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadThresholds compiles a threshold file. A nil table with a non-nil
// error means the file could not be read; a nil table with problems means
// it was read but did not compile.
func LoadThresholds(path string) (*thresholds.ConfigTable, []Problem, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("threshold file not found: %s", path)}
	}
	if err != nil {
		return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing threshold file: %v", err)}
	}
	if info.IsDir() {
		return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a file: %s", path)}
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}

	table, err := compiler.CompileSource(path, src)
	if err != nil {
		return nil, problemsOf(err), nil
	}
	return table, nil, nil
}

// problemsOf flattens a compiler error into problems.
func problemsOf(err error) []Problem {
	var verrs compiler.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]Problem, len(verrs))
		for i, v := range verrs {
			out[i] = Problem{Field: v.Field, Message: v.Message, Code: v.Code}
		}
		return out
	}

	var cerr *compiler.CompileError
	if errors.As(err, &cerr) {
		p := Problem{Field: cerr.Field, Message: cerr.Message, Code: ErrCodeBuildFailed}
		withPos(&p, cerr.Pos)
		return []Problem{p}
	}

	return []Problem{{Field: "config", Message: err.Error(), Code: ErrCodeGeneric}}
}

func withPos(p *Problem, pos token.Pos) {
	if !pos.IsValid() {
		return
	}
	p.File = pos.Filename()
	p.Line = pos.Line()
	p.Column = pos.Column()
}

// Error code constants shared by all CLI commands. Validation codes
// (E100 and up) come from the compiler.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeLoadFailed  = "E004" // File could not be read
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build or schema failure
	ErrCodeWriteFailed = "E007" // File write error
)
