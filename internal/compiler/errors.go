package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a CUE syntax or schema error in a threshold file.
type CompileError struct {
	Field   string // dotted CUE path, or "cue" for syntax errors
	Message string
	Pos     token.Pos
	More    int // further errors CUE reported after this one
}

func (e *CompileError) Error() string {
	msg := e.Message
	if e.More > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, e.More)
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", e.Field, msg)
}

// formatCUEError converts the first positioned CUE error to a CompileError.
// Errors without any position are returned unchanged.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	list := errors.Errors(err)
	for i, e := range list {
		positions := errors.Positions(e)
		if len(positions) == 0 {
			continue
		}
		field := strings.Join(e.Path(), ".")
		if field == "" {
			field = "cue"
		}
		format, args := e.Msg()
		return &CompileError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Pos:     positions[0],
			More:    len(list) - i - 1,
		}
	}
	return err
}
