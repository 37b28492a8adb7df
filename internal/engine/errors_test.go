package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/coldtrace/internal/store"
)

func TestWrap_MapsCauses(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  ErrorCode
		check func(error) bool
	}{
		{"not found", fmt.Errorf("read incident: %w", store.ErrNotFound), ErrCodeNotFound, IsNotFound},
		{"conflict", fmt.Errorf("update incident: %w", store.ErrConflict), ErrCodeConcurrentModification, IsConcurrentModification},
		{"anything else", errors.New("disk I/O error"), ErrCodeStorageUnavailable, IsStorageUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap(tt.cause, "op", "", "inc-1")
			assert.Equal(t, tt.want, CodeOf(err))
			assert.True(t, tt.check(err))
			assert.ErrorIs(t, err, tt.cause)
			assert.Contains(t, err.Error(), "(incident=inc-1)")
		})
	}
}

func TestWrap_PassesEngineErrorsThrough(t *testing.T) {
	orig := invalidReading("fac-1", "value %q is not a number", "x")
	assert.Same(t, orig, wrap(orig, "ingest", "", ""))
	assert.Nil(t, wrap(nil, "ingest", "", ""))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, `INVALID_READING: value "x" is not a number (facility=fac-1)`, orig.Error())
}
