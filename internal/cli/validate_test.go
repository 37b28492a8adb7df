package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runValidateCmd(t *testing.T, format, path string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidFile(t *testing.T) {
	out, err := runValidateCmd(t, "text", "testdata/vaccine.cue")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ testdata/vaccine.cue is valid")
	assert.Contains(t, out, "1 rule(s), 1 facility(ies)")
}

func TestValidateValidFileJSON(t *testing.T) {
	out, err := runValidateCmd(t, "json", "testdata/vaccine.cue")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 1, resp.Data.Rules)
	assert.Len(t, resp.Data.Version, 16)
}

func TestValidateMissingFile(t *testing.T) {
	out, err := runValidateCmd(t, "text", "testdata/does-not-exist.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
}

func TestValidateDirectory(t *testing.T) {
	_, err := runValidateCmd(t, "text", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not a file")
}

func TestValidateReportsAllTableProblems(t *testing.T) {
	out, err := runValidateCmd(t, "json", "testdata/problems.cue")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotNil(t, resp.Error)

	codes := make([]string, len(resp.Data.Errors))
	for i, p := range resp.Data.Errors {
		codes[i] = p.Code
	}
	assert.Contains(t, codes, "E111")
}

func TestValidateSyntaxErrorHasPosition(t *testing.T) {
	out, err := runValidateCmd(t, "text", "testdata/syntax.cue")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "testdata/syntax.cue:")
	assert.Contains(t, out, ErrCodeBuildFailed)
}

func TestProblemsOf(t *testing.T) {
	_, problems, err := LoadThresholds("testdata/syntax.cue")
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, ErrCodeBuildFailed, problems[0].Code)
	assert.Equal(t, "cue", problems[0].Field)

	table, problems, err := LoadThresholds("testdata/vaccine.cue")
	require.NoError(t, err)
	assert.Empty(t, problems)
	require.NotNil(t, table)
	assert.Equal(t, "vaccine-temperature", table.Rules[0].ID)
}
