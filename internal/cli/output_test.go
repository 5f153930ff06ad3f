package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(DrainResult{Replayed: 2})
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   DrainResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Replayed)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Error("INVALID_INPUT", "unknown result \"ZZ\"", map[string]int64{"entry_id": 7})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
	assert.Equal(t, "unknown result \"ZZ\"", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextUsesRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(QueueList{}))
	assert.Equal(t, "queue is empty\n", buf.String())
}

func TestOutputFormatter_TextFallsBackToString(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(ExportResult{Path: "out.xlsx", Entries: 3}))
	assert.Equal(t, "wrote 3 entries to out.xlsx\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("OFFLINE", "remote store unreachable", nil))
	assert.Equal(t, "Error [OFFLINE]: remote store unreachable\n", buf.String())
}

func TestTable_AlignsColumns(t *testing.T) {
	buf := &bytes.Buffer{}
	err := table(buf, "SEQ\tENTRY\tKIND", [][]any{
		{1, 42, "score"},
		{10, 7, "status"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SEQ  ENTRY  KIND\n"+
			"1    42     score\n"+
			"10   7      status\n",
		buf.String())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("run: %w", WrapExitError(ExitFailure, "sync failed", errors.New("x"))), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestWrapExitError_Message(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapExitError(ExitFailure, "failed to open session", cause)

	assert.Equal(t, "failed to open session: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}
