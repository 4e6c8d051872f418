package workitems

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutputQueue(t *testing.T) {
	require.Equal(t, "jobs_output", OutputQueue("jobs"))
}

func TestValidateFilename(t *testing.T) {
	require.NoError(t, ValidateFilename("report.csv"))
	require.NoError(t, ValidateFilename(strings.Repeat("a", MaxFilenameLength)))

	require.ErrorIs(t, ValidateFilename(""), ErrInvalidArgument)
	require.ErrorIs(t, ValidateFilename("a/b.txt"), ErrInvalidArgument)
	require.ErrorIs(t, ValidateFilename(`a\b.txt`), ErrInvalidArgument)
	require.ErrorIs(t, ValidateFilename(strings.Repeat("a", MaxFilenameLength+1)), ErrInvalidArgument)
}

func TestValidateFileSize(t *testing.T) {
	require.NoError(t, ValidateFileSize(0))
	require.NoError(t, ValidateFileSize(MaxFileSize))
	require.ErrorIs(t, ValidateFileSize(MaxFileSize+1), ErrInvalidArgument)
}

func TestNormalizePayload(t *testing.T) {
	payload, err := NormalizePayload(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(payload))

	payload, err = NormalizePayload(json.RawMessage(``))
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(payload))

	payload, err = NormalizePayload(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(payload))

	// Scalars and arrays are valid payloads.
	_, err = NormalizePayload(json.RawMessage(`42`))
	require.NoError(t, err)
	_, err = NormalizePayload(json.RawMessage(`[1,2]`))
	require.NoError(t, err)

	_, err = NormalizePayload(json.RawMessage(`{not json`))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestValidateRelease(t *testing.T) {
	require.NoError(t, ValidateRelease(StateCompleted, nil))
	require.NoError(t, ValidateRelease(StateFailed, &Exception{Message: "boom"}))

	require.ErrorIs(t, ValidateRelease(StatePending, nil), ErrInvalidArgument)
	require.ErrorIs(t, ValidateRelease(StateReserved, nil), ErrInvalidArgument)
	require.ErrorIs(t, ValidateRelease(StateFailed, nil), ErrInvalidArgument)
	require.ErrorIs(t, ValidateRelease(StateFailed, &Exception{Type: "APPLICATION"}), ErrInvalidArgument)
}

func TestStateTerminal(t *testing.T) {
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StatePending.Terminal())
	require.False(t, StateReserved.Terminal())
}
