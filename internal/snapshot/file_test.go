package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewFileStore(path)

	doc := Document{
		"default": {
			LeaderDeviceID:     "dev1",
			LastSequenceNumber: 42,
			State:              json.RawMessage(`{"running":true,"startedAt":123}`),
		},
		"other": {LastSequenceNumber: 1},
	}
	require.NoError(t, s.Write(context.Background(), doc))

	got, err := s.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "dev1", got["default"].LeaderDeviceID)
	require.EqualValues(t, 42, got["default"].LastSequenceNumber)
	require.JSONEq(t, `{"running":true,"startedAt":123}`, string(got["default"].State))

	// Replace-on-write leaves no temp file behind.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestFileStore_MissingFileReadsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	doc, err := s.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Empty(t, doc)
}

func TestFileStore_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileStore(path).Read(context.Background())
	require.Error(t, err)
}

func TestClone_IsDeep(t *testing.T) {
	doc := Document{"a": {State: json.RawMessage(`{"n":1}`)}}
	cp := Clone(doc)
	cp["a"].State[1] = 'x'
	require.JSONEq(t, `{"n":1}`, string(doc["a"].State))
}
