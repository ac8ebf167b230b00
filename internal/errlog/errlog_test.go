package errlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoggerWritesNDJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "errors.log")
	l, err := New(Config{Path: path, QueueSize: 8}, nil)
	require.NoError(t, err)

	l.Log("exchange", errors.New("stream ended early"), map[string]any{"scope": "chan-1"})
	l.Log("approval", nil, nil)
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "exchange", first.Context)
	assert.Equal(t, "stream ended early", first.Error.Message)
	assert.Equal(t, "*errors.errorString", first.Error.Kind)
	assert.Contains(t, first.Error.Stack, "TestLoggerWritesNDJSON")
	assert.Equal(t, "chan-1", first.Details["scope"])

	assert.Empty(t, entries[1].Error.Message)
	assert.NotNil(t, entries[1].Details)
}

func TestLogAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Path: filepath.Join(t.TempDir(), "errors.log")}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.NotPanics(t, func() { l.Log("late", errors.New("x"), nil) })
}
