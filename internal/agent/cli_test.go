package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	t.Parallel()

	args := Args(Request{Prompt: "hi", MaxTurns: 3, Resume: "abc"})
	assert.Equal(t, []string{"-p", "hi", "--output-format", "stream-json", "--verbose", "--max-turns", "3", "--resume", "abc"}, args)

	args = Args(Request{Prompt: "hi"})
	assert.NotContains(t, args, "--resume")
	assert.NotContains(t, args, "--max-turns")
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCLIRunnerStreamsEvents(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, `echo '{"type":"system","subtype":"init","session_id":"s-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
`)
	runner := NewCLIRunner(bin, "", nil)
	events, err := collect(t, runner.Query(context.Background(), Request{Prompt: "go"}))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "s-1", events[0].String("session_id"))
}

func TestCLIRunnerResumeRejected(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, `echo "No conversation found with session ID: $7" >&2
exit 1
`)
	runner := NewCLIRunner(bin, "", nil)
	_, err := collect(t, runner.Query(context.Background(), Request{Prompt: "go", Resume: "3f1c2a9e-8b4d-4c6e-9a7f-0d2b5e8c1a34"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResumeRejected), "got %v", err)
}

func TestCLIRunnerExitWithoutResume(t *testing.T) {
	t.Parallel()

	bin := writeScript(t, "echo boom >&2\nexit 2\n")
	runner := NewCLIRunner(bin, "", nil)
	_, err := collect(t, runner.Query(context.Background(), Request{Prompt: "go"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrResumeRejected))
	assert.Contains(t, err.Error(), "boom")
}
