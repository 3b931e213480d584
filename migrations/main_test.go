package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	calls []string
	err   error
}

func (r *recordingRunner) record(call string) error {
	r.calls = append(r.calls, call)

	return r.err
}

func (r *recordingRunner) Up() error      { return r.record("up") }
func (r *recordingRunner) Down() error    { return r.record("down") }
func (r *recordingRunner) Status() error  { return r.record("status") }
func (r *recordingRunner) Version() error { return r.record("version") }
func (r *recordingRunner) Drop() error    { return r.record("drop") }
func (r *recordingRunner) Close() error   { return nil }

func TestExecuteCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	always := func(string) bool { return true }

	for _, command := range []string{"up", "down", "status", "version", "drop"} {
		t.Run(command, func(t *testing.T) {
			runner := &recordingRunner{}

			require.NoError(t, executeCommand(command, runner, always))
			assert.Equal(t, []string{command}, runner.calls)
		})
	}

	t.Run("runner error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		runner := &recordingRunner{err: boom}

		require.ErrorIs(t, executeCommand("up", runner, always), boom)
	})

	t.Run("unknown command", func(t *testing.T) {
		runner := &recordingRunner{}

		err := executeCommand("sideways", runner, always)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown command")
		assert.Empty(t, runner.calls)
	})

	t.Run("drop declined", func(t *testing.T) {
		runner := &recordingRunner{}

		require.NoError(t, executeCommand("drop", runner, func(string) bool { return false }))
		assert.Empty(t, runner.calls)
	})
}

func TestConfirmer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var out bytes.Buffer

	assert.True(t, confirmer(false, strings.NewReader("y\n"), &out)("sure? "))
	assert.Equal(t, "sure? ", out.String())

	assert.True(t, confirmer(false, strings.NewReader("Y\n"), &out)("sure? "))
	assert.False(t, confirmer(false, strings.NewReader("\n"), &out)("sure? "))
	assert.False(t, confirmer(false, strings.NewReader(""), &out)("sure? "))
	assert.True(t, confirmer(true, strings.NewReader(""), &out)("sure? "))
}
