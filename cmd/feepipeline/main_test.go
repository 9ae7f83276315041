package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"worker"},
		{"scheduler"},
		{"migrate"},
		{"tokens", "upsert"},
		{"tokens", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("database.url"))
}

func TestTokensUpsert_ValidatesBeforeConnecting(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad supply", []string{"--supply", "ten"}},
		{"bad status", []string{"--status", "listed"}},
		{"zero ratios", []string{"--reward", "0", "--jackpot", "0", "--burn", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetArgs(append([]string{"tokens", "upsert", "--id", "tok1", "--mint", "mint1", "--reward", "60"}, tt.args...))
			err := root.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid")
		})
	}
}

func TestSchedulerRejectsMemoryQueue(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"scheduler", "--queue.backend", "memory", "--idempotency.backend", "memory"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared queue")
}
