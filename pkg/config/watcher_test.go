package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfigEmitsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.env")
	require.NoError(t, os.WriteFile(path, []byte("A=1\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloadCh := WatchConfig(ctx, path)

	require.NoError(t, os.WriteFile(path, []byte("A=2\n"), 0o644))

	select {
	case _, ok := <-reloadCh:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload signal after file write")
	}
}

func TestWatchConfigClosesChannelOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.env")
	require.NoError(t, os.WriteFile(path, []byte("A=1\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	reloadCh := WatchConfig(ctx, path)
	cancel()

	select {
	case _, ok := <-reloadCh:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload channel to close after context cancellation")
	}
}
