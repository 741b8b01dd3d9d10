package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "bellkeeper/pkg/logx"
)

func TestWatchDebouncesWrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	other := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, logx.Nop(), path, Options{Debounce: 20 * time.Millisecond}, func() { calls.Add(1) })
	}()

	// keep writing until the watcher is up and has fired once
	require.Eventually(t, func() bool {
		_ = os.WriteFile(other, []byte("x"), 0o600)
		for i := 0; i < 3; i++ {
			_ = os.WriteFile(path, []byte("a: 2\n"), 0o600)
		}
		return calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
