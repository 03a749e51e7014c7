package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcher_CoalescesWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "project.xml")
	require.NoError(t, os.WriteFile(path, []byte("<ODM/>"), 0644))

	calls := make(chan string, 10)
	w, err := New(path, 50*time.Millisecond, func(ctx context.Context, p string) {
		calls <- p
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("<ODM><Study/></ODM>"), 0644))
	}

	select {
	case p := <-calls:
		assert.Equal(t, w.Path(), p)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	// Burst settles into a single call.
	select {
	case <-calls:
		t.Fatal("handler called twice for one burst")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, w.Stats().Triggered)
	assert.GreaterOrEqual(t, w.Stats().Events, 1)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "project.xml")
	require.NoError(t, os.WriteFile(path, []byte("<ODM/>"), 0644))

	calls := make(chan string, 10)
	w, err := New(path, 20*time.Millisecond, func(ctx context.Context, p string) { calls <- p })
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.xml"), []byte("x"), 0644))

	select {
	case <-calls:
		t.Fatal("handler called for an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Zero(t, w.Stats().Events)
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "project.xml")
	w, err := New(path, 0, func(context.Context, string) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	w.Stop()
}

func TestWatcher_MissingDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := New(filepath.Join(t.TempDir(), "missing", "project.xml"), 0, func(context.Context, string) {})
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
}
