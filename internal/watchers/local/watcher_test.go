package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumidev/lumidev/internal/core/interfaces"
	"github.com/lumidev/lumidev/internal/filter"
	"github.com/lumidev/lumidev/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWatcher(t *testing.T, dir string) (*LumiWatcher, *interfaces.WatchRoot) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping filesystem watch test in short mode")
	}

	lw, err := NewLumiWatcher(Config{
		DebouncePeriod: 10 * time.Millisecond,
		SettlePeriod:   20 * time.Millisecond,
		Keep:           []string{"node_modules/.bin/lumidev"},
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { lw.Close() })

	root, err := lw.WatchProject(context.Background(), dir)
	require.NoError(t, err)
	return lw, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func nextBatch(t *testing.T, ch <-chan models.ChangeBatch) models.ChangeBatch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change batch")
		return models.ChangeBatch{}
	}
}

func noBatch(t *testing.T, ch <-chan models.ChangeBatch, wait time.Duration) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected batch: %v", b.Paths())
	case <-time.After(wait):
	}
}

func subscribe(t *testing.T, lw *LumiWatcher, root *interfaces.WatchRoot, expr filter.Expression) <-chan models.ChangeBatch {
	t.Helper()
	clock, err := lw.Clock(context.Background(), root)
	require.NoError(t, err)

	ch, err := lw.Subscribe(context.Background(), root, interfaces.Subscription{
		Name:       "test",
		Expression: expr,
		Since:      clock,
	})
	require.NoError(t, err)
	return ch
}

func TestDeliversMatchingChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "App.res"), "let a = 1")

	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.AnyOf(filter.Match("*.res")))

	writeFile(t, filepath.Join(dir, "src", "App.res"), "let a = 2")
	writeFile(t, filepath.Join(dir, "README.md"), "docs")

	b := nextBatch(t, ch)
	assert.Equal(t, []string{"src/App.res"}, b.Paths())
	assert.Equal(t, "test", b.Subscription)
	assert.True(t, b.Files[0].Exists)
	assert.NotEmpty(t, b.Files[0].Hash)

	noBatch(t, ch, 200*time.Millisecond)
}

func TestClockAdvancesPerBatch(t *testing.T) {
	dir := t.TempDir()
	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.True())

	writeFile(t, filepath.Join(dir, "a.res"), "a")
	first := nextBatch(t, ch)

	writeFile(t, filepath.Join(dir, "b.res"), "b")
	second := nextBatch(t, ch)

	assert.True(t, second.Clock.After(first.Clock))
}

func TestUnchangedContentIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "App.res")
	writeFile(t, path, "same")

	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.True())

	writeFile(t, path, "same")
	noBatch(t, ch, 300*time.Millisecond)
}

func TestDeletedFileIsReported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Old.res")
	writeFile(t, path, "x")

	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.True())

	require.NoError(t, os.Remove(path))
	b := nextBatch(t, ch)
	require.Len(t, b.Files, 1)
	assert.Equal(t, models.ChangeKindDeleted, b.Files[0].Kind)
	assert.False(t, b.Files[0].Exists)
}

func TestNewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.Match("*.res"))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "pages"), 0o755))
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "src", "pages", "Home.res"), "home")

	b := nextBatch(t, ch)
	assert.Contains(t, b.Paths(), "src/pages/Home.res")
}

func TestIgnoredDirectoriesAreNotReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "node_modules", "react", "index.js"), "x")
	writeFile(t, filepath.Join(dir, "node_modules", ".bin", "lumidev"), "#!/bin/sh")

	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.True())

	writeFile(t, filepath.Join(dir, "node_modules", "react", "index.js"), "y")
	noBatch(t, ch, 200*time.Millisecond)

	writeFile(t, filepath.Join(dir, "node_modules", ".bin", "lumidev"), "#!/bin/sh\necho")
	b := nextBatch(t, ch)
	assert.Equal(t, []string{"node_modules/.bin/lumidev"}, b.Paths())
}

func TestRelativeRootRewritesPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app", "src"), 0o755))

	lw, root := newTestWatcher(t, dir)
	sub, err := lw.WatchProject(context.Background(), filepath.Join(dir, "app"))
	require.NoError(t, err)
	assert.Equal(t, root.Watch, sub.Watch)
	assert.Equal(t, "app", sub.RelativePath)

	ch, err := lw.Subscribe(context.Background(), sub, interfaces.Subscription{
		Name:         "app",
		Expression:   filter.True(),
		RelativeRoot: sub.RelativePath,
	})
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "other.res"), "x")
	writeFile(t, filepath.Join(dir, "app", "src", "App.res"), "x")

	b := nextBatch(t, ch)
	assert.Equal(t, []string{"src/App.res"}, b.Paths())
}

func TestWatchProjectOutsideRootFails(t *testing.T) {
	dir := t.TempDir()
	lw, _ := newTestWatcher(t, dir)

	_, err := lw.WatchProject(context.Background(), t.TempDir())
	assert.Error(t, err)

	_, err = lw.WatchProject(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSubscribeRequiresValidExpression(t *testing.T) {
	dir := t.TempDir()
	lw, root := newTestWatcher(t, dir)

	_, err := lw.Subscribe(context.Background(), root, interfaces.Subscription{Name: "x"})
	assert.Error(t, err)

	_, err = lw.Subscribe(context.Background(), root, interfaces.Subscription{
		Name:       "x",
		Expression: filter.Match("[oops"),
	})
	assert.Error(t, err)

	_, err = lw.Subscribe(context.Background(), &interfaces.WatchRoot{Watch: "/elsewhere"}, interfaces.Subscription{
		Name:       "x",
		Expression: filter.True(),
	})
	assert.Error(t, err)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	dir := t.TempDir()
	lw, root := newTestWatcher(t, dir)
	ch := subscribe(t, lw, root, filter.True())

	require.NoError(t, lw.Close())
	require.NoError(t, lw.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel was not closed")
	}
}

func TestCancelledSubscriptionIsClosed(t *testing.T) {
	dir := t.TempDir()
	lw, root := newTestWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := lw.Subscribe(ctx, root, interfaces.Subscription{Name: "x", Expression: filter.True()})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel was not closed")
	}
}

func TestSinceReplaysEarlierEvents(t *testing.T) {
	dir := t.TempDir()
	lw, root := newTestWatcher(t, dir)
	first := subscribe(t, lw, root, filter.True())

	clock, err := lw.Clock(context.Background(), root)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "early.res"), "x")
	nextBatch(t, first)

	late, err := lw.Subscribe(context.Background(), root, interfaces.Subscription{
		Name:       "late",
		Expression: filter.True(),
		Since:      clock,
	})
	require.NoError(t, err)

	b := nextBatch(t, late)
	assert.Equal(t, []string{"early.res"}, b.Paths())
}

func TestWatchedDirsCoverTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "app", "App.res"), "let x = 1")
	writeFile(t, filepath.Join(dir, "lib", "es6", "App.bs.js"), "")

	lw, root := newTestWatcher(t, dir)

	dirs := lw.WatchedDirs()
	assert.Contains(t, dirs, root.Watch)
	assert.Contains(t, dirs, filepath.Join(root.Watch, "src"))
	assert.Contains(t, dirs, filepath.Join(root.Watch, "src", "app"))
	assert.Contains(t, dirs, filepath.Join(root.Watch, "lib", "es6"))
}
