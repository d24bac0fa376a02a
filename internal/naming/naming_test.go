package naming

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, sortMode, conflictPolicy string) *Engine {
	t.Helper()

	return New(t.TempDir(), sortMode, conflictPolicy, UnknownTakenAt{}, slog.New(slog.DiscardHandler))
}

func TestSafeAuthor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"alice bob", "alice_bob"},
		{"a/b\\c", "a_b_c"},
		{"under_score-dash", "under_score-dash"},
		{"émile", "_mile"},
		{"日本語", "___"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, SafeAuthor(tc.in), "input %q", tc.in)
	}
}

func TestStripNumberPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alice", StripNumberPrefix("00001_alice"))
	assert.Equal(t, "alice", StripNumberPrefix("00001_00002_alice"))
	assert.Equal(t, "alice", StripNumberPrefix("alice"))
	assert.Equal(t, "123_alice", StripNumberPrefix("123_alice"))
}

func TestIsImagePath(t *testing.T) {
	t.Parallel()

	assert.True(t, IsImagePath("a.jpg"))
	assert.True(t, IsImagePath("a.JPEG"))
	assert.True(t, IsImagePath("/x/y/b.webp"))
	assert.False(t, IsImagePath("a.txt"))
	assert.False(t, IsImagePath("a.jpg.part"))
}

func TestResolveAuthorFolder_IsIdempotent(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	first, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)
	assert.Equal(t, "00001_alice", filepath.Base(first))

	second, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(e.BaseDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResolveAuthorFolder_AllocatesIncreasingNumbers(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	a, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)

	b, err := e.ResolveAuthorFolder("bob")
	require.NoError(t, err)

	assert.Equal(t, "00001_alice", filepath.Base(a))
	assert.Equal(t, "00002_bob", filepath.Base(b))
}

func TestResolveAuthorFolder_DistinctAuthorsSameSafeName(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	a, err := e.ResolveAuthorFolder("a b")
	require.NoError(t, err)

	// Same safe form maps to the same folder.
	b, err := e.ResolveAuthorFolder("a_b")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestReserveNames_SequentialIndices(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	folder, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)

	paths, err := e.ReserveNames(folder, []string{".jpg", ".png"})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	assert.Equal(t, "00001_alice_001.jpg", filepath.Base(paths[0]))
	assert.Equal(t, "00001_alice_002.png", filepath.Base(paths[1]))

	// Placeholders exist so a second reservation continues past them.
	more, err := e.ReserveNames(folder, []string{".gif"})
	require.NoError(t, err)
	assert.Equal(t, "00001_alice_003.gif", filepath.Base(more[0]))
}

func TestReserveNames_ConcurrentReservationsNeverCollide(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	folder, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)

	const workers = 8

	results := make([][]string, workers)

	var wg sync.WaitGroup

	for w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			paths, reserveErr := e.ReserveNames(folder, []string{".jpg", ".jpg"})
			if assert.NoError(t, reserveErr) {
				results[w] = paths
			}
		}()
	}

	wg.Wait()

	seen := make(map[string]bool)

	for _, paths := range results {
		for _, p := range paths {
			assert.False(t, seen[p], "duplicate reservation %s", p)
			seen[p] = true
		}
	}

	assert.Len(t, seen, workers*2)
}

func TestReservations_LifecycleVisibleToWatcher(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	folder, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)

	paths, err := e.ReserveNames(folder, []string{".jpg", ".png"})
	require.NoError(t, err)

	for _, p := range paths {
		assert.True(t, e.IsReserved(p))
	}

	// Commit keeps the file but ends the reservation.
	require.NoError(t, os.WriteFile(paths[0], []byte("bytes"), 0o644))
	e.CommitName(paths[0])

	assert.False(t, e.IsReserved(paths[0]))

	_, err = os.Stat(paths[0])
	assert.NoError(t, err)

	// Release ends the reservation and removes the empty placeholder.
	e.ReleaseName(paths[1])

	assert.False(t, e.IsReserved(paths[1]))

	_, err = os.Stat(paths[1])
	assert.True(t, os.IsNotExist(err))
}

func TestReleaseName_RemovesOnlyEmptyPlaceholders(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	folder, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)

	paths, err := e.ReserveNames(folder, []string{".jpg", ".jpg"})
	require.NoError(t, err)

	// First reservation is committed; second failed and stays empty.
	require.NoError(t, os.WriteFile(paths[0], []byte("image bytes"), 0o644))

	e.ReleaseName(paths[0])
	e.ReleaseName(paths[1])

	_, err = os.Stat(paths[0])
	assert.NoError(t, err)

	_, err = os.Stat(paths[1])
	assert.True(t, os.IsNotExist(err))
}

func TestExtFromURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"https://cdn.example/img/abc.png", ".png"},
		{"https://cdn.example/img/abc.PNG", ".png"},
		{"https://cdn.example/img/abc?format=webp", ".webp"},
		{"https://cdn.example/img/abc.jpg?format=png", ".png"},
		{"https://cdn.example/img/abc", ".jpg"},
		{"not a url at all", ".jpg"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtFromURL(tc.in), "input %q", tc.in)
	}
}

func TestMaxFileIndex_IgnoresForeignNames(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")

	folder, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)

	for _, name := range []string{"00001_alice_005.jpg", "unrelated.jpg", "00001_alice_02.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte("x"), 0o644))
	}

	idx, err := maxFileIndex(folder)
	require.NoError(t, err)
	assert.Equal(t, 5, idx)
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()

	unlockA := km.Lock("a")

	done := make(chan struct{})

	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	<-done
	unlockA()

	// Same key serializes: the entry is reusable after release.
	unlock := km.Lock("a")
	unlock()
}

func TestScanFolderNumbers(t *testing.T) {
	t.Parallel()

	e := testEngine(t, "name", "skip")
	require.NoError(t, os.MkdirAll(filepath.Join(e.BaseDir(), "00007_zed"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(e.BaseDir(), "plain"), 0o755))

	folder, err := e.ResolveAuthorFolder("alice")
	require.NoError(t, err)
	assert.Equal(t, "00008_alice", filepath.Base(folder))
}

func sortedNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	sort.Strings(names)

	return names
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()

	for i, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name),
			[]byte(fmt.Sprintf("content-%d", i)), 0o644))
	}
}
