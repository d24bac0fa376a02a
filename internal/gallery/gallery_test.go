package gallery

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarigin/sia/internal/store"
)

func testIndexer(t *testing.T) (*Indexer, *store.SQLiteStore) {
	t.Helper()

	baseDir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 2, logger)
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return New(st, baseDir, logger), st
}

func seed(t *testing.T, st *store.SQLiteStore, hash, relPath string, mtime int64, postID string) {
	t.Helper()

	err := st.InTransaction(context.Background(), func(tx *store.Tx) error {
		var itemID *int64

		if postID != "" {
			id, err := tx.CreateItem("alice", postID, nil)
			if err != nil {
				return err
			}

			itemID = &id
		}

		assetID, _, err := tx.UpsertAssetByHash(hash, "jpg", 10)
		if err != nil {
			return err
		}

		return tx.InsertFile(assetID, itemID, relPath, filepath.Dir(relPath), mtime)
	})
	require.NoError(t, err)
}

func readManifest(t *testing.T, ix *Indexer) []Entry {
	t.Helper()

	data, err := os.ReadFile(ix.ManifestPath())
	require.NoError(t, err)

	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))

	return entries
}

func TestRebuild_EmptyStoreWritesEmptyArray(t *testing.T) {
	t.Parallel()

	ix, _ := testIndexer(t)

	require.NoError(t, ix.Rebuild(context.Background()))

	entries := readManifest(t, ix)
	assert.Empty(t, entries)

	// The manifest must decode as a JSON array, not null.
	data, err := os.ReadFile(ix.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, byte('['), data[0])
}

func TestRebuild_OrdersByMtimeDescending(t *testing.T) {
	t.Parallel()

	ix, st := testIndexer(t)

	seed(t, st, "h1", "00001_alice/00001_alice_001.jpg", 100, "p1")
	seed(t, st, "h2", "00002_bob/00002_bob_001.jpg", 300, "")
	seed(t, st, "h3", "00001_alice/00001_alice_002.jpg", 200, "p2")

	require.NoError(t, ix.Rebuild(context.Background()))

	entries := readManifest(t, ix)
	require.Len(t, entries, 3)

	assert.Equal(t, "00002_bob/00002_bob_001.jpg", entries[0].Path)
	assert.Equal(t, "00001_alice/00001_alice_002.jpg", entries[1].Path)
	assert.Equal(t, "00001_alice/00001_alice_001.jpg", entries[2].Path)

	assert.Equal(t, "00002_bob", entries[0].Folder)
	assert.Equal(t, "00002_bob_001.jpg", entries[0].Name)
	assert.Empty(t, entries[0].PostID)
	assert.Equal(t, "p2", entries[1].PostID)
}

func TestRebuild_ReplacesPreviousManifest(t *testing.T) {
	t.Parallel()

	ix, st := testIndexer(t)

	seed(t, st, "h1", "00001_alice/a.jpg", 10, "")
	require.NoError(t, ix.Rebuild(context.Background()))

	seed(t, st, "h2", "00001_alice/b.jpg", 20, "")
	require.NoError(t, ix.Rebuild(context.Background()))

	entries := readManifest(t, ix)
	assert.Len(t, entries, 2)

	// No leftover temp files from the atomic write.
	dirEntries, err := os.ReadDir(filepath.Dir(ix.ManifestPath()))
	require.NoError(t, err)
	assert.Len(t, dirEntries, 1)
}

func TestUpdate_RefreshesManifest(t *testing.T) {
	t.Parallel()

	ix, st := testIndexer(t)

	seed(t, st, "h1", "00001_alice/a.jpg", 10, "")

	require.NoError(t, ix.Update(context.Background(), []string{"00001_alice/a.jpg"}))

	entries := readManifest(t, ix)
	require.Len(t, entries, 1)
	assert.Equal(t, "00001_alice/a.jpg", entries[0].Path)
}
