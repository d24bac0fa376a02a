package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 2, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

// seedFile inserts a file (and backing asset) at relPath with the given
// mtime, optionally linked to an item.
func seedFile(t *testing.T, s *SQLiteStore, hash, relPath string, mtime int64, itemID *int64) {
	t.Helper()

	err := s.InTransaction(context.Background(), func(tx *Tx) error {
		assetID, _, err := tx.UpsertAssetByHash(hash, "jpg", 100)
		if err != nil {
			return err
		}

		return tx.InsertFile(assetID, itemID, relPath, filepath.Dir(relPath), mtime)
	})
	require.NoError(t, err)
}

func TestOpen_CreatesMissingParentDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive", "sia.db")

	s, err := Open(path, 2, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_CreatesSchema(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	paths, err := s.AllFilePaths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestUpsertAssetByHash_SecondInsertIsDuplicate(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	var firstID, secondID int64

	var firstNew, secondNew bool

	err := s.InTransaction(context.Background(), func(tx *Tx) error {
		var err error

		firstID, firstNew, err = tx.UpsertAssetByHash("abc123", "jpg", 42)
		if err != nil {
			return err
		}

		secondID, secondNew, err = tx.UpsertAssetByHash("abc123", "jpg", 42)

		return err
	})
	require.NoError(t, err)

	assert.True(t, firstNew)
	assert.False(t, secondNew)
	assert.Equal(t, firstID, secondID)
}

func TestFindAssetByHash(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTransaction(ctx, func(tx *Tx) error {
		_, _, err := tx.UpsertAssetByHash("deadbeef", "png", 512)
		return err
	})
	require.NoError(t, err)

	asset, err := s.FindAssetByHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, "png", asset.Extension)
	assert.Equal(t, int64(512), asset.ByteLength)

	missing, err := s.FindAssetByHash(ctx, "no-such-hash")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInTransaction_RollbackLeavesNoPartialState(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTransaction(ctx, func(tx *Tx) error {
		if _, _, err := tx.UpsertAssetByHash("rollback-hash", "jpg", 1); err != nil {
			return err
		}

		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	asset, err := s.FindAssetByHash(ctx, "rollback-hash")
	require.NoError(t, err)
	assert.Nil(t, asset)
}

func TestListFiles_OrderedByMtimeDescending(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	seedFile(t, s, "h1", "00001_alice/00001_alice_001.jpg", 100, nil)
	seedFile(t, s, "h2", "00001_alice/00001_alice_002.jpg", 300, nil)
	seedFile(t, s, "h3", "00002_bob/00002_bob_001.jpg", 200, nil)

	rows, total, err := s.ListFiles(context.Background(), ListFilter{})
	require.NoError(t, err)

	assert.Equal(t, 3, total)
	require.Len(t, rows, 3)
	assert.Equal(t, "00001_alice/00001_alice_002.jpg", rows[0].RelativePath)
	assert.Equal(t, "00002_bob/00002_bob_001.jpg", rows[1].RelativePath)
	assert.Equal(t, "00001_alice/00001_alice_001.jpg", rows[2].RelativePath)
}

func TestListFiles_Pagination(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	for i := range 5 {
		seedFile(t, s, string(rune('a'+i)), filepath.Join("00001_x", string(rune('a'+i))+".jpg"), int64(i), nil)
	}

	rows, total, err := s.ListFiles(context.Background(), ListFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, total)
	require.Len(t, rows, 2)

	// Page 2 of size 2 over mtimes 4,3 | 2,1 | 0.
	assert.Equal(t, int64(2), rows[0].Mtime)
	assert.Equal(t, int64(1), rows[1].Mtime)
}

func TestListFiles_AuthorFilterMatchesItemProvenance(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTransaction(ctx, func(tx *Tx) error {
		itemID, err := tx.CreateItem("alice", "p1", nil)
		if err != nil {
			return err
		}

		assetID, _, err := tx.UpsertAssetByHash("h1", "jpg", 1)
		if err != nil {
			return err
		}

		return tx.InsertFile(assetID, &itemID, "00001_alice/a.jpg", "00001_alice", 10)
	})
	require.NoError(t, err)

	// Watcher-adopted file; no provenance.
	seedFile(t, s, "h2", "00002_bob/b.jpg", 20, nil)

	rows, total, err := s.ListFiles(ctx, ListFilter{Author: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Author)
	assert.Equal(t, "alice", *rows[0].Author)
	assert.Equal(t, "p1", *rows[0].PostID)
}

func TestListFiles_QueryFilterMatchesSubstring(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	seedFile(t, s, "h1", "00001_alice/cat.jpg", 10, nil)
	seedFile(t, s, "h2", "00002_bob/dog.jpg", 20, nil)

	rows, total, err := s.ListFiles(context.Background(), ListFilter{Query: "cat"})
	require.NoError(t, err)

	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "00001_alice/cat.jpg", rows[0].RelativePath)
}

func TestRenameFile_UpdatesPathFolderAndMtime(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	seedFile(t, s, "h1", "old_folder/old.jpg", 10, nil)

	err := s.InTransaction(ctx, func(tx *Tx) error {
		return tx.RenameFile("old_folder/old.jpg", "00001_new/new.jpg", "00001_new", 99)
	})
	require.NoError(t, err)

	rows, _, err := s.ListFiles(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "00001_new/new.jpg", rows[0].RelativePath)
	assert.Equal(t, "00001_new", rows[0].FolderName)
	assert.Equal(t, int64(99), rows[0].Mtime)
}

func TestReconcile_DropsRowsMissingFromDisk(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	seedFile(t, s, "h1", "00001_a/keep.jpg", 10, nil)
	seedFile(t, s, "h2", "00001_a/gone.jpg", 20, nil)

	var removed int

	err := s.InTransaction(ctx, func(tx *Tx) error {
		var err error

		removed, err = tx.Reconcile(map[string]struct{}{
			"00001_a/keep.jpg": {},
		})

		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	paths, err := s.AllFilePaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"00001_a/keep.jpg"}, paths)
}

func TestVacuum(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	assert.NoError(t, s.Vacuum(context.Background()))
}
