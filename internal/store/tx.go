package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx wraps a database transaction and exposes the write operations. All
// writes against the store happen through a Tx obtained from
// InTransaction, so callers can never produce torn metadata.
type Tx struct {
	tx  *sql.Tx
	s   *SQLiteStore
	ctx context.Context
}

// InTransaction runs fn inside a single transaction. The transaction is
// committed if fn returns nil and rolled back otherwise; on rollback no
// partial state remains.
func (s *SQLiteStore) InTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx, s: s, ctx: ctx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// CreateItem inserts a provenance row and returns its ID. Duplicate
// (author, post_id) pairs are permitted; each save appends a new row.
func (t *Tx) CreateItem(author, postID string, source *string) (int64, error) {
	t.s.logger.Debug("creating item", "author", author, "post_id", postID)

	res, err := t.tx.StmtContext(t.ctx, t.s.itemStmts.create).
		ExecContext(t.ctx, author, postID, source, nowUnix())
	if err != nil {
		return 0, fmt.Errorf("create item %s/%s: %w", author, postID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("item insert id: %w", err)
	}

	return id, nil
}

// UpsertAssetByHash returns the asset ID for the given content hash,
// inserting a new asset row when the hash is unknown. The second return
// value reports whether a row was created.
func (t *Tx) UpsertAssetByHash(hash, ext string, byteLength int64) (int64, bool, error) {
	var id int64

	err := t.tx.StmtContext(t.ctx, t.s.assetStmts.idByHash).
		QueryRowContext(t.ctx, hash).Scan(&id)
	if err == nil {
		return id, false, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("find asset %s: %w", hash, err)
	}

	res, err := t.tx.StmtContext(t.ctx, t.s.assetStmts.insert).
		ExecContext(t.ctx, hash, ext, byteLength, nil, nil, nil, nowUnix())
	if err != nil {
		return 0, false, fmt.Errorf("insert asset %s: %w", hash, err)
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("asset insert id: %w", err)
	}

	return id, true, nil
}

// InsertFile records a placed copy of an asset. itemID may be nil for
// files adopted by the watcher with no save-request provenance.
func (t *Tx) InsertFile(assetID int64, itemID *int64, relPath, folderName string, mtime int64) error {
	t.s.logger.Debug("inserting file", "path", relPath, "asset_id", assetID)

	_, err := t.tx.StmtContext(t.ctx, t.s.fileStmts.insert).
		ExecContext(t.ctx, assetID, itemID, relPath, folderName, mtime)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", relPath, err)
	}

	return nil
}

// RenameFile updates a file's relative path, folder name, and mtime in
// one statement. No-op when oldRel is unknown.
func (t *Tx) RenameFile(oldRel, newRel, newFolder string, mtime int64) error {
	t.s.logger.Debug("renaming file row", "old", oldRel, "new", newRel)

	_, err := t.tx.StmtContext(t.ctx, t.s.fileStmts.rename).
		ExecContext(t.ctx, newRel, newFolder, mtime, oldRel)
	if err != nil {
		return fmt.Errorf("rename file %s -> %s: %w", oldRel, newRel, err)
	}

	return nil
}

// FirstFilePathForAsset returns the earliest placed copy of an asset, or
// "" when the asset has no file rows yet. Used by hardlink deduplication
// to find the link target.
func (t *Tx) FirstFilePathForAsset(assetID int64) (string, error) {
	var rel string

	err := t.tx.StmtContext(t.ctx, t.s.fileStmts.firstByAsset).
		QueryRowContext(t.ctx, assetID).Scan(&rel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("first file for asset %d: %w", assetID, err)
	}

	return rel, nil
}

// Reconcile deletes file rows whose relative path is not in existing.
// Used by the watcher full-sync to drop rows dangling after out-of-band
// disk deletes. Returns the number of rows removed.
func (t *Tx) Reconcile(existing map[string]struct{}) (int, error) {
	rows, err := t.tx.StmtContext(t.ctx, t.s.fileStmts.listPaths).QueryContext(t.ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list paths: %w", err)
	}

	var stale []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("reconcile: scan path: %w", err)
		}

		if _, ok := existing[p]; !ok {
			stale = append(stale, p)
		}
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("reconcile: iterate paths: %w", err)
	}

	rows.Close()

	del := t.tx.StmtContext(t.ctx, t.s.fileStmts.deleteByPath)
	for _, p := range stale {
		if _, err := del.ExecContext(t.ctx, p); err != nil {
			return 0, fmt.Errorf("reconcile: delete %s: %w", p, err)
		}

		t.s.logger.Info("removed dangling file row", "path", p)
	}

	return len(stale), nil
}
