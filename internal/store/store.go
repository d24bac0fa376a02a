package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store is the persistence surface consumed by the server, the watcher,
// and the gallery indexer.
type Store interface {
	FindAssetByHash(ctx context.Context, hash string) (*Asset, error)
	ListFiles(ctx context.Context, filter ListFilter) ([]*GalleryRow, int, error)
	AllFilePaths(ctx context.Context) ([]string, error)
	InTransaction(ctx context.Context, fn func(tx *Tx) error) error
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store on an embedded SQLite database in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	itemStmts  itemStatements
	assetStmts assetStatements
	fileStmts  fileStatements
}

type itemStatements struct {
	create *sql.Stmt
}

type assetStatements struct {
	insert, findByHash, idByHash *sql.Stmt
}

type fileStatements struct {
	insert, rename, deleteByPath, listPaths, firstByAsset *sql.Stmt
}

// Open creates a SQLiteStore at dbPath, applying migrations and preparing
// all repeated statements. maxConns bounds the connection pool; it should
// match the configured daemon concurrency.
func Open(dbPath string, maxConns int, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening metadata database", "path", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("metadata database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlCreateItem = `INSERT INTO items (author, post_id, source, saved_at)
		VALUES (?, ?, ?, ?)`

	sqlInsertAsset = `INSERT INTO assets
		(content_hash, extension, byte_length, width, height, exif_taken_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlFindAssetByHash = `SELECT id, content_hash, extension, byte_length,
		width, height, exif_taken_at, created_at
		FROM assets WHERE content_hash = ?`

	sqlAssetIDByHash = `SELECT id FROM assets WHERE content_hash = ?`

	sqlInsertFile = `INSERT INTO files
		(asset_id, item_id, relative_path, folder_name, mtime)
		VALUES (?, ?, ?, ?, ?)`

	sqlRenameFile = `UPDATE files
		SET relative_path = ?, folder_name = ?, mtime = ?
		WHERE relative_path = ?`

	sqlDeleteFileByPath = `DELETE FROM files WHERE relative_path = ?`

	sqlListFilePaths = `SELECT relative_path FROM files`

	sqlFirstFileByAsset = `SELECT relative_path FROM files
		WHERE asset_id = ? ORDER BY id LIMIT 1`

	// Base of the joined listing used by the gallery and /api/items.
	// LEFT JOIN: watcher-adopted files carry no item provenance.
	sqlListFilesBase = `SELECT f.relative_path, f.folder_name, f.mtime,
		i.post_id, i.source, i.author
		FROM files f LEFT JOIN items i ON f.item_id = i.id`

	sqlCountFilesBase = `SELECT COUNT(*)
		FROM files f LEFT JOIN items i ON f.item_id = i.id`
)

// stmtDef maps a SQL string to the prepared statement pointer it should populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.create, sqlCreateItem, "createItem"},
		{&s.assetStmts.insert, sqlInsertAsset, "insertAsset"},
		{&s.assetStmts.findByHash, sqlFindAssetByHash, "findAssetByHash"},
		{&s.assetStmts.idByHash, sqlAssetIDByHash, "assetIDByHash"},
		{&s.fileStmts.insert, sqlInsertFile, "insertFile"},
		{&s.fileStmts.rename, sqlRenameFile, "renameFile"},
		{&s.fileStmts.deleteByPath, sqlDeleteFileByPath, "deleteFileByPath"},
		{&s.fileStmts.listPaths, sqlListFilePaths, "listFilePaths"},
		{&s.fileStmts.firstByAsset, sqlFirstFileByAsset, "firstFileByAsset"},
	})
}

// scanAsset scans a full asset row.
func scanAsset(row interface{ Scan(...any) error }) (*Asset, error) {
	a := &Asset{}

	err := row.Scan(
		&a.ID, &a.ContentHash, &a.Extension, &a.ByteLength,
		&a.Width, &a.Height, &a.EXIFTakenAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// FindAssetByHash returns the asset with the given content hash.
// Returns (nil, nil) when no asset exists; callers use the nil asset to
// distinguish "new content" from "known content".
func (s *SQLiteStore) FindAssetByHash(ctx context.Context, hash string) (*Asset, error) {
	s.logger.Debug("finding asset by hash", "hash", hash)

	asset, err := scanAsset(s.assetStmts.findByHash.QueryRowContext(ctx, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("find asset %s: %w", hash, err)
	}

	return asset, nil
}

// ListFiles returns file rows joined with their item provenance, ordered
// by mtime descending, optionally filtered and paginated. The second
// return value is the total row count before pagination.
func (s *SQLiteStore) ListFiles(ctx context.Context, filter ListFilter) ([]*GalleryRow, int, error) {
	s.logger.Debug("listing files",
		"author", filter.Author, "query", filter.Query,
		"page", filter.Page, "page_size", filter.PageSize)

	where, args := buildListWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, sqlCountFilesBase+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	query := sqlListFilesBase + where + ` ORDER BY f.mtime DESC, f.id DESC`

	if filter.Page > 0 && filter.PageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var result []*GalleryRow

	for rows.Next() {
		r := &GalleryRow{}
		if err := rows.Scan(&r.RelativePath, &r.FolderName, &r.Mtime,
			&r.PostID, &r.Source, &r.Author); err != nil {
			return nil, 0, fmt.Errorf("scan file row: %w", err)
		}

		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate file rows: %w", err)
	}

	return result, total, nil
}

// buildListWhere assembles the WHERE clause and args for a ListFilter.
func buildListWhere(filter ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if filter.Author != "" {
		clauses = append(clauses, "i.author = ?")
		args = append(args, filter.Author)
	}

	if filter.Query != "" {
		clauses = append(clauses, "f.relative_path LIKE ?")
		args = append(args, "%"+filter.Query+"%")
	}

	if len(clauses) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// AllFilePaths returns every known relative path.
func (s *SQLiteStore) AllFilePaths(ctx context.Context) ([]string, error) {
	rows, err := s.fileStmts.listPaths.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list file paths: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan file path: %w", err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file paths: %w", err)
	}

	return paths, nil
}

// Vacuum compacts the database file.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.logger.Info("vacuuming metadata database")

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing metadata database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.itemStmts.create,
		s.assetStmts.insert, s.assetStmts.findByHash, s.assetStmts.idByHash,
		s.fileStmts.insert, s.fileStmts.rename,
		s.fileStmts.deleteByPath, s.fileStmts.listPaths,
		s.fileStmts.firstByAsset,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
