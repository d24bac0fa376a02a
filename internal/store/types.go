// Package store implements the embedded metadata store for sia: a single
// SQLite database file holding assets
// (content-addressed blobs), files (placed copies on disk), and items
// (save-request provenance). All multi-row writes run inside explicit
// transactions; on error the transaction rolls back and no partial state
// remains.
package store

import "time"

// Asset is a content-addressed binary blob. The content hash is a SHA-256
// hex digest, unique across all assets: equal hash means same asset
// regardless of origin.
type Asset struct {
	ID          int64
	ContentHash string
	Extension   string // lowercase, no dot
	ByteLength  int64
	Width       *int64
	Height      *int64
	EXIFTakenAt *int64 // unix seconds
	CreatedAt   int64  // unix seconds
}

// File is one placed copy of an asset on disk. RelativePath is
// forward-slash normalized and unique; FolderName always equals the
// directory part of RelativePath.
type File struct {
	ID           int64
	AssetID      int64
	ItemID       *int64 // provenance link; nil for watcher-adopted files
	RelativePath string
	FolderName   string
	Mtime        int64 // unix seconds
}

// Item records the provenance of one save request. (Author, PostID)
// identify a logical post; saving the same post twice appends a new row.
type Item struct {
	ID      int64
	Author  string
	PostID  string
	Source  *string
	SavedAt int64 // unix seconds
}

// GalleryRow is a file joined with its optional item provenance, the shape
// consumed by the gallery indexer and the /api/items listing.
type GalleryRow struct {
	RelativePath string
	FolderName   string
	Mtime        int64
	PostID       *string
	Source       *string
	Author       *string
}

// ListFilter narrows a file listing. Zero values mean "no filter".
// Results are always ordered by mtime descending.
type ListFilter struct {
	Author   string // exact match on the originating item's author
	Query    string // substring match against relative paths
	Page     int    // 1-based; 0 means no pagination
	PageSize int
}

// nowUnix returns the current time as unix seconds. Overridable in tests.
var nowUnix = func() int64 { return time.Now().Unix() }
