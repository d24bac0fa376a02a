package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/solarigin/sia/internal/store"
)

const (
	defaultPageSize = 40
	maxPageSize     = 200
)

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleManifest serves the gallery manifest. A missing manifest is
// rebuilt on the spot, so the on-disk images.json and the response stay
// the same bytes.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	path := s.indexer.ManifestPath()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if rebuildErr := s.indexer.Rebuild(r.Context()); rebuildErr != nil {
			s.logger.Error("manifest rebuild failed", slog.String("error", rebuildErr.Error()))
			writeError(w, http.StatusInternalServerError, "rebuilding manifest")

			return
		}

		data, err = os.ReadFile(path)
	}

	if err != nil {
		s.logger.Error("reading manifest failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "reading manifest")

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// itemRow is one entry of the /api/items listing.
type itemRow struct {
	Author string  `json:"author"`
	Path   string  `json:"path"`
	Mtime  int64   `json:"mtime"`
	PostID *string `json:"post_id,omitempty"`
	Source *string `json:"source,omitempty"`
}

// listResponse is the paginated /api/items reply.
type listResponse struct {
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int       `json:"total"`
	Items    []itemRow `json:"items"`
}

// handleListItems serves a paginated file listing, newest first, with
// optional author and substring filters.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := parsePositiveInt(q.Get("page"), 1)

	pageSize := parsePositiveInt(q.Get("page_size"), defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := store.ListFilter{
		Author:   q.Get("author"),
		Query:    q.Get("q"),
		Page:     page,
		PageSize: pageSize,
	}

	rows, total, err := s.store.ListFiles(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing items failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "listing items")

		return
	}

	items := make([]itemRow, 0, len(rows))

	for _, row := range rows {
		author := ""
		if row.Author != nil {
			author = *row.Author
		}

		items = append(items, itemRow{
			Author: author,
			Path:   row.RelativePath,
			Mtime:  row.Mtime,
			PostID: row.PostID,
			Source: row.Source,
		})
	}

	writeJSON(w, http.StatusOK, listResponse{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Items:    items,
	})
}

// handleStatic serves archived files. Any path that escapes the base
// directory after canonicalization is a plain 404, indistinguishable
// from a missing file.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	baseDir := s.engine.BaseDir()

	abs, ok := resolveUnder(baseDir, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, abs)
}

// resolveUnder maps a URL path onto a file below baseDir. Any ".."
// segment rejects the path outright; the canonicalized result must stay
// below baseDir.
func resolveUnder(baseDir, urlPath string) (string, bool) {
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return "", false
		}
	}

	cleaned := filepath.Clean("/" + strings.TrimPrefix(urlPath, "/"))
	abs := filepath.Join(baseDir, cleaned)

	if abs != baseDir && !strings.HasPrefix(abs, baseDir+string(filepath.Separator)) {
		return "", false
	}

	return abs, true
}

// parsePositiveInt parses raw as a positive integer, falling back to
// def.
func parsePositiveInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}

	return n
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
