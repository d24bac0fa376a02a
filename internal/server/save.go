package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solarigin/sia/internal/config"
	"github.com/solarigin/sia/internal/fetch"
	"github.com/solarigin/sia/internal/naming"
	"github.com/solarigin/sia/internal/store"
)

// saveRequest is the POST /save payload.
type saveRequest struct {
	Author string   `json:"author"`
	PostID string   `json:"postId,omitempty"`
	Source string   `json:"source,omitempty"`
	Images []string `json:"images"`
}

// saveFailure reports one URL that could not be archived.
type saveFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// saveResponse is the POST /save reply. Saved and Duplicates hold
// archive-relative paths. A duplicate is still written to disk but is
// listed only under Duplicates. OK reports that the request itself was
// processed; per-URL download failures appear under Failed without
// clearing it.
type saveResponse struct {
	OK         bool          `json:"ok"`
	Saved      []string      `json:"saved"`
	Duplicates []string      `json:"duplicates"`
	Failed     []saveFailure `json:"failed"`
}

// downloadOutcome is one URL's result within a save batch.
type downloadOutcome struct {
	url    string
	path   string // absolute destination
	result *fetch.Result
	err    error
}

// handleSave archives a batch of image URLs for one author. The request
// body is authenticated with an HMAC-SHA256 signature over the raw
// bytes; an invalid signature is rejected before any side effect.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	cfg := s.holder.Config()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.Download.MaxBodyBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		writeError(w, http.StatusBadRequest, "reading request body")

		return
	}

	if !validSignature(body, r.Header.Get("X-Signature"), cfg.HMACKey) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req saveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if reason := validateSaveRequest(&req); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	folder, err := s.engine.ResolveAuthorFolder(req.Author)
	if err != nil {
		s.logger.Error("resolving author folder failed",
			slog.String("author", req.Author), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "allocating author folder")

		return
	}

	exts := make([]string, len(req.Images))
	for i, raw := range req.Images {
		exts[i] = naming.ExtFromURL(raw)
	}

	paths, err := s.engine.ReserveNames(folder, exts)
	if err != nil {
		s.logger.Error("reserving file names failed",
			slog.String("folder", folder), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "reserving file names")

		return
	}

	outcomes := s.downloadBatch(r, req.Images, paths, fetchPolicy(cfg))

	// Reservations end with the request either way. Commit after the
	// metadata transaction so the watcher never adopts a path the batch is
	// about to record.
	defer func() {
		for _, out := range outcomes {
			if out.err == nil {
				s.engine.CommitName(out.path)
			}
		}
	}()

	resp, err := s.recordBatch(r, &req, folder, outcomes)
	if err != nil {
		s.logger.Error("recording save batch failed",
			slog.String("author", req.Author), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "recording save batch")

		return
	}

	changed := append(append([]string{}, resp.Saved...), resp.Duplicates...)
	if len(changed) > 0 {
		if err := s.indexer.Update(r.Context(), changed); err != nil {
			s.logger.Error("manifest update failed", slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// downloadBatch fetches every URL into its reserved path, bounded by the
// configured concurrency. Failed placeholders are released here so a
// surviving empty file never pollutes the folder.
func (s *Server) downloadBatch(r *http.Request, urls, paths []string, policy fetch.Policy) []downloadOutcome {
	outcomes := make([]downloadOutcome, len(urls))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.holder.Config().Concurrency)

	for i := range urls {
		g.Go(func() error {
			res, err := s.downloader.Download(ctx, urls[i], paths[i], policy)

			outcomes[i] = downloadOutcome{
				url:    urls[i],
				path:   paths[i],
				result: res,
				err:    err,
			}

			if err != nil {
				s.engine.ReleaseName(paths[i])
			}

			// Per-URL failures never abort the batch.
			return nil
		})
	}

	g.Wait()

	return outcomes
}

// recordBatch persists a save batch: one item row, then asset and file
// rows per successful download. Re-downloaded content stays on disk but
// is reported as a duplicate.
func (s *Server) recordBatch(r *http.Request, req *saveRequest, folder string, outcomes []downloadOutcome) (*saveResponse, error) {
	resp := &saveResponse{
		OK:         true,
		Saved:      []string{},
		Duplicates: []string{},
		Failed:     []saveFailure{},
	}

	folderName := filepath.Base(folder)

	err := s.store.InTransaction(r.Context(), func(tx *store.Tx) error {
		var source *string
		if req.Source != "" {
			source = &req.Source
		}

		itemID, err := tx.CreateItem(req.Author, req.PostID, source)
		if err != nil {
			return err
		}

		for _, out := range outcomes {
			if out.err != nil {
				resp.Failed = append(resp.Failed, saveFailure{
					URL:    out.url,
					Reason: failureReason(out.err),
				})

				continue
			}

			relPath := folderName + "/" + filepath.Base(out.path)

			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(out.path)), ".")

			assetID, wasNew, err := tx.UpsertAssetByHash(out.result.Hash, ext, out.result.ByteLength)
			if err != nil {
				return err
			}

			if err := tx.InsertFile(assetID, &itemID, relPath, folderName, time.Now().Unix()); err != nil {
				return err
			}

			if wasNew {
				resp.Saved = append(resp.Saved, relPath)
			} else {
				resp.Duplicates = append(resp.Duplicates, relPath)

				if s.holder.Config().EnableHardlinks {
					s.hardlinkDuplicate(tx, assetID, relPath)
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// hardlinkDuplicate replaces a freshly downloaded duplicate with a
// hardlink to the asset's first placed copy, saving the disk space of the
// second body. Failures keep the plain copy; the archive stays correct
// either way.
func (s *Server) hardlinkDuplicate(tx *store.Tx, assetID int64, relPath string) {
	firstRel, err := tx.FirstFilePathForAsset(assetID)
	if err != nil || firstRel == "" || firstRel == relPath {
		return
	}

	baseDir := s.engine.BaseDir()
	firstAbs := filepath.Join(baseDir, filepath.FromSlash(firstRel))
	dupAbs := filepath.Join(baseDir, filepath.FromSlash(relPath))

	// Link to a sibling temp name, then rename over the copy, so a failed
	// link never loses the file.
	tmp := dupAbs + ".lnk"

	if err := os.Link(firstAbs, tmp); err != nil {
		s.logger.Warn("hardlink dedup failed",
			slog.String("target", firstRel), slog.String("dup", relPath),
			slog.String("error", err.Error()))

		return
	}

	if err := os.Rename(tmp, dupAbs); err != nil {
		os.Remove(tmp)
	}
}

// validateSaveRequest returns an empty string when req is well formed,
// or the rejection reason.
func validateSaveRequest(req *saveRequest) string {
	if strings.TrimSpace(req.Author) == "" {
		return "author must not be blank"
	}

	if len(req.Images) == 0 {
		return "images must not be empty"
	}

	for _, raw := range req.Images {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return "images must be absolute http(s) URLs"
		}
	}

	return ""
}

// validSignature verifies an HMAC-SHA256 hex signature over body in
// constant time.
func validSignature(body []byte, signature, key string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)

	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// fetchPolicy maps the download section of the config onto the
// downloader's policy.
func fetchPolicy(cfg *config.Config) fetch.Policy {
	return fetch.Policy{
		AllowedTypes: cfg.Download.AllowedTypes,
		MaxAttempts:  cfg.Download.MaxAttempts,
		Timeout:      time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		Backoff:      time.Duration(cfg.RetryBackoff * float64(time.Second)),
	}
}

// failureReason classifies a download error for the response body.
func failureReason(err error) string {
	switch {
	case errors.Is(err, fetch.ErrTypeNotAllowed):
		return "type_not_allowed"
	case errors.Is(err, fetch.ErrRetriesExhausted):
		return "retries_exhausted"
	default:
		return err.Error()
	}
}
