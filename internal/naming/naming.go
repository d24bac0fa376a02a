// Package naming implements the deterministic folder and file naming
// scheme of the archive: 5-digit numbered author folders
// (NNNNN_<safe_author>) containing 3-digit numbered files
// (<folder>_III.<ext>). It owns the two locks that make allocation safe
// under concurrent saves: a process-wide mutex over base-directory folder
// numbering and a keyed per-folder mutex over file indices.
package naming

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Zero-padding widths of the naming scheme.
const (
	folderNumWidth = 5
	fileNumWidth   = 3
)

// dirPermissions is the mode for created author folders.
const dirPermissions = 0o755

// renameTempSuffix is the intermediate suffix used by two-phase renames,
// making rename cycles (a->b, b->a) impossible.
const renameTempSuffix = ".__renametmp__"

var (
	numberedFolderRe = regexp.MustCompile(`^(\d{5})_(.+)$`)
	stripPrefixRe    = regexp.MustCompile(`^(?:\d{5}_)+`)
	unsafeCharRe     = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// imageExts is the set of extensions the watcher and normalizer treat as
// images (lowercase, with dot).
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".gif": true, ".tiff": true, ".webp": true,
}

// IsImagePath reports whether path has a recognized image extension.
func IsImagePath(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// SafeAuthor converts an author string into its folder-name form: NFC
// normalized, with every character outside [A-Za-z0-9_-] replaced by an
// underscore.
func SafeAuthor(author string) string {
	return unsafeCharRe.ReplaceAllString(norm.NFC.String(author), "_")
}

// StripNumberPrefix removes any chain of leading NNNNN_ prefixes.
func StripNumberPrefix(name string) string {
	return stripPrefixRe.ReplaceAllString(name, "")
}

// Rename records one applied rename, paths relative to the base dir.
type Rename struct {
	OldRel string
	NewRel string
}

// Engine allocates folder and file names under a single base directory.
type Engine struct {
	baseDir        string
	sortMode       string
	conflictPolicy string
	exif           TakenAtReader
	logger         *slog.Logger

	// folderAlloc serializes base-dir scans and mkdir for folder-number
	// allocation across concurrent saves.
	folderAlloc sync.Mutex

	// folderLocks serializes file-index allocation per author folder.
	folderLocks *keyedMutex

	// reserved tracks placeholder paths of in-flight saves, letting the
	// watcher tell the daemon's own placements from external files.
	resMu    sync.Mutex
	reserved map[string]struct{}
}

// New creates an Engine rooted at baseDir. sortMode and conflictPolicy
// take the config values ("name"/"mtime"/"exif", "skip"/"dedup"); exif
// may be UnknownTakenAt{} when EXIF parsing is not wanted.
func New(baseDir, sortMode, conflictPolicy string, exif TakenAtReader, logger *slog.Logger) *Engine {
	if exif == nil {
		exif = UnknownTakenAt{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		baseDir:        baseDir,
		sortMode:       sortMode,
		conflictPolicy: conflictPolicy,
		exif:           exif,
		logger:         logger,
		folderLocks:    newKeyedMutex(),
		reserved:       make(map[string]struct{}),
	}
}

// BaseDir returns the engine's base directory.
func (e *Engine) BaseDir() string {
	return e.baseDir
}

// LockFolder acquires the per-folder index lock for folderName and
// returns its unlock function. Exposed for callers that must hold the
// lock across a download batch.
func (e *Engine) LockFolder(folderName string) func() {
	return e.folderLocks.Lock(folderName)
}

// ResolveAuthorFolder maps an author string to its folder, creating the
// folder on first use. The mapping is idempotent: the first existing
// directory named NNNNN_<safe> wins, and allocation of a new number
// happens in the same critical section as the mkdir.
func (e *Engine) ResolveAuthorFolder(author string) (string, error) {
	safe := SafeAuthor(author)

	e.folderAlloc.Lock()
	defer e.folderAlloc.Unlock()

	if err := os.MkdirAll(e.baseDir, dirPermissions); err != nil {
		return "", fmt.Errorf("naming: creating base dir: %w", err)
	}

	existing, maxIdx, err := e.scanFolders()
	if err != nil {
		return "", err
	}

	pattern := regexp.MustCompile(`^\d{5}_` + regexp.QuoteMeta(safe) + `$`)
	for _, name := range existing {
		if pattern.MatchString(name) {
			return filepath.Join(e.baseDir, name), nil
		}
	}

	name := fmt.Sprintf("%0*d_%s", folderNumWidth, maxIdx+1, safe)
	path := filepath.Join(e.baseDir, name)

	if err := os.Mkdir(path, dirPermissions); err != nil {
		return "", fmt.Errorf("naming: creating author folder %s: %w", name, err)
	}

	e.logger.Info("created author folder", slog.String("folder", name))

	return path, nil
}

// scanFolders lists immediate child directory names of baseDir (sorted)
// and the highest NNNNN prefix in use. Caller holds folderAlloc.
func (e *Engine) scanFolders() ([]string, int, error) {
	entries, err := os.ReadDir(e.baseDir)
	if err != nil {
		return nil, 0, fmt.Errorf("naming: reading base dir: %w", err)
	}

	var (
		names  []string
		maxIdx int
	)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		names = append(names, name)

		if m := numberedFolderRe.FindStringSubmatch(name); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > maxIdx {
				maxIdx = n
			}
		}
	}

	sort.Strings(names)

	return names, maxIdx, nil
}

// ReserveNames reserves the next len(exts) file indices in folder and
// returns the full paths, one per extension (lowercase, with dot). Empty
// placeholder files are created at the reserved names before the
// per-folder lock is released, so concurrent reservations never collide
// even while downloads run outside the lock.
func (e *Engine) ReserveNames(folder string, exts []string) ([]string, error) {
	folderName := filepath.Base(folder)

	unlock := e.folderLocks.Lock(folderName)
	defer unlock()

	maxIdx, err := maxFileIndex(folder)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(exts))

	for i, ext := range exts {
		name := fmt.Sprintf("%s_%0*d%s", folderName, fileNumWidth, maxIdx+1+i, strings.ToLower(ext))
		path := filepath.Join(folder, name)

		f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if createErr != nil {
			// Roll back placeholders created so far.
			for _, p := range paths {
				os.Remove(p)
			}

			return nil, fmt.Errorf("naming: reserving %s: %w", name, createErr)
		}

		f.Close()
		paths = append(paths, path)
	}

	e.resMu.Lock()
	for _, p := range paths {
		e.reserved[p] = struct{}{}
	}
	e.resMu.Unlock()

	return paths, nil
}

// IsReserved reports whether path is a placeholder of an in-flight save.
func (e *Engine) IsReserved(path string) bool {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	_, ok := e.reserved[path]

	return ok
}

// CommitName clears the reservation of a placed file once its metadata
// has been recorded. The file itself stays.
func (e *Engine) CommitName(path string) {
	e.resMu.Lock()
	delete(e.reserved, path)
	e.resMu.Unlock()
}

// ReleaseName removes a placeholder whose download failed.
func (e *Engine) ReleaseName(path string) {
	e.resMu.Lock()
	delete(e.reserved, path)
	e.resMu.Unlock()

	if info, err := os.Stat(path); err == nil && info.Size() == 0 {
		os.Remove(path)
	}
}

// fileIndexPattern matches conforming file stems within folderName.
func fileIndexPattern(folderName string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(folderName) +
		`_(\d{` + strconv.Itoa(fileNumWidth) + `})$`)
}

// maxFileIndex scans folder for conforming file names and returns the
// highest 3-digit index in use (0 if none).
func maxFileIndex(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, fmt.Errorf("naming: reading folder %s: %w", folder, err)
	}

	pattern := fileIndexPattern(filepath.Base(folder))
	maxIdx := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if m := pattern.FindStringSubmatch(stem); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > maxIdx {
				maxIdx = n
			}
		}
	}

	return maxIdx, nil
}
