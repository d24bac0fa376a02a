package naming

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// NormalizeFolder renames every non-conforming image file in folder to
// the canonical <folder>_III.<ext> scheme. Files already conforming keep
// their index. Non-conforming files are ordered by the configured sort
// mode and assigned indices past the current maximum. Renames go through
// a temp intermediate so cycles are impossible; commit conflicts apply
// the configured conflict policy. When preview is true the plan is logged
// and nothing is touched.
//
// Running the normalizer twice leaves the folder unchanged on the second
// pass.
func (e *Engine) NormalizeFolder(folder string, preview bool) ([]Rename, error) {
	folderName := filepath.Base(folder)

	unlock := e.folderLocks.Lock(folderName)
	defer unlock()

	nonconforming, maxIdx, err := e.splitConforming(folder)
	if err != nil {
		return nil, err
	}

	if len(nonconforming) == 0 {
		return nil, nil
	}

	e.sortFiles(folder, nonconforming)

	// Plan target names first; commit via temp intermediates.
	type step struct {
		src, dst string
	}

	plan := make([]step, 0, len(nonconforming))

	for i, name := range nonconforming {
		ext := strings.ToLower(filepath.Ext(name))
		dst := fmt.Sprintf("%s_%0*d%s", folderName, fileNumWidth, maxIdx+1+i, ext)
		plan = append(plan, step{src: name, dst: dst})
	}

	if preview {
		for _, p := range plan {
			e.logger.Info("normalize preview",
				slog.String("folder", folderName),
				slog.String("from", p.src),
				slog.String("to", p.dst),
			)
		}

		return nil, nil
	}

	// Phase one: move every source aside.
	temps := make([]string, 0, len(plan))

	for _, p := range plan {
		tmp := uniqueTempName(filepath.Join(folder, p.src))
		if err := os.Rename(filepath.Join(folder, p.src), tmp); err != nil {
			return nil, fmt.Errorf("naming: staging %s: %w", p.src, err)
		}

		temps = append(temps, tmp)
	}

	// Phase two: commit to final names, resolving conflicts.
	var renames []Rename

	for i, p := range plan {
		final, err := e.commitRename(folder, temps[i], p.src, p.dst)
		if err != nil {
			return renames, err
		}

		if final == p.src {
			continue // skip policy rolled the file back
		}

		renames = append(renames, Rename{
			OldRel: relJoin(folderName, p.src),
			NewRel: relJoin(folderName, final),
		})

		e.logger.Info("normalized file",
			slog.String("folder", folderName),
			slog.String("from", p.src),
			slog.String("to", final),
		)
	}

	return renames, nil
}

// splitConforming lists image files in folder, returning the
// non-conforming names and the highest conforming index.
func (e *Engine) splitConforming(folder string) ([]string, int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, 0, fmt.Errorf("naming: reading folder %s: %w", folder, err)
	}

	pattern := fileIndexPattern(filepath.Base(folder))

	var (
		nonconforming []string
		maxIdx        int
	)

	for _, entry := range entries {
		if entry.IsDir() || !IsImagePath(entry.Name()) {
			continue
		}

		name := entry.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))

		if m := pattern.FindStringSubmatch(stem); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > maxIdx {
				maxIdx = n
			}

			continue
		}

		nonconforming = append(nonconforming, name)
	}

	return nonconforming, maxIdx, nil
}

// sortFiles orders names by the engine's sort mode: lexical name
// (default), mtime, or EXIF capture time with mtime fallback.
func (e *Engine) sortFiles(folder string, names []string) {
	type key struct {
		primary   int64
		secondary string
		unknown   bool
	}

	keyOf := func(name string) key {
		lower := strings.ToLower(name)

		switch e.sortMode {
		case "mtime":
			info, err := os.Stat(filepath.Join(folder, name))
			if err != nil {
				return key{secondary: lower}
			}

			return key{primary: info.ModTime().UnixNano(), secondary: lower}

		case "exif":
			path := filepath.Join(folder, name)
			if t, ok := e.exif.TakenAt(path); ok {
				return key{primary: t.UnixNano(), secondary: lower}
			}

			info, err := os.Stat(path)
			if err != nil {
				return key{secondary: lower, unknown: true}
			}

			// Files without EXIF sort after those with it.
			return key{primary: info.ModTime().UnixNano(), secondary: lower, unknown: true}

		default:
			return key{secondary: lower}
		}
	}

	keys := make(map[string]key, len(names))
	for _, n := range names {
		keys[n] = keyOf(n)
	}

	sort.SliceStable(names, func(i, j int) bool {
		a, b := keys[names[i]], keys[names[j]]

		if a.unknown != b.unknown {
			return !a.unknown
		}

		if a.primary != b.primary {
			return a.primary < b.primary
		}

		return a.secondary < b.secondary
	})
}

// commitRename moves a staged temp file to its final name, applying the
// conflict policy when the target already exists. Returns the basename
// the file ended up with (the original name when skip rolls it back).
func (e *Engine) commitRename(folder, tmp, original, target string) (string, error) {
	targetPath := filepath.Join(folder, target)

	if _, err := os.Stat(targetPath); err == nil {
		if e.conflictPolicy == "dedup" {
			targetPath = dedupTarget(targetPath)
		} else {
			// skip: roll back to the original name, suffixed when taken.
			back := filepath.Join(folder, original)
			for k := 1; ; k++ {
				if _, statErr := os.Stat(back); os.IsNotExist(statErr) {
					break
				}

				ext := filepath.Ext(original)
				stem := strings.TrimSuffix(original, ext)
				back = filepath.Join(folder, fmt.Sprintf("%s_keep%d%s", stem, k, ext))
			}

			if err := os.Rename(tmp, back); err != nil {
				return "", fmt.Errorf("naming: rolling back %s: %w", original, err)
			}

			e.logger.Warn("normalize conflict, kept original",
				slog.String("target", target),
				slog.String("kept_as", filepath.Base(back)),
			)

			return filepath.Base(back), nil
		}
	}

	if err := os.Rename(tmp, targetPath); err != nil {
		return "", fmt.Errorf("naming: committing %s: %w", target, err)
	}

	return filepath.Base(targetPath), nil
}

// AdoptFolder gives an unnumbered directory a 5-digit prefix and
// normalizes its contents. Already numbered directories are normalized
// in place. Returns the folder's (possibly new) path and the renames
// applied to its files.
func (e *Engine) AdoptFolder(dir string, preview bool) (string, []Rename, error) {
	name := filepath.Base(dir)

	if numberedFolderRe.MatchString(name) {
		renames, err := e.NormalizeFolder(dir, preview)
		return dir, renames, err
	}

	stripped := StripNumberPrefix(name)
	if stripped == "" {
		stripped = name
	}

	e.folderAlloc.Lock()

	_, maxIdx, err := e.scanFolders()
	if err != nil {
		e.folderAlloc.Unlock()
		return "", nil, err
	}

	newName := fmt.Sprintf("%0*d_%s", folderNumWidth, maxIdx+1, stripped)
	newPath := filepath.Join(e.baseDir, newName)

	if preview {
		e.folderAlloc.Unlock()
		e.logger.Info("adopt preview",
			slog.String("from", name), slog.String("to", newName))

		return dir, nil, nil
	}

	tmp := uniqueTempName(dir)
	if err := os.Rename(dir, tmp); err != nil {
		e.folderAlloc.Unlock()
		return "", nil, fmt.Errorf("naming: staging folder %s: %w", name, err)
	}

	if _, statErr := os.Stat(newPath); statErr == nil {
		newPath = dedupTarget(newPath)
	}

	if err := os.Rename(tmp, newPath); err != nil {
		e.folderAlloc.Unlock()
		return "", nil, fmt.Errorf("naming: adopting folder %s: %w", name, err)
	}

	e.folderAlloc.Unlock()

	e.logger.Info("adopted folder",
		slog.String("from", name), slog.String("to", filepath.Base(newPath)))

	renames, err := e.NormalizeFolder(newPath, false)

	return newPath, renames, err
}

// AdoptLooseFile moves a file sitting directly in the base dir into an
// author folder derived from its stem, then normalizes that folder.
// Returns the folder path and every rename applied, including the move
// itself.
func (e *Engine) AdoptLooseFile(path string) (string, []Rename, error) {
	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	author := StripNumberPrefix(stem)
	if author == "" {
		author = stem
	}

	folder, err := e.ResolveAuthorFolder(author)
	if err != nil {
		return "", nil, err
	}

	dst := filepath.Join(folder, name)
	if _, statErr := os.Stat(dst); statErr == nil {
		dst = dedupTarget(dst)
	}

	if err := os.Rename(path, dst); err != nil {
		return "", nil, fmt.Errorf("naming: moving loose file %s: %w", name, err)
	}

	folderName := filepath.Base(folder)
	renames := []Rename{{OldRel: name, NewRel: relJoin(folderName, filepath.Base(dst))}}

	moved := filepath.Base(dst)

	more, err := e.NormalizeFolder(folder, false)
	if err != nil {
		return folder, renames, err
	}

	// Collapse the move + normalize rename of the same file into one record.
	for _, r := range more {
		if r.OldRel == relJoin(folderName, moved) {
			renames[0].NewRel = r.NewRel
		} else {
			renames = append(renames, r)
		}
	}

	return folder, renames, nil
}

// uniqueTempName returns an unused temp name next to path.
func uniqueTempName(path string) string {
	tmp := path + renameTempSuffix

	for i := 1; ; i++ {
		if _, err := os.Stat(tmp); os.IsNotExist(err) {
			return tmp
		}

		tmp = path + renameTempSuffix + strconv.Itoa(i)
	}
}

// dedupTarget appends _<k> to the stem until the name is free.
func dedupTarget(target string) string {
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)

	for i := 1; ; i++ {
		alt := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(alt); os.IsNotExist(err) {
			return alt
		}
	}
}

// relJoin builds a forward-slash relative path.
func relJoin(parts ...string) string {
	return strings.Join(parts, "/")
}
