package gc

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"chunkvault/internal/digest"
	"chunkvault/internal/namespace"
	"chunkvault/internal/worker"
)

// topLevelSkip names the datastore's own bookkeeping entries, never
// descended into by the phase-1 walk.
var topLevelSkip = map[string]bool{
	".chunks":            true,
	".lock":              true,
	".gc-status":         true,
	".gc-status.history": true,
	"locks":              true,
}

type markResult struct {
	indexFiles     int64
	marked         int64
	missing        int64
	strange        int64
	indexDataBytes uint64
}

// mark finds every .fidx/.didx file in the datastore tree and touches the
// chunks each one references. Paths outside the <type>/<id>/<rfc3339>/
// scheme are counted as strange but still marked, per this repo's
// permissive-by-default policy. Progress is logged at whole-percent
// granularity over the collected index list.
func (d *Driver) mark(wctx *worker.Context, status *Status) (markResult, error) {
	var result markResult

	indexPaths, err := d.collectIndexFiles(&result)
	if err != nil {
		return result, err
	}

	lastPercent := -1
	for i, path := range indexPaths {
		if err := wctx.Poll(); err != nil {
			return result, err
		}
		if err := d.markIndexFile(wctx, path, &result); err != nil {
			return result, err
		}
		if percent := (i + 1) * 100 / len(indexPaths); percent != lastPercent {
			lastPercent = percent
			d.logger.Info("gc mark progress", "percent", percent, "indexes", i+1, "total", len(indexPaths))
		}
	}
	return result, nil
}

// collectIndexFiles walks the datastore tree once, up front, so the mark
// loop knows its total and can report percent progress. lost+found
// permission errors are tolerated at depth 1 only.
func (d *Driver) collectIndexFiles(result *markResult) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(d.cfg.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			rel, relErr := filepath.Rel(d.cfg.Root, path)
			if relErr == nil && strings.Count(rel, string(filepath.Separator)) == 0 && entry != nil && entry.Name() == "lost+found" {
				return fs.SkipDir
			}
			return err
		}

		if path == d.cfg.Root {
			return nil
		}

		rel, err := filepath.Rel(d.cfg.Root, path)
		if err != nil {
			return err
		}
		name := entry.Name()

		if entry.IsDir() {
			if topLevelSkip[name] || strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			if d.skipped(rel) {
				return fs.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}
		if d.skipped(rel) {
			return nil
		}
		if !strings.HasSuffix(name, ".fidx") && !strings.HasSuffix(name, ".didx") {
			return nil
		}

		if !canonicalIndexPath(rel) {
			result.strange++
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (d *Driver) skipped(rel string) bool {
	for _, pattern := range d.cfg.SkipGlobs {
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}

// canonicalIndexPath reports whether rel matches <type>/<id>/<rfc3339>/<name>.
func canonicalIndexPath(rel string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return false
	}
	return namespace.AllowedGroupTypes[parts[0]] && parts[1] != "" && namespace.IsSnapshotName(parts[2])
}

func (d *Driver) markIndexFile(wctx *worker.Context, path string, result *markResult) error {
	if d.cfg.OpenIndex == nil {
		return nil
	}
	idx, err := d.cfg.OpenIndex(path)
	if err != nil {
		d.logger.Warn("gc: skipping unreadable index", "path", path, "error", err)
		return nil
	}
	result.indexFiles++
	result.indexDataBytes += idx.IndexBytes()

	for pos := 0; pos < idx.IndexCount(); pos++ {
		if err := wctx.Poll(); err != nil {
			return err
		}
		dg, err := idx.IndexDigest(pos)
		if err != nil {
			continue
		}
		touched, err := d.cfg.Chunks.CondTouchChunk(dg, false)
		if err != nil {
			return err
		}
		if !touched {
			result.missing++
			d.logger.Warn("gc: index references missing chunk", "path", path, "digest", dg.String())
		} else {
			result.marked++
		}
		d.touchBadSidecars(dg)
	}
	return nil
}

// touchBadSidecars keeps a digest's .<n>.bad markers alive alongside its
// base chunk while that chunk is still referenced. n ranges over 0..9,
// matching the on-disk convention (see chunkstore.BadChunkPath).
func (d *Driver) touchBadSidecars(dg digest.Digest) {
	for n := 0; n < 10; n++ {
		_, _ = d.cfg.Chunks.CondTouchPath(d.cfg.Chunks.BadChunkPath(dg, n), false)
	}
}
