package storage

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UploadArchive extracts a zip payload into the working tree and commits
// every change of the tree as "POST upload <name>".
func (r *Repository) UploadArchive(ctx context.Context, name string, payload io.Reader) (CommitResult, error) {
	spooled, err := r.manager.spoolPayload(ctx, payload, r.manager.opts.MaxUploadBytes)
	if err != nil {
		return CommitResult{}, err
	}
	defer os.Remove(spooled)

	archive, err := zip.OpenReader(spooled)
	if err != nil {
		return CommitResult{}, &ValidationError{Message: fmt.Sprintf("invalid archive %q: %v", name, err)}
	}
	defer archive.Close()

	entries, err := r.plan(archive.File)
	if err != nil {
		return CommitResult{}, err
	}

	name = subjectName(name)
	message := "POST upload " + name
	var result CommitResult
	err = r.mutate(ctx, func(ctx context.Context) error {
		if err := r.extract(ctx, entries); err != nil {
			return err
		}
		if err := r.git.AddAll(ctx); err != nil {
			return err
		}
		hash, err := r.git.Commit(ctx, message)
		if err != nil {
			return err
		}
		result = CommitResult{Commit: hash, Message: message, Paths: entries.paths()}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	r.manager.metrics.RecordCommit(commitKindUpload)
	r.manager.metrics.AddExtracted(len(entries.files))
	r.manager.logger.Info("archive committed",
		zap.String("tenant", r.tenant),
		zap.String("archive", name),
		zap.Int("files", len(entries.files)),
		zap.String("commit", result.Commit))
	return result, nil
}

type archiveEntry struct {
	file *zip.File
	path ResolvedPath
}

type extractionPlan struct {
	dirs  []string
	files []archiveEntry
}

func (p extractionPlan) paths() []string {
	out := make([]string, 0, len(p.files))
	for _, entry := range p.files {
		out = append(out, entry.path.Logical)
	}
	return out
}

// plan validates every entry before anything is written. Symlinks are
// skipped and a later entry for the same path replaces an earlier one.
func (r *Repository) plan(files []*zip.File) (extractionPlan, error) {
	var (
		plan  extractionPlan
		total uint64
		index = make(map[string]int)
	)
	limit := r.manager.opts.MaxExtractBytes

	for _, f := range files {
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			r.manager.logger.Debug("skipping symlink archive entry",
				zap.String("tenant", r.tenant), zap.String("entry", f.Name))
			continue
		}
		if strings.Trim(f.Name, "/") == "" {
			continue
		}

		name := strings.ReplaceAll(f.Name, `\`, "/")
		target, err := ResolvePath(r.Root(), name)
		if err != nil || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
			return extractionPlan{}, &ValidationError{Message: fmt.Sprintf("invalid archive entry %q", f.Name)}
		}

		if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
			plan.dirs = append(plan.dirs, target.Abs)
			continue
		}

		total += f.UncompressedSize64
		if limit > 0 && total > uint64(limit) {
			return extractionPlan{}, &ValidationError{Message: fmt.Sprintf("archive expands beyond %d bytes", limit)}
		}

		entry := archiveEntry{file: f, path: target}
		if i, ok := index[target.Logical]; ok {
			plan.files[i] = entry
			continue
		}
		index[target.Logical] = len(plan.files)
		plan.files = append(plan.files, entry)
	}
	return plan, nil
}

// extract materializes the plan. Directories are created first so the
// concurrent file writers never race on a shared parent.
func (r *Repository) extract(ctx context.Context, plan extractionPlan) error {
	for _, dir := range plan.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pathError(err)
		}
	}
	for _, entry := range plan.files {
		if err := os.MkdirAll(filepath.Dir(entry.path.Abs), 0o755); err != nil {
			return pathError(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.manager.opts.ExtractConcurrency)
	for _, entry := range plan.files {
		entry := entry
		g.Go(func() error {
			return extractEntry(gctx, entry)
		})
	}
	return g.Wait()
}

func extractEntry(ctx context.Context, entry archiveEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info, err := os.Lstat(entry.path.Abs); err == nil && info.IsDir() {
		return &ValidationError{Message: fmt.Sprintf("archive entry %q replaces a directory", entry.path.Logical)}
	}

	src, err := entry.file.Open()
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("failed to open archive entry %q: %v", entry.path.Logical, err)}
	}
	defer src.Close()

	perm := entry.file.Mode().Perm() | 0o600
	dst, err := os.OpenFile(entry.path.Abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm&0o755)
	if err != nil {
		return pathError(err)
	}

	_, err = io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return &ValidationError{Message: fmt.Sprintf("corrupt archive entry %q", entry.path.Logical)}
		}
		return fmt.Errorf("failed to extract %q: %w", entry.path.Logical, err)
	}
	return nil
}
