package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const discardTimeout = 30 * time.Second

// WriteFile stores body at target and commits it as "POST <path>". The body
// is read to completion before the working tree is touched, so a failed or
// cancelled stream never produces a commit.
func (r *Repository) WriteFile(ctx context.Context, target ResolvedPath, body io.Reader) (CommitResult, error) {
	if !within(r.Root(), target.Abs) {
		return CommitResult{}, &ValidationError{Message: fmt.Sprintf("file path %q escapes the repository", target.Logical)}
	}

	spooled, err := r.manager.spoolPayload(ctx, body, r.manager.opts.MaxUploadBytes)
	if err != nil {
		return CommitResult{}, err
	}
	defer os.Remove(spooled)

	message := "POST " + target.Logical
	var result CommitResult
	err = r.mutate(ctx, func(ctx context.Context) error {
		if err := place(spooled, target.Abs); err != nil {
			return err
		}
		if err := r.git.Add(ctx, target.Logical); err != nil {
			return err
		}
		hash, err := r.git.Commit(ctx, message)
		if err != nil {
			return err
		}
		result = CommitResult{Commit: hash, Message: message, Paths: []string{target.Logical}}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	r.manager.metrics.RecordCommit(commitKindFile)
	r.manager.logger.Info("file committed",
		zap.String("tenant", r.tenant),
		zap.String("path", target.Logical),
		zap.String("commit", result.Commit))
	return result, nil
}

// mutate runs fn under the tenant lock. When fn fails the working tree and
// index are reset to the tip so no partial change survives.
func (r *Repository) mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	unlock, err := r.manager.lock(ctx, r.tenant)
	if err != nil {
		return err
	}
	defer unlock()

	if err := fn(ctx); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
		defer cancel()
		if discardErr := r.git.Discard(cleanupCtx); discardErr != nil {
			r.manager.logger.Error("failed to discard working tree changes",
				zap.String("tenant", r.tenant), zap.Error(discardErr))
		}
		return err
	}
	return nil
}

// place moves a spooled file to dst, creating intermediate directories.
func place(spooled, dst string) error {
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		return &ValidationError{Message: fmt.Sprintf("%s is a directory", filepath.Base(dst))}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return pathError(err)
	}
	if err := os.Rename(spooled, dst); err != nil {
		return pathError(err)
	}
	return nil
}

// pathError reports a file colliding with a directory component as a client error.
func pathError(err error) error {
	if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EEXIST) || errors.Is(err, syscall.EISDIR) {
		return &ValidationError{Message: err.Error()}
	}
	return err
}

// spoolPayload copies r into a temporary file under the spool directory and returns
// its path. limit caps the payload size when positive.
func (m *Manager) spoolPayload(ctx context.Context, r io.Reader, limit int64) (string, error) {
	f, err := os.CreateTemp(m.spool, "payload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	name := f.Name()

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && limit > 0 && n > limit {
		err = &ValidationError{Message: fmt.Sprintf("payload exceeds %d bytes", limit)}
	}
	if err == nil {
		err = os.Chmod(name, 0o644)
	}
	if err != nil {
		_ = os.Remove(name)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}

	m.metrics.ObservePayload(n)
	return name, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
