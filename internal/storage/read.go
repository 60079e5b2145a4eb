package storage

import (
	"context"
	"io"

	"github.com/onexay/gitstore/internal/git"
	"github.com/onexay/gitstore/internal/types"
)

func revision(rev string) string {
	if rev == "" {
		return git.Tip
	}
	return rev
}

// ShowFile writes the content of path as recorded at rev to w. An empty rev
// selects the current tip.
func (r *Repository) ShowFile(ctx context.Context, rev string, target ResolvedPath, w io.Writer) error {
	rev = revision(rev)
	if err := r.git.Show(ctx, rev, target.Logical, w); err != nil {
		return notFound(err, "file", target.Logical+"@"+rev)
	}
	return nil
}

// ListTree returns the tracked file paths under prefix at rev. An empty
// listing, including one for an unknown revision or prefix, is a NotFoundError.
func (r *Repository) ListTree(ctx context.Context, rev, prefix string) ([]string, error) {
	rev = revision(rev)

	if prefix != "" {
		cleaned, err := RelativePath(prefix)
		if err != nil {
			return nil, err
		}
		prefix = cleaned
	}

	paths, err := r.git.LsTree(ctx, rev, prefix)
	if err != nil {
		return nil, notFound(err, "tree", rev+":"+prefix)
	}
	if len(paths) == 0 {
		return nil, &NotFoundError{Resource: "tree", Key: rev + ":" + prefix}
	}
	return paths, nil
}

// ListCommits returns the full history of the repository, newest first.
func (r *Repository) ListCommits(ctx context.Context) (types.History, error) {
	commits, err := r.git.Log(ctx)
	if err != nil {
		return types.History{}, err
	}
	return types.NewHistory(commits), nil
}
