package git_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onexay/gitstore/internal/git"
	"github.com/onexay/gitstore/internal/types"
)

func newRepo(t *testing.T) *git.Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := filepath.Join(t.TempDir(), "tenant")
	require.NoError(t, os.Mkdir(dir, 0o755))

	repo := git.Open("git", dir, types.Author{Name: "Some User", Email: "some@example.com"})
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func writeFile(t *testing.T, repo *git.Repo, rel, content string) {
	t.Helper()
	path := filepath.Join(repo.Dir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("commits and reads back files", func(t *testing.T) {
		repo := newRepo(t)
		require.True(t, repo.Initialized())

		writeFile(t, repo, "a/b/c.json", `{"x":1}`)
		require.NoError(t, repo.Add(ctx, "a/b/c.json"))
		hash, err := repo.Commit(ctx, "POST a/b/c.json")
		require.NoError(t, err)
		require.Len(t, hash, 40)

		var buf bytes.Buffer
		require.NoError(t, repo.Show(ctx, hash, "a/b/c.json", &buf))
		require.Equal(t, `{"x":1}`, buf.String())

		buf.Reset()
		require.NoError(t, repo.Show(ctx, git.Tip, "a/b/c.json", &buf))
		require.Equal(t, `{"x":1}`, buf.String())

		paths, err := repo.LsTree(ctx, git.Tip, "")
		require.NoError(t, err)
		require.Equal(t, []string{"a/b/c.json"}, paths)

		paths, err = repo.LsTree(ctx, hash, "a/b")
		require.NoError(t, err)
		require.Equal(t, []string{"a/b/c.json"}, paths)
	})

	t.Run("reports missing objects as not found", func(t *testing.T) {
		repo := newRepo(t)

		err := repo.Show(ctx, git.Tip, "missing.txt", &bytes.Buffer{})
		require.ErrorIs(t, err, git.ErrNotFound)

		writeFile(t, repo, "dir/file.txt", "content")
		require.NoError(t, repo.AddAll(ctx))
		_, err = repo.Commit(ctx, "initial")
		require.NoError(t, err)

		err = repo.Show(ctx, git.Tip, "missing.txt", &bytes.Buffer{})
		require.ErrorIs(t, err, git.ErrNotFound)

		err = repo.Show(ctx, git.Tip, "dir", &bytes.Buffer{})
		require.ErrorIs(t, err, git.ErrNotFound)

		err = repo.Show(ctx, "0123456789abcdef0123456789abcdef01234567", "dir/file.txt", &bytes.Buffer{})
		require.ErrorIs(t, err, git.ErrNotFound)

		_, err = repo.LsTree(ctx, "no-such-branch", "")
		require.ErrorIs(t, err, git.ErrNotFound)

		paths, err := repo.LsTree(ctx, git.Tip, "elsewhere")
		require.NoError(t, err)
		require.Empty(t, paths)
	})

	t.Run("rejects option-like revisions", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.ResolveCommit(ctx, "--all")
		require.ErrorIs(t, err, git.ErrNotFound)

		_, err = repo.LsTree(ctx, "-r", "")
		require.ErrorIs(t, err, git.ErrNotFound)
	})

	t.Run("logs history newest first with author", func(t *testing.T) {
		repo := newRepo(t)

		commits, err := repo.Log(ctx)
		require.NoError(t, err)
		require.Empty(t, commits)

		first, err := repo.Commit(ctx, "first")
		require.NoError(t, err)

		other := repo.WithAuthor(types.Author{Name: "Other User", Email: "other@example.com"})
		second, err := other.Commit(ctx, "second")
		require.NoError(t, err)

		commits, err = repo.Log(ctx)
		require.NoError(t, err)
		require.Len(t, commits, 2)
		require.Equal(t, second, commits[0].Hash)
		require.Equal(t, "second", commits[0].Message)
		require.Equal(t, "Other User", commits[0].AuthorName)
		require.Equal(t, "other@example.com", commits[0].AuthorEmail)
		require.Equal(t, []string{first}, commits[0].Parents)
		require.Equal(t, first, commits[1].Hash)
		require.Equal(t, "Some User", commits[1].AuthorName)
		require.Empty(t, commits[1].Parents)
	})

	t.Run("treats paths literally", func(t *testing.T) {
		repo := newRepo(t)

		writeFile(t, repo, "a", "top")
		require.NoError(t, repo.Add(ctx, "a"))
		_, err := repo.Commit(ctx, "POST a")
		require.NoError(t, err)

		writeFile(t, repo, ":/a", "nested")
		writeFile(t, repo, "*.txt", "star")
		writeFile(t, repo, "b.txt", "untouched")
		require.NoError(t, repo.Add(ctx, ":/a", "*.txt"))
		_, err = repo.Commit(ctx, "POST :/a")
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, repo.Show(ctx, git.Tip, ":/a", &buf))
		require.Equal(t, "nested", buf.String())

		paths, err := repo.LsTree(ctx, git.Tip, "")
		require.NoError(t, err)
		require.Equal(t, []string{"*.txt", ":/a", "a"}, paths)

		paths, err = repo.LsTree(ctx, git.Tip, ":")
		require.NoError(t, err)
		require.Equal(t, []string{":/a"}, paths)
	})

	t.Run("stages paths matched by ignore rules", func(t *testing.T) {
		repo := newRepo(t)

		writeFile(t, repo, ".gitignore", "*.log\n")
		require.NoError(t, repo.Add(ctx, ".gitignore"))
		_, err := repo.Commit(ctx, "POST .gitignore")
		require.NoError(t, err)

		writeFile(t, repo, "app.log", "single")
		require.NoError(t, repo.Add(ctx, "app.log"))
		_, err = repo.Commit(ctx, "POST app.log")
		require.NoError(t, err)

		writeFile(t, repo, "logs/bulk.log", "bulk")
		require.NoError(t, repo.AddAll(ctx))
		_, err = repo.Commit(ctx, "POST upload logs.zip")
		require.NoError(t, err)

		paths, err := repo.LsTree(ctx, git.Tip, "")
		require.NoError(t, err)
		require.Equal(t, []string{".gitignore", "app.log", "logs/bulk.log"}, paths)
	})

	t.Run("discards uncommitted changes", func(t *testing.T) {
		repo := newRepo(t)

		writeFile(t, repo, "pending.txt", "pending")
		require.NoError(t, repo.AddAll(ctx))
		require.NoError(t, repo.Discard(ctx))
		require.NoFileExists(t, filepath.Join(repo.Dir(), "pending.txt"))

		writeFile(t, repo, "kept.txt", "kept")
		require.NoError(t, repo.AddAll(ctx))
		_, err := repo.Commit(ctx, "keep")
		require.NoError(t, err)

		writeFile(t, repo, "kept.txt", "changed")
		writeFile(t, repo, "extra/new.txt", "new")
		require.NoError(t, repo.Add(ctx, "kept.txt"))
		require.NoError(t, repo.Discard(ctx))

		content, err := os.ReadFile(filepath.Join(repo.Dir(), "kept.txt"))
		require.NoError(t, err)
		require.Equal(t, "kept", string(content))
		require.NoDirExists(t, filepath.Join(repo.Dir(), "extra"))
	})
}

func TestValidRevision(t *testing.T) {
	require.True(t, git.ValidRevision("HEAD"))
	require.True(t, git.ValidRevision("master"))
	require.True(t, git.ValidRevision("HEAD~2"))
	require.True(t, git.ValidRevision("0123456789abcdef0123456789abcdef01234567"))
	require.False(t, git.ValidRevision(""))
	require.False(t, git.ValidRevision("--output=/tmp/x"))
	require.False(t, git.ValidRevision("HEAD:secret"))
	require.False(t, git.ValidRevision("a b"))
}
