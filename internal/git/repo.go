package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/onexay/gitstore/internal/types"
)

// Tip is the revision reference for the current tip of a repository.
const Tip = "HEAD"

// Repo is a handle on a single git working tree.
type Repo struct {
	binary string
	dir    string
	author types.Author
}

// Open returns a handle on the working tree at dir. The directory is not
// touched; use Init to create the git state. Commits made through the
// handle are attributed to author when it is set, otherwise git falls back
// to its own configuration.
func Open(binary, dir string, author types.Author) *Repo {
	if binary == "" {
		binary = "git"
	}
	return &Repo{binary: binary, dir: dir, author: author}
}

// Dir returns the working tree root.
func (r *Repo) Dir() string {
	return r.dir
}

// Author returns the identity commits are attributed to.
func (r *Repo) Author() types.Author {
	return r.author
}

// WithAuthor returns a copy of the handle that commits as author.
func (r *Repo) WithAuthor(author types.Author) *Repo {
	clone := *r
	if author.Name != "" {
		clone.author.Name = author.Name
	}
	if author.Email != "" {
		clone.author.Email = author.Email
	}
	return &clone
}

// Initialized reports whether the working tree has git state.
func (r *Repo) Initialized() bool {
	info, err := os.Stat(filepath.Join(r.dir, ".git"))
	return err == nil && info.IsDir()
}

// Init creates the git state for the working tree. Running it on an
// initialized repository is harmless.
func (r *Repo) Init(ctx context.Context) error {
	if err := r.run(ctx, nil, "-c", "init.defaultBranch=master", "init", "--quiet"); err != nil {
		return fmt.Errorf("failed to initialize repository in %q: %w", r.dir, err)
	}
	return nil
}

// Add stages the given repository-relative paths, including paths matched
// by a committed .gitignore.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--force", "--"}, paths...)
	if err := r.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("failed to stage %v: %w", paths, err)
	}
	return nil
}

// AddAll stages every addition, modification and deletion in the working
// tree. Ignore rules do not apply.
func (r *Repo) AddAll(ctx context.Context) error {
	if err := r.run(ctx, nil, "add", "--all", "--force"); err != nil {
		return fmt.Errorf("failed to stage working tree: %w", err)
	}
	return nil
}

// Commit records the index as a new commit and returns its hash. A commit
// is created even when the index matches the tip.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if err := r.run(ctx, nil, "commit", "--quiet", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit %q: %w", message, err)
	}
	out, err := r.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read new tip: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveCommit resolves rev to a full commit hash. Unknown or malformed
// revisions yield ErrNotFound.
func (r *Repo) ResolveCommit(ctx context.Context, rev string) (string, error) {
	if !ValidRevision(rev) {
		return "", fmt.Errorf("%w: invalid revision %q", ErrNotFound, rev)
	}
	out, err := r.output(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: revision %q", ErrNotFound, rev)
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Show writes the content of path as recorded in rev to w. The path must
// name a file at that revision.
func (r *Repo) Show(ctx context.Context, rev, path string, w io.Writer) error {
	commit, err := r.ResolveCommit(ctx, rev)
	if err != nil {
		return err
	}

	object := commit + ":" + path
	out, err := r.output(ctx, "cat-file", "-t", object)
	if err != nil {
		return classify(err)
	}
	if kind := strings.TrimSpace(string(out)); kind != "blob" {
		return fmt.Errorf("%w: %s is a %s", ErrNotFound, path, kind)
	}

	if err := r.run(ctx, w, "cat-file", "blob", object); err != nil {
		return fmt.Errorf("failed to read %q at %s: %w", path, commit, classify(err))
	}
	return nil
}

// LsTree lists the file paths under prefix at rev, recursively. An empty
// prefix lists the whole tree.
func (r *Repo) LsTree(ctx context.Context, rev, prefix string) ([]string, error) {
	if !ValidRevision(rev) {
		return nil, fmt.Errorf("%w: invalid revision %q", ErrNotFound, rev)
	}
	if prefix == "" {
		prefix = "."
	}

	out, err := r.output(ctx, "ls-tree", "-r", "--name-only", "-z", rev, "--", prefix)
	if err != nil {
		return nil, classify(err)
	}

	var paths []string
	for _, name := range strings.Split(string(out), "\x00") {
		if name != "" {
			paths = append(paths, name)
		}
	}
	return paths, nil
}

// HasCommits reports whether the repository tip points at a commit.
func (r *Repo) HasCommits(ctx context.Context) (bool, error) {
	_, err := r.ResolveCommit(ctx, Tip)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Discard drops every uncommitted change so the working tree and index
// match the tip again.
func (r *Repo) Discard(ctx context.Context) error {
	hasCommits, err := r.HasCommits(ctx)
	if err != nil {
		return err
	}

	if hasCommits {
		err = r.run(ctx, nil, "reset", "--hard", "--quiet", Tip)
	} else {
		err = r.run(ctx, nil, "read-tree", "--empty")
	}
	if err != nil {
		return fmt.Errorf("failed to reset index: %w", err)
	}

	if err := r.run(ctx, nil, "clean", "-f", "-d", "-x", "--quiet"); err != nil {
		return fmt.Errorf("failed to clean working tree: %w", err)
	}
	return nil
}

// ValidRevision reports whether rev is safe to pass to git as a revision:
// it must not look like an option nor carry a path or whitespace.
func ValidRevision(rev string) bool {
	if rev == "" || len(rev) > 256 || strings.HasPrefix(rev, "-") {
		return false
	}
	for _, c := range rev {
		if c <= ' ' || c == ':' || c == 0x7f || c == '\\' {
			return false
		}
	}
	return true
}

func (r *Repo) output(ctx context.Context, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	if err := r.run(ctx, &stdout, args...); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (r *Repo) run(ctx context.Context, stdout io.Writer, args ...string) error {
	full := append([]string{"-c", "core.quotepath=off", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Dir = r.dir
	cmd.Env = r.env()
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}

func (r *Repo) env() []string {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		// Paths are file names, never pathspec magic such as ":/" or globs.
		"GIT_LITERAL_PATHSPECS=1",
		// Never let git discover a repository above the tenant directory.
		"GIT_CEILING_DIRECTORIES="+filepath.Dir(r.dir),
	)
	if r.author.Name != "" {
		env = append(env, "GIT_AUTHOR_NAME="+r.author.Name, "GIT_COMMITTER_NAME="+r.author.Name)
	}
	if r.author.Email != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+r.author.Email, "GIT_COMMITTER_EMAIL="+r.author.Email)
	}
	return env
}
