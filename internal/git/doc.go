// Package git drives the git binary on behalf of tenant repositories.
//
// A Repo wraps one working tree. It exposes the primitives the file store
// needs (init, add, commit, cat-file, ls-tree, log) and classifies
// missing-object failures as ErrNotFound so callers can map them to a 404.
package git
