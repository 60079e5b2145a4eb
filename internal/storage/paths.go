package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

const maxTenantIDLength = 128

// ResolvedPath is a client supplied file path mapped into a repository.
type ResolvedPath struct {
	// Logical is the cleaned, slash separated path relative to the
	// repository root. git addresses files by this path.
	Logical string
	// Abs is the location of the file in the working tree.
	Abs string
	// Ext is the file extension, including the leading dot.
	Ext string
}

// ResolvePath maps the wildcard remainder of a URL onto root. The result is
// guaranteed to stay inside root and outside its .git directory.
func ResolvePath(root, raw string) (ResolvedPath, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return ResolvedPath{}, &ValidationError{Message: "file path is required"}
	}
	logical, err := RelativePath(trimmed)
	if err != nil {
		return ResolvedPath{}, err
	}

	dir, base := path.Split(logical)
	abs := filepath.Join(root, filepath.FromSlash(dir), base)
	if !within(root, abs) || abs == filepath.Clean(root) {
		return ResolvedPath{}, &ValidationError{Message: fmt.Sprintf("file path %q escapes the repository", raw)}
	}

	return ResolvedPath{Logical: logical, Abs: abs, Ext: path.Ext(base)}, nil
}

// RelativePath cleans a repository-relative path and rejects anything that
// would leave the repository or touch its git directory. Control characters
// are rejected since the path ends up in a one-line commit subject.
func RelativePath(p string) (string, error) {
	if strings.IndexFunc(p, unicode.IsControl) >= 0 {
		return "", &ValidationError{Message: fmt.Sprintf("invalid file path %q", p)}
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if path.IsAbs(p) {
		return "", &ValidationError{Message: fmt.Sprintf("file path %q escapes the repository", p)}
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", &ValidationError{Message: fmt.Sprintf("file path %q escapes the repository", p)}
		}
		// git refuses to track anything below a .git component.
		if strings.EqualFold(segment, ".git") {
			return "", &ValidationError{Message: fmt.Sprintf("file path %q is reserved", p)}
		}
	}

	cleaned := path.Clean(p)
	if cleaned == "" || cleaned == "." {
		return "", &ValidationError{Message: fmt.Sprintf("invalid file path %q", p)}
	}
	return cleaned, nil
}

// ValidateTenantID rejects tenant identifiers that could not safely name a
// directory directly under the storage root.
func ValidateTenantID(id string) error {
	if id == "" {
		return &NotFoundError{Resource: "tenant", Key: "(none)"}
	}
	if len(id) > maxTenantIDLength {
		return &ValidationError{Message: "tenant id is too long"}
	}
	if id[0] == '.' || id[0] == '-' {
		return &ValidationError{Message: fmt.Sprintf("invalid tenant id %q", id)}
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return &ValidationError{Message: fmt.Sprintf("invalid tenant id %q", id)}
		}
	}
	return nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// subjectName makes a client supplied name safe for a one-line commit
// subject by replacing control characters with spaces.
func subjectName(name string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name))
}
