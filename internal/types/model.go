package types

import (
	"strings"
	"time"
)

// Commit captures a repository history entry as recorded by git.
type Commit struct {
	Hash        string    `json:"hash"`
	Date        time.Time `json:"date"`
	Message     string    `json:"message"`
	Refs        string    `json:"refs"`
	Body        string    `json:"body"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	Parents     []string  `json:"parents,omitempty"`
}

// History is the full commit log of a tenant repository, newest first.
type History struct {
	All    []Commit `json:"all"`
	Latest *Commit  `json:"latest"`
	Total  int      `json:"total"`
}

// NewHistory wraps commits in the history envelope.
func NewHistory(commits []Commit) History {
	if commits == nil {
		commits = []Commit{}
	}
	h := History{All: commits, Total: len(commits)}
	if len(commits) > 0 {
		h.Latest = &commits[0]
	}
	return h
}

// Identity is the authenticated user attached to a request.
type Identity struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Name returns the display name used as commit author.
func (i Identity) Name() string {
	return strings.TrimSpace(i.FirstName + " " + i.LastName)
}

// Author identifies who a commit is attributed to.
type Author struct {
	Name  string
	Email string
}

// Author converts the identity into commit author metadata.
func (i Identity) Author() Author {
	return Author{Name: i.Name(), Email: i.Email}
}
