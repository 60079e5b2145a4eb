package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onexay/gitstore/internal/types"
)

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
	logFormat = "%H%x1f%aI%x1f%s%x1f%D%x1f%b%x1f%an%x1f%ae%x1f%P%x1e"
)

// Log returns the full history reachable from the tip, newest first. A
// repository without commits has an empty history.
func (r *Repo) Log(ctx context.Context) ([]types.Commit, error) {
	hasCommits, err := r.HasCommits(ctx)
	if err != nil {
		return nil, err
	}
	if !hasCommits {
		return []types.Commit{}, nil
	}

	out, err := r.output(ctx, "log", "--format="+logFormat, Tip)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", classify(err))
	}
	return parseLog(string(out))
}

func parseLog(out string) ([]types.Commit, error) {
	commits := []types.Commit{}
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}

		fields := strings.Split(record, fieldSep)
		if len(fields) != 8 {
			return nil, fmt.Errorf("unexpected log record with %d fields", len(fields))
		}

		date, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			return nil, fmt.Errorf("failed to parse commit date %q: %w", fields[1], err)
		}

		commit := types.Commit{
			Hash:        fields[0],
			Date:        date,
			Message:     fields[2],
			Refs:        fields[3],
			Body:        strings.TrimRight(fields[4], "\n"),
			AuthorName:  fields[5],
			AuthorEmail: fields[6],
		}
		if parents := strings.TrimSpace(fields[7]); parents != "" {
			commit.Parents = strings.Fields(parents)
		}
		commits = append(commits, commit)
	}
	return commits, nil
}
