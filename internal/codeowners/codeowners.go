package codeowners

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Locations tried in order when looking for a CODEOWNERS file in a
// repository.
var Locations = []string{"CODEOWNERS", ".github/CODEOWNERS", "docs/CODEOWNERS"}

type Repository struct {
	Name     string
	Archived bool
}

type Issue struct {
	Number        int
	Author        string
	IsPullRequest bool
}

// Activity is one review or comment, attributed to a user at a point in
// time.
type Activity struct {
	User string
	At   time.Time
}

// API is the slice of the GitHub REST surface the audit needs. It is an
// interface so the audit logic can be tested without the network.
type API interface {
	Repository(ctx context.Context, org, name string) (*Repository, error)
	FileContent(ctx context.Context, org, repo, path string) (string, error)
	UserExists(ctx context.Context, username string) (bool, error)
	SearchIssues(ctx context.Context, query string) ([]Issue, error)
	PullRequestReviews(ctx context.Context, org, repo string, number int) ([]Activity, error)
	IssueComments(ctx context.Context, org, repo string, number int) ([]Activity, error)
	CommitCount(ctx context.Context, org, repo, author string, since, until time.Time) (int, error)
	OrgRepositories(ctx context.Context, org string) ([]string, error)
}

var userPattern = regexp.MustCompile(`@([a-zA-Z0-9-]+)`)

// ParseCodeowners extracts the individual GitHub usernames referenced in a
// CODEOWNERS file. Comments are skipped, and so are team references like
// `@org/team`, which is why a match must be followed by whitespace or the
// end of the line. The result is de-duplicated and sorted.
func ParseCodeowners(content string) []string {
	seen := make(map[string]bool)
	var users []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, match := range userPattern.FindAllStringSubmatchIndex(line, -1) {
			end := match[1]
			if end < len(line) && !unicode.IsSpace(rune(line[end])) {
				continue
			}
			name := line[match[2]:match[3]]
			if !seen[name] {
				seen[name] = true
				users = append(users, name)
			}
		}
	}

	sort.Strings(users)
	return users
}
