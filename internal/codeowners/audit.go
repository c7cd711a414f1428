package codeowners

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"
)

type Options struct {
	Org string
	// Repos to audit; empty means every repository of the organization.
	Repos          []string
	Since          time.Time
	Until          time.Time
	IncludeCommits bool
	Verbose        bool
}

type UserActivity struct {
	PRsReviewed     int
	PRsCommented    int
	IssuesCommented int
	Commits         int
}

func (a UserActivity) Active() bool {
	return a.PRsReviewed > 0 || a.PRsCommented > 0 || a.IssuesCommented > 0 || a.Commits > 0
}

func (a UserActivity) String() string {
	parts := []string{
		fmt.Sprintf("%d PRs reviewed", a.PRsReviewed),
		fmt.Sprintf("%d PRs commented", a.PRsCommented),
		fmt.Sprintf("%d issues commented", a.IssuesCommented),
	}
	if a.Commits > 0 {
		parts = append(parts, fmt.Sprintf("%d commits", a.Commits))
	}
	return strings.Join(parts, ", ")
}

type UserReport struct {
	Name     string
	Activity UserActivity
}

// RepoReport is the audit outcome for one repository.
type RepoReport struct {
	Active      []UserReport
	Inactive    []string
	Nonexistent []string
}

// Clean reports whether every codeowner of the repository is both existing
// and active.
func (r *RepoReport) Clean() bool {
	return len(r.Inactive) == 0 && len(r.Nonexistent) == 0
}

// Auditor checks repositories for codeowners without any review, comment or
// (optionally) commit activity in a date range.
type Auditor struct {
	api API
	out io.Writer
}

func NewAuditor(api API, out io.Writer) *Auditor {
	return &Auditor{api: api, out: out}
}

// Run audits every requested repository and prints a summary. The returned
// exit code follows the contract of the audit: 0 when all codeowners are
// active, 1 when inactive or nonexistent codeowners were found, 2 when no
// repository could be processed at all.
func (a *Auditor) Run(ctx context.Context, opts Options) (int, error) {
	repos := opts.Repos
	if len(repos) == 0 {
		fmt.Fprintf(a.out, "Fetching all repositories from %s...\n", opts.Org)
		var err error
		repos, err = a.api.OrgRepositories(ctx, opts.Org)
		if err != nil {
			return 2, fmt.Errorf("listing repositories of %s: %w", opts.Org, err)
		}
	}
	sort.Strings(repos)
	fmt.Fprintf(a.out, "%d repositories to check: %s\n", len(repos), strings.Join(repos, ", "))

	checked := make(map[string]*RepoReport)
	var skipped []string
	for i, repo := range repos {
		fmt.Fprintf(a.out, "\nChecking %s/%s (%d/%d)...\n", opts.Org, repo, i+1, len(repos))
		report, err := a.auditRepository(ctx, opts, repo)
		if err != nil {
			log.Printf("failed to check repository %s: %v", repo, err)
			skipped = append(skipped, repo)
			continue
		}
		if report == nil {
			skipped = append(skipped, repo)
			continue
		}
		checked[repo] = report
	}

	a.printSummary(opts, repos, checked, skipped)

	withIssues := 0
	for _, report := range checked {
		if !report.Clean() {
			withIssues++
		}
	}
	switch {
	case withIssues > 0:
		return 1, nil
	case len(checked) == 0:
		return 2, nil
	}
	return 0, nil
}

// auditRepository returns nil without an error when the repository should
// be skipped (archived, or no codeowners to audit).
func (a *Auditor) auditRepository(ctx context.Context, opts Options, repo string) (*RepoReport, error) {
	repository, err := a.api.Repository(ctx, opts.Org, repo)
	if err != nil {
		return nil, err
	}
	if repository.Archived {
		fmt.Fprintln(a.out, "  Repository is archived, skipping")
		return nil, nil
	}

	content := a.fetchCodeowners(ctx, opts, repo)
	if content == "" {
		fmt.Fprintln(a.out, "  No CODEOWNERS file found, skipping")
		return nil, nil
	}

	usernames := ParseCodeowners(content)
	if len(usernames) == 0 {
		fmt.Fprintln(a.out, "  CODEOWNERS file is empty, skipping")
		return nil, nil
	}

	fmt.Fprintf(a.out, "Found %d codeowners, checking if users exist...\n", len(usernames))
	report := &RepoReport{}
	counts := make(map[string]*UserActivity)
	var valid []string
	for _, username := range usernames {
		exists, err := a.userExists(ctx, username)
		if err != nil {
			// Assume the user exists rather than flagging a false positive.
			log.Printf("could not check user %s: %v", username, err)
			exists = true
		}
		if !exists {
			report.Nonexistent = append(report.Nonexistent, username)
			continue
		}
		valid = append(valid, username)
		counts[username] = &UserActivity{}
	}
	if len(valid) == 0 {
		return report, nil
	}

	if opts.IncludeCommits {
		fmt.Fprintln(a.out, "Checking commits...")
		for _, username := range valid {
			commits, err := a.api.CommitCount(ctx, opts.Org, repo, username, opts.Since, opts.Until)
			if err != nil {
				log.Printf("could not count commits for %s: %v", username, err)
				continue
			}
			counts[username].Commits = commits
		}
	}

	dateRange := fmt.Sprintf("%s..%s",
		opts.Since.Format("2006-01-02"), opts.Until.Format("2006-01-02"))
	reviewed := make([]string, 0, len(valid))
	commenter := make([]string, 0, len(valid))
	for _, username := range valid {
		reviewed = append(reviewed, "reviewed-by:"+username)
		commenter = append(commenter, "commenter:"+username)
	}

	fmt.Fprintln(a.out, "Checking PR activity...")
	prQuery := fmt.Sprintf("repo:%s/%s is:pr %s %s updated:%s",
		opts.Org, repo, strings.Join(reviewed, " "), strings.Join(commenter, " "), dateRange)
	a.debugf(opts, "PR query: %s", prQuery)
	a.searchActivity(ctx, opts, repo, prQuery, counts)

	fmt.Fprintln(a.out, "Checking issue activity...")
	issueQuery := fmt.Sprintf("repo:%s/%s is:issue %s updated:%s",
		opts.Org, repo, strings.Join(commenter, " "), dateRange)
	a.debugf(opts, "issue query: %s", issueQuery)
	a.searchActivity(ctx, opts, repo, issueQuery, counts)

	for _, username := range valid {
		activity := *counts[username]
		if activity.Active() {
			report.Active = append(report.Active, UserReport{Name: username, Activity: activity})
		} else {
			report.Inactive = append(report.Inactive, username)
		}
	}

	a.printRepoReport(report)
	return report, nil
}

func (a *Auditor) fetchCodeowners(ctx context.Context, opts Options, repo string) string {
	for _, location := range Locations {
		content, err := a.api.FileContent(ctx, opts.Org, repo, location)
		if err != nil {
			a.debugf(opts, "no CODEOWNERS at %s: %v", location, err)
			continue
		}
		if content != "" {
			return content
		}
	}
	return ""
}

func (a *Auditor) userExists(ctx context.Context, username string) (bool, error) {
	return a.api.UserExists(ctx, username)
}

// searchActivity runs one batched search and attributes reviews and
// comments to the tracked users. A user is counted at most once per PR or
// issue, and activity on their own PRs or issues does not count.
func (a *Auditor) searchActivity(ctx context.Context, opts Options, repo, query string, counts map[string]*UserActivity) {
	items, err := a.api.SearchIssues(ctx, query)
	if err != nil {
		log.Printf("activity search failed: %v", err)
		return
	}

	for _, item := range items {
		if item.IsPullRequest {
			reviews, err := a.api.PullRequestReviews(ctx, opts.Org, repo, item.Number)
			if err != nil {
				log.Printf("could not fetch reviews for #%d: %v", item.Number, err)
			} else {
				recordActivity(reviews, item.Author, opts, counts,
					func(ua *UserActivity) { ua.PRsReviewed++ })
			}
		}

		comments, err := a.api.IssueComments(ctx, opts.Org, repo, item.Number)
		if err != nil {
			log.Printf("could not fetch comments for #%d: %v", item.Number, err)
			continue
		}
		if item.IsPullRequest {
			recordActivity(comments, item.Author, opts, counts,
				func(ua *UserActivity) { ua.PRsCommented++ })
		} else {
			recordActivity(comments, item.Author, opts, counts,
				func(ua *UserActivity) { ua.IssuesCommented++ })
		}
	}
}

func recordActivity(activities []Activity, author string, opts Options, counts map[string]*UserActivity, bump func(*UserActivity)) {
	counted := make(map[string]bool)
	for _, activity := range activities {
		ua, tracked := counts[activity.User]
		if !tracked || activity.User == author || counted[activity.User] {
			continue
		}
		if activity.At.IsZero() || activity.At.Before(opts.Since) || activity.At.After(opts.Until) {
			continue
		}
		counted[activity.User] = true
		bump(ua)
	}
}

func (a *Auditor) printRepoReport(report *RepoReport) {
	fmt.Fprintln(a.out, "Results:")
	if len(report.Active) > 0 {
		fmt.Fprintln(a.out, "  Active users:")
		for _, user := range report.Active {
			fmt.Fprintf(a.out, "    %s: %s\n", user.Name, user.Activity)
		}
	}
	if len(report.Inactive) > 0 {
		fmt.Fprintln(a.out, "  Inactive users:")
		for _, username := range report.Inactive {
			fmt.Fprintf(a.out, "    %s\n", username)
		}
	}
	if len(report.Nonexistent) > 0 {
		fmt.Fprintln(a.out, "  Non-existent users:")
		for _, username := range report.Nonexistent {
			fmt.Fprintf(a.out, "    %s\n", username)
		}
	}
}

func (a *Auditor) printSummary(opts Options, repos []string, checked map[string]*RepoReport, skipped []string) {
	fmt.Fprintf(a.out, "\n%s\n", strings.Repeat("=", 80))
	fmt.Fprintf(a.out, "SUMMARY - Activity from %s to %s\n",
		opts.Since.Format("2006-01-02"), opts.Until.Format("2006-01-02"))
	fmt.Fprintf(a.out, "%s\n\n", strings.Repeat("=", 80))
	fmt.Fprintf(a.out, "Total repositories: %d\n", len(repos))

	var fine, withIssues []string
	for _, repo := range repos {
		report, ok := checked[repo]
		if !ok {
			continue
		}
		if report.Clean() {
			fine = append(fine, repo)
		} else {
			withIssues = append(withIssues, repo)
		}
	}

	if len(fine) > 0 {
		fmt.Fprintf(a.out, "\nRepositories with all codeowners active (%d):\n", len(fine))
		for _, repo := range fine {
			fmt.Fprintf(a.out, "  - %s\n", repo)
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(a.out, "\nRepositories skipped (%d):\n", len(skipped))
		for _, repo := range skipped {
			fmt.Fprintf(a.out, "  - %s\n", repo)
		}
	}
	if len(withIssues) > 0 {
		fmt.Fprintf(a.out, "\nRepositories with inactive or non-existent codeowners (%d):\n", len(withIssues))
		for _, repo := range withIssues {
			report := checked[repo]
			fmt.Fprintf(a.out, "  - %s:\n", repo)
			if len(report.Active) > 0 {
				names := make([]string, 0, len(report.Active))
				for _, user := range report.Active {
					names = append(names, "@"+user.Name)
				}
				fmt.Fprintf(a.out, "      Active: %s\n", strings.Join(names, ", "))
			}
			if len(report.Inactive) > 0 {
				fmt.Fprintf(a.out, "      Inactive: @%s\n", strings.Join(report.Inactive, ", @"))
			}
			if len(report.Nonexistent) > 0 {
				fmt.Fprintf(a.out, "      Non-existent: @%s\n", strings.Join(report.Nonexistent, ", @"))
			}
		}
	}

	if len(checked) == 0 {
		fmt.Fprintln(a.out, "\nNo repositories were processed!")
	}
}

func (a *Auditor) debugf(opts Options, format string, args ...any) {
	if opts.Verbose {
		log.Printf(format, args...)
	}
}
