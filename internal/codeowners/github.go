package codeowners

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"
)

// Client implements API over the GitHub REST API. The limiter spaces
// requests out when the caller asks for it; the secondary rate limits are
// easy to hit when auditing a whole organization.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
}

// NewClient builds a GitHub client. An empty token means unauthenticated
// access with the much lower rate limits that come with it.
// secondsBetweenRequests > 0 inserts that delay between API calls.
func NewClient(token string, secondsBetweenRequests float64) *Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if secondsBetweenRequests > 0 {
		limiter = rate.NewLimiter(rate.Limit(1.0/secondsBetweenRequests), 1)
	}
	return &Client{gh: gh, limiter: limiter}
}

func (c *Client) Repository(ctx context.Context, org, name string) (*Repository, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	repo, _, err := c.gh.Repositories.Get(ctx, org, name)
	if err != nil {
		return nil, err
	}
	return &Repository{Name: repo.GetName(), Archived: repo.GetArchived()}, nil
}

func (c *Client) FileContent(ctx context.Context, org, repo, path string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	content, _, _, err := c.gh.Repositories.GetContents(ctx, org, repo, path, nil)
	if err != nil {
		return "", err
	}
	if content == nil {
		return "", fmt.Errorf("%s in %s/%s is not a file", path, org, repo)
	}
	return content.GetContent()
}

func (c *Client) UserExists(ctx context.Context, username string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	_, resp, err := c.gh.Users.Get(ctx, username)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) SearchIssues(ctx context.Context, query string) ([]Issue, error) {
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var issues []Issue
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, resp, err := c.gh.Search.Issues(ctx, query, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range result.Issues {
			issues = append(issues, Issue{
				Number:        item.GetNumber(),
				Author:        item.GetUser().GetLogin(),
				IsPullRequest: item.IsPullRequest(),
			})
		}
		if resp.NextPage == 0 {
			return issues, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) PullRequestReviews(ctx context.Context, org, repo string, number int) ([]Activity, error) {
	opts := &github.ListOptions{PerPage: 100}
	var activities []Activity
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, org, repo, number, opts)
		if err != nil {
			return nil, err
		}
		for _, review := range reviews {
			activities = append(activities, Activity{
				User: review.GetUser().GetLogin(),
				At:   review.GetSubmittedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			return activities, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) IssueComments(ctx context.Context, org, repo string, number int) ([]Activity, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var activities []Activity
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		comments, resp, err := c.gh.Issues.ListComments(ctx, org, repo, number, opts)
		if err != nil {
			return nil, err
		}
		for _, comment := range comments {
			activities = append(activities, Activity{
				User: comment.GetUser().GetLogin(),
				At:   comment.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			return activities, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) CommitCount(ctx context.Context, org, repo, author string, since, until time.Time) (int, error) {
	opts := &github.CommitsListOptions{
		Author:      author,
		Since:       since,
		Until:       until,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	count := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		commits, resp, err := c.gh.Repositories.ListCommits(ctx, org, repo, opts)
		if err != nil {
			return 0, err
		}
		count += len(commits)
		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) OrgRepositories(ctx context.Context, org string) ([]string, error) {
	opts := &github.RepositoryListByOrgOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var names []string
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
		if err != nil {
			return nil, err
		}
		for _, repo := range repos {
			names = append(names, repo.GetName())
		}
		if resp.NextPage == 0 {
			return names, nil
		}
		opts.Page = resp.NextPage
	}
}
