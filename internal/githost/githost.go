// Package githost abstracts the hosting side of finishing a job: opening a
// pull request for the pushed feature branch. Pushing itself is gitutil's
// job.
package githost

import (
	"context"
	"fmt"

	"github.com/google/go-github/v29/github"
	"golang.org/x/oauth2"
)

// Host opens pull requests. Implementations must be safe for concurrent use.
type Host interface {
	OpenPR(ctx context.Context, owner, repo, title, body, head, base string) (string, error)
}

// GitHub talks to the GitHub REST API.
type GitHub struct {
	client *github.Client
	token  string
}

func NewGitHub(ctx context.Context, token string) *GitHub {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHub{
		client: github.NewClient(oauth2.NewClient(ctx, ts)),
		token:  token,
	}
}

// CloneURL returns an authenticated HTTPS clone URL for owner/repo.
func (g *GitHub) CloneURL(owner, repo string) string {
	if g.token != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", g.token, owner, repo)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

func (g *GitHub) OpenPR(ctx context.Context, owner, repo, title, body, head, base string) (string, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		return "", fmt.Errorf("open pr %s/%s %s->%s: %w", owner, repo, head, base, err)
	}
	return pr.GetHTMLURL(), nil
}

// Noop satisfies Host for dry runs and tests.
type Noop struct{}

func (Noop) OpenPR(_ context.Context, owner, repo, _, _, head, base string) (string, error) {
	return fmt.Sprintf("https://example.invalid/%s/%s/pull/dry-run-%s-%s", owner, repo, head, base), nil
}
