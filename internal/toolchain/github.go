package toolchain

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/crucible/internal/config"
)

// GitHubTagResolver resolves pinned versions to repository tags through
// the GitHub API. Unauthenticated clients work for public repositories
// at a lower rate limit.
type GitHubTagResolver struct {
	client *github.Client
	logger *zap.Logger
}

// NewGitHubTagResolver creates a tag resolver, authenticated when a
// token is configured.
func NewGitHubTagResolver(ctx context.Context, token config.Secret, logger *zap.Logger) *GitHubTagResolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := github.NewClient(nil)
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	}
	return &GitHubTagResolver{client: client, logger: logger}
}

// ResolveTag returns the tag that pins version in repo, trying the
// conventional v-prefixed form first.
func (r *GitHubTagResolver) ResolveTag(ctx context.Context, repo, version string) (string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return "", fmt.Errorf("repo must be in owner/name form, got %q", repo)
	}

	bare := strings.TrimPrefix(version, "v")
	for _, tag := range []string{"v" + bare, bare} {
		_, resp, err := r.client.Git.GetRef(ctx, owner, name, "tags/"+tag)
		if err == nil {
			return tag, nil
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			r.logger.Debug("tag not found",
				zap.String("repo", repo),
				zap.String("tag", tag))
			continue
		}
		return "", fmt.Errorf("resolving tag %s in %s: %w", tag, repo, err)
	}
	return "", fmt.Errorf("no tag pins %s in %s", version, repo)
}
