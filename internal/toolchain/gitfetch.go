package toolchain

import (
	"context"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitFetcher clones a library repository directly with go-git, pinned
// to a tag. It is the fallback when the normal install path cannot run,
// and never involves submodules.
type GitFetcher struct{}

func (GitFetcher) Fetch(ctx context.Context, dep Dependency, ref, dir string) error {
	url := fmt.Sprintf("https://github.com/%s.git", dep.Repo)
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewTagReferenceName(ref),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return fmt.Errorf("cloning %s at %s: %w", url, ref, err)
	}
	return nil
}
