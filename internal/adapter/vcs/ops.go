package vcs

import (
	"context"
	"errors"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
)

// defaultRefSpecs mirrors all branches and tags from origin.
var defaultRefSpecs = []gitconfig.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

const remoteBranchPrefix = "refs/remotes/origin/"

// Clone clones url into dest.
func (p *Provider) Clone(ctx context.Context, url string, dest string, progress port.ProgressFunc) error {
	return p.run(ctx, dest, func() error {
		bridge := newProgressBridge(progress)
		defer bridge.Close()

		p.logger.Info("cloning repository", "url", url, "dest", dest)
		_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
			URL:      url,
			Progress: bridge,
			Tags:     git.AllTags,
		})
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			return nil
		}
		return classifyRemote("clone", url, err)
	})
}

// Fetch updates the working copy at dest from origin.
func (p *Provider) Fetch(ctx context.Context, dest string, refspecs []string, prune bool, progress port.ProgressFunc) error {
	return p.run(ctx, dest, func() error {
		repo, err := git.PlainOpen(dest)
		if err != nil {
			return classifyLocal(dest, err)
		}

		specs := defaultRefSpecs
		if len(refspecs) > 0 {
			specs = make([]gitconfig.RefSpec, len(refspecs))
			for i, s := range refspecs {
				specs[i] = gitconfig.RefSpec(s)
			}
		}

		bridge := newProgressBridge(progress)
		defer bridge.Close()

		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   specs,
			Prune:      prune,
			Force:      true,
			Tags:       git.AllTags,
			Progress:   bridge,
		})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return classifyRemote("fetch", dest, err)
	})
}

// ListRefs returns the branches and tags known to the working copy. Branch
// names come from origin's remote-tracking refs so a freshly cloned copy
// reports every remote branch, not just the checked-out one.
func (p *Provider) ListRefs(ctx context.Context, dest string) ([]domain.Ref, error) {
	var refs []domain.Ref
	err := p.run(ctx, dest, func() error {
		repo, err := git.PlainOpen(dest)
		if err != nil {
			return classifyLocal(dest, err)
		}

		iter, err := repo.References()
		if err != nil {
			return classifyLocal(dest, err)
		}
		defer iter.Close()

		err = iter.ForEach(func(ref *plumbing.Reference) error {
			if ref.Type() != plumbing.HashReference {
				return nil
			}
			name := ref.Name().String()
			switch {
			case strings.HasPrefix(name, remoteBranchPrefix):
				short := strings.TrimPrefix(name, remoteBranchPrefix)
				if short == "HEAD" {
					return nil
				}
				refs = append(refs, domain.Ref{Name: short, SHA: ref.Hash().String()})
			case ref.Name().IsTag():
				refs = append(refs, domain.Ref{Name: ref.Name().Short(), SHA: ref.Hash().String(), IsTag: true})
			}
			return nil
		})
		if err != nil {
			return classifyLocal(dest, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// CommitsForRef walks history from ref, newest first. Commits older than
// since are skipped when since is non-zero. Cancellation is observed between
// commits, never mid-read.
func (p *Provider) CommitsForRef(ctx context.Context, dest string, ref domain.Ref, since time.Time) ([]domain.CommitRecord, error) {
	var commits []domain.CommitRecord
	err := p.run(ctx, dest, func() error {
		repo, err := git.PlainOpen(dest)
		if err != nil {
			return classifyLocal(dest, err)
		}

		iter, err := repo.Log(&git.LogOptions{From: plumbing.NewHash(ref.SHA)})
		if err != nil {
			return classifyLocal(dest, err)
		}
		defer iter.Close()

		err = iter.ForEach(func(c *object.Commit) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !since.IsZero() && c.Committer.When.Before(since) {
				return storer.ErrStop
			}
			rec := commitRecord(c)
			rec.Branches = []string{ref.Name}
			commits = append(commits, rec)
			return nil
		})
		if err != nil && !errors.Is(err, storer.ErrStop) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return classifyLocal(dest, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

// CommitBySHA reads a single commit from the working copy.
func (p *Provider) CommitBySHA(ctx context.Context, dest string, sha string) (*domain.CommitRecord, error) {
	var rec *domain.CommitRecord
	err := p.run(ctx, dest, func() error {
		repo, err := git.PlainOpen(dest)
		if err != nil {
			return classifyLocal(dest, err)
		}

		commit, err := repo.CommitObject(plumbing.NewHash(sha))
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return port.ErrCommitNotFound
		}
		if err != nil {
			return classifyLocal(dest, err)
		}
		r := commitRecord(commit)
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func commitRecord(c *object.Commit) domain.CommitRecord {
	parents := make([]string, len(c.ParentHashes))
	for i, h := range c.ParentHashes {
		parents[i] = h.String()
	}
	return domain.CommitRecord{
		SHA:            c.Hash.String(),
		Message:        c.Message,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		AuthoredAt:     c.Author.When.UTC(),
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		CommittedAt:    c.Committer.When.UTC(),
		Parents:        parents,
	}
}
