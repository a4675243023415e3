package store

import (
	"context"
	"io"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
)

// fetchGit checks out src.Rev of src.Git.  Git serializes access to
// its own repositories, so no store lock is taken here; two racing
// checkouts both finish and the second rename loses harmlessly.
func (d *Sources) fetchGit(ctx context.Context, sid id.SourceId, src manifest.Source, report func(Progress)) (err error) {
	sc, err := d.s.NewScratch(sid.FileName(), "src")
	if err != nil {
		return
	}
	defer sc.Remove()

	staged := filepath.Join(sc.Dir, sid.ToPath())
	counter := &countWriter{report: report}
	report(Progress{Downloaded: 0, Total: -1})
	repo, err := git.PlainCloneContext(ctx, staged, false, &git.CloneOptions{
		URL:      src.Git,
		Progress: counter,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchFailedError{URI: src.Git, Err: err}
	}
	rev, err := repo.ResolveRevision(plumbing.Revision(src.Rev))
	if err != nil {
		return &FetchFailedError{URI: src.Git, Err: errors.Wrapf(err, "resolve %s", src.Rev)}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "open worktree")
	}
	err = wt.Checkout(&git.CheckoutOptions{Hash: *rev, Force: true})
	if err != nil {
		return &FetchFailedError{URI: src.Git, Err: errors.Wrapf(err, "checkout %s", src.Rev)}
	}

	// published checkouts carry no VCS metadata
	err = removeAll(filepath.Join(staged, ".git"))
	if err != nil {
		return
	}
	err = verifyHash(staged, sid.String(), sid.Hash)
	if err != nil {
		return
	}
	err = d.s.publish(staged, sid)
	if errors.Is(err, errAlreadyInProgress) {
		log.Debugf("%s was published concurrently", sid)
		return nil
	}
	return
}

// countWriter turns git's sideband progress into byte counts.
type countWriter struct {
	n      int64
	report func(Progress)
}

var _ io.Writer = (*countWriter)(nil)

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	c.report(Progress{Downloaded: c.n, Total: -1})
	return len(p), nil
}
