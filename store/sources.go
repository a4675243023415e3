package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
)

// SourceInput imports a local file or directory as a source.
type SourceInput struct {
	Name string
	Path string
}

// Progress reports bytes transferred by a fetch.  Total is -1 when
// the size is unknown.
type Progress struct {
	Downloaded int64
	Total      int64
}

// Sources stores fetched inputs as sources/<name>[.ext]-<hash>.
type Sources struct {
	s   *Store
	reg *Registry[string, struct{}]
}

func (d *Sources) Name() string {
	return id.SourcesDir
}

// ComputeId hashes the input content.  Directory imports leave out
// VCS metadata.
func (d *Sources) ComputeId(ctx context.Context, in SourceInput) (sid id.SourceId, err error) {
	hash, err := HashPath(in.Path, SkipGit)
	if err != nil {
		return
	}
	name := in.Name
	if name == "" {
		name = filepath.Base(in.Path)
	}
	return id.NewSourceId(name, "", hash)
}

// Read returns the path of a published source.
func (d *Sources) Read(ctx context.Context, sid id.SourceId) (path string, ok bool, err error) {
	path = d.s.Path(sid)
	_, err = os.Lstat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &CorruptedError{Path: path, Err: err}
	}
	return path, true, nil
}

// Write copies a local file or directory into the store.
func (d *Sources) Write(ctx context.Context, in SourceInput) (sid id.SourceId, err error) {
	sid, err = d.ComputeId(ctx, in)
	if err != nil {
		return
	}
	if d.s.Exists(sid) {
		return sid, nil
	}
	_, err, _ = d.reg.Do(ctx, sid.String(), func() (struct{}, error) {
		return struct{}{}, d.s.produce(ctx, sid, sid.FileName(), "src", func(scratch string) (string, error) {
			staged := filepath.Join(scratch, sid.ToPath())
			err := copyTree(in.Path, staged)
			if err != nil {
				return "", errors.Wrapf(err, "import %s", in.Path)
			}
			// the copy must match what was hashed
			return staged, verifyHash(staged, sid.String(), sid.Hash)
		})
	})
	return
}

// Fetch downloads or checks out src and publishes it under the id its
// declared hash implies.  If the source is already present, Fetch
// returns at once without calling report.  Concurrent fetches of the
// same source share one transfer.
func (d *Sources) Fetch(ctx context.Context, src manifest.Source, report func(Progress)) (sid id.SourceId, err error) {
	sid, err = src.Id()
	if err != nil {
		return
	}
	if d.s.Exists(sid) {
		return sid, nil
	}
	if report == nil {
		report = func(Progress) {}
	}
	_, err, shared := d.reg.Do(ctx, sid.String(), func() (struct{}, error) {
		if src.Git != "" {
			return struct{}{}, d.fetchGit(ctx, sid, src, report)
		}
		return struct{}{}, d.s.produce(ctx, sid, sid.FileName(), "src", func(scratch string) (string, error) {
			staged := filepath.Join(scratch, sid.ToPath())
			return staged, d.s.download(ctx, src.URI, staged, sid, report)
		})
	})
	if shared {
		log.Debugf("joined in-flight fetch of %s", src.Fingerprint())
	}
	return
}

func verifyHash(path, resource string, want id.Hash) error {
	got, err := HashPath(path, SkipGit)
	if err != nil {
		return err
	}
	if got != want {
		return &HashMismatchError{Resource: resource, Expected: want, Got: got}
	}
	return nil
}
