// Package store implements the on-disk, content-addressed store.  A
// store root holds one directory per resource kind plus scratch space:
//
//	<root>/
//	  sources/<name>[.ext]-<hash>
//	  manifests/<name>-<version>-<hash>.toml
//	  outputs/<name>-<version>-<hash>/
//	  tmp/<random-hash>-<name>-<version>/
//	  var/lock/...  var/log/...
//
// Nothing outside this package writes into the kind directories.
// Entries are staged in tmp/, then renamed into place and made
// read-only; a published entry is never modified.
package store

import (
	"context"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deckstore/id"
)

const (
	varDir  = "var"
	lockDir = "lock"
	logDir  = "log"
)

// Directory is the capability set shared by the three resource kinds.
// I is the kind's id type, In the write input, and H the handle
// returned by Read.
type Directory[I id.FilesystemId, In any, H any] interface {
	Name() string
	ComputeId(ctx context.Context, input In) (I, error)
	Read(ctx context.Context, fid I) (handle H, ok bool, err error)
	Write(ctx context.Context, input In) (I, error)
}

var (
	_ Directory[id.ManifestId, ManifestInput, *ManifestHandle] = (*Manifests)(nil)
	_ Directory[id.SourceId, SourceInput, string]              = (*Sources)(nil)
	_ Directory[id.OutputId, OutputInput, string]              = (*Outputs)(nil)
)

type Store struct {
	Root      string
	Manifests *Manifests
	Sources   *Sources
	Outputs   *Outputs

	// LockWait bounds the wait between lock attempts when no
	// filesystem event arrives.
	LockWait time.Duration
	// Retries is the number of extra attempts after a transient
	// transport error.
	Retries int
	Client  *http.Client
}

// Create initializes an empty store at root.
func Create(root string) (s *Store, err error) {
	defer Return(&err)

	root, err = filepath.Abs(root)
	Ck(err)

	// if directory exists, make sure it's empty
	if canstat(root) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(root)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: root}
		}
	}

	for _, dir := range []string{id.SourcesDir, id.ManifestsDir, id.OutputsDir, id.TmpDir, varDir} {
		err = mkdir(filepath.Join(root, dir))
		Ck(err)
	}
	err = mkdir(filepath.Join(root, varDir, lockDir))
	Ck(err)
	err = mkdir(filepath.Join(root, varDir, logDir))
	Ck(err)

	return Open(root)
}

// Open loads an existing store.
func Open(root string) (s *Store, err error) {
	root, err = filepath.Abs(root)
	if err != nil {
		return
	}
	for _, dir := range []string{id.SourcesDir, id.ManifestsDir, id.OutputsDir, id.TmpDir} {
		if !canstat(filepath.Join(root, dir)) {
			return nil, &NotStoreError{Dir: root}
		}
	}
	s = &Store{
		Root:     root,
		LockWait: time.Second,
		Retries:  3,
		Client:   http.DefaultClient,
	}
	s.Manifests = &Manifests{s: s, reg: NewRegistry[string, struct{}]()}
	s.Sources = &Sources{s: s, reg: NewRegistry[string, struct{}]()}
	s.Outputs = &Outputs{s: s, reg: NewRegistry[string, struct{}]()}
	log.Debugf("opened store %s", root)
	return s, nil
}

// Path returns the absolute path of an entry.
func (s *Store) Path(fid id.FilesystemId) string {
	return filepath.Join(s.Root, fid.KindPath())
}

// Exists reports whether an entry has been published.
func (s *Store) Exists(fid id.FilesystemId) bool {
	_, err := os.Lstat(s.Path(fid))
	return err == nil
}

// LogPath returns where the build log for a manifest is kept.
func (s *Store) LogPath(mid id.ManifestId) string {
	return filepath.Join(s.Root, varDir, logDir, mid.String()+".log")
}

// IndexPath returns the default location of the metadata index.
func (s *Store) IndexPath() string {
	return filepath.Join(s.Root, varDir, "index.db")
}

// Scratch is an exclusively owned working directory under tmp/.
type Scratch struct {
	Dir string
}

// NewScratch creates tmp/<random-hash>-<name>-<version>/.
func (s *Store) NewScratch(name, version string) (sc *Scratch, err error) {
	dir := filepath.Join(s.Root, id.TmpDir, id.ScratchName(name, version))
	err = os.Mkdir(dir, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "create scratch directory")
	}
	return &Scratch{Dir: dir}, nil
}

// Remove deletes the scratch directory, including any read-only
// content staged in it.
func (sc *Scratch) Remove() {
	err := removeAll(sc.Dir)
	if err != nil {
		log.Warnf("cannot remove scratch %s: %v", sc.Dir, err)
	}
}

// produce publishes an entry whose id is known before any data is
// written.  fill stages the data inside a fresh scratch directory and
// returns the staged path; the exclusive lock is held from before
// fill until the entry is read-only.
func (s *Store) produce(ctx context.Context, fid id.FilesystemId, name, version string, fill func(scratch string) (staged string, err error)) error {
	return s.withLock(ctx, fid, func() (err error) {
		if s.Exists(fid) {
			return nil
		}
		sc, err := s.NewScratch(name, version)
		if err != nil {
			return
		}
		defer sc.Remove()
		staged, err := fill(sc.Dir)
		if err != nil {
			return
		}
		err = ctx.Err()
		if err != nil {
			return
		}
		err = s.publish(staged, fid)
		if errors.Is(err, errAlreadyInProgress) {
			return nil
		}
		return
	})
}

// commit publishes staged content whose id was computed from it.
func (s *Store) commit(ctx context.Context, fid id.FilesystemId, staged string) error {
	return s.withLock(ctx, fid, func() error {
		if s.Exists(fid) {
			return nil
		}
		err := s.publish(staged, fid)
		if errors.Is(err, errAlreadyInProgress) {
			return nil
		}
		return err
	})
}

// publish makes staged read-only and renames it into place.  The top
// directory of a tree stays writable until after the rename, since
// moving a directory updates its ".." entry.
func (s *Store) publish(staged string, fid id.FilesystemId) (err error) {
	dst := s.Path(fid)
	err = makeReadOnly(staged, false)
	if err != nil {
		return
	}
	err = os.Rename(staged, dst)
	if err != nil {
		if os.IsExist(err) || errors.Is(err, os.ErrExist) || canstat(dst) {
			return errAlreadyInProgress
		}
		return errors.Wrapf(err, "publish %s", fid)
	}
	err = os.Chmod(dst, readOnlyMode(dst))
	if err != nil {
		return errors.Wrapf(err, "finalize %s", fid)
	}
	log.Debugf("published %s", fid.KindPath())
	return nil
}
