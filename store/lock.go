package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

func (s *Store) lockPath(fid id.FilesystemId) string {
	return filepath.Join(s.Root, varDir, lockDir, fid.KindPath()+".lock")
}

// kindDir is the directory a publication of fid shows up in.
func (s *Store) kindDir(fid id.FilesystemId) string {
	return filepath.Dir(s.Path(fid))
}

// withLock runs fn holding the exclusive lock for fid.  Lock files
// are never removed, so every process agrees on the inode.
func (s *Store) withLock(ctx context.Context, fid id.FilesystemId, fn func() error) error {
	path := s.lockPath(fid)
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}
	w := s.waiter(ctx, fid)
	defer w.close()
	return fslock.WithBlocking(path, w.wait, fn)
}

// withSharedLock runs fn holding a shared lock for fid.  Shared locks
// exclude writers only.
func (s *Store) withSharedLock(ctx context.Context, fid id.FilesystemId, fn func() error) error {
	path := s.lockPath(fid)
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}
	w := s.waiter(ctx, fid)
	defer w.close()
	return fslock.WithSharedBlocking(path, w.wait, fn)
}

var newWatcher = fsnotify.NewWatcher

// lockWaiter waits while another process holds a lock.  A
// publication in the kind directory wakes it early; otherwise it
// retries after LockWait.  The watcher is only created once the lock
// turns out to be held.
type lockWaiter struct {
	ctx     context.Context
	s       *Store
	fid     id.FilesystemId
	watcher *fsnotify.Watcher
	tried   bool
}

func (s *Store) waiter(ctx context.Context, fid id.FilesystemId) *lockWaiter {
	return &lockWaiter{ctx: ctx, s: s, fid: fid}
}

// watch starts watching the kind directory of fid.  It leaves the
// watcher nil if the platform cannot provide one.
func (w *lockWaiter) watch() {
	w.tried = true
	dir := w.s.kindDir(w.fid)
	watcher, err := newWatcher()
	if err != nil {
		log.Debugf("no fsnotify watcher: %v", err)
		return
	}
	err = watcher.Add(dir)
	if err != nil {
		log.Debugf("cannot watch %s: %v", dir, err)
		watcher.Close()
		return
	}
	w.watcher = watcher
}

func (w *lockWaiter) close() {
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}

// wait is the fslock.Blocker.
func (w *lockWaiter) wait() error {
	log.Debugf("lock for %s is held, waiting", w.fid.KindPath())
	if !w.tried {
		w.watch()
	}
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}
	timer := time.NewTimer(w.s.LockWait)
	defer timer.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// events may have been lost, so retry now
			log.Debugf("watching %s: %v", w.s.kindDir(w.fid), err)
			return nil
		}
	}
}
