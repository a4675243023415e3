package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

type VerifyKind int

const (
	Checked VerifyKind = iota
	Repaired
)

func (k VerifyKind) String() string {
	if k == Repaired {
		return "repaired"
	}
	return "checked"
}

// VerifyEvent describes one examined or repaired entry.  Id is nil
// when the entry name does not parse.  Problem is empty for a sound
// entry.
type VerifyEvent struct {
	Kind    VerifyKind
	Path    string
	Id      id.FilesystemId
	Problem string
}

type problem int

const (
	sound problem = iota
	writable
	corrupt
)

// Verify walks every published entry.  Permissions are always
// checked; with checkContents each entry is rehashed against its id.
// With repair, writable entries are made read-only again and entries
// whose content no longer matches are removed.
func (s *Store) Verify(ctx context.Context, checkContents, repair bool, send func(VerifyEvent) error) error {
	kinds := []struct {
		dir   string
		parse func(string) (id.FilesystemId, error)
	}{
		{id.ManifestsDir, func(p string) (id.FilesystemId, error) { return id.ManifestIdFromPath(p) }},
		{id.SourcesDir, func(p string) (id.FilesystemId, error) { return id.SourceIdFromPath(p) }},
		{id.OutputsDir, func(p string) (id.FilesystemId, error) { return id.OutputIdFromPath(p) }},
	}
	for _, kind := range kinds {
		names, err := readDirNames(filepath.Join(s.Root, kind.dir))
		if err != nil {
			return err
		}
		for _, name := range names {
			err = ctx.Err()
			if err != nil {
				return err
			}
			rel := filepath.Join(kind.dir, name)
			fid, err := kind.parse(rel)
			if err != nil {
				err = s.verifyMalformed(rel, err, repair, send)
				if err != nil {
					return err
				}
				continue
			}
			err = s.verifyEntry(ctx, rel, fid, checkContents, repair, send)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) verifyMalformed(rel string, perr error, repair bool, send func(VerifyEvent) error) error {
	err := send(VerifyEvent{Kind: Checked, Path: rel, Problem: perr.Error()})
	if err != nil || !repair {
		return err
	}
	err = removeAll(filepath.Join(s.Root, rel))
	if err != nil {
		return err
	}
	return send(VerifyEvent{Kind: Repaired, Path: rel, Problem: perr.Error()})
}

func (s *Store) verifyEntry(ctx context.Context, rel string, fid id.FilesystemId, checkContents, repair bool, send func(VerifyEvent) error) (err error) {
	var prob problem
	var detail string
	err = s.withSharedLock(ctx, fid, func() error {
		prob, detail = s.check(ctx, fid, checkContents)
		return nil
	})
	if err != nil {
		return
	}
	err = send(VerifyEvent{Kind: Checked, Path: rel, Id: fid, Problem: detail})
	if err != nil || prob == sound || !repair {
		return
	}

	err = s.withLock(ctx, fid, func() error {
		path := s.Path(fid)
		if prob == writable {
			return makeReadOnly(path, true)
		}
		log.Warnf("removing corrupted %s: %s", rel, detail)
		return removeAll(path)
	})
	if err != nil {
		return
	}
	return send(VerifyEvent{Kind: Repaired, Path: rel, Id: fid, Problem: detail})
}

func (s *Store) check(ctx context.Context, fid id.FilesystemId, checkContents bool) (problem, string) {
	path := s.Path(fid)
	if checkContents {
		var got id.Hash
		var want id.Hash
		switch fid := fid.(type) {
		case id.ManifestId:
			h, ok, err := s.Manifests.Read(ctx, fid)
			if err != nil || !ok {
				return corrupt, fmt.Sprintf("unreadable manifest: %v", err)
			}
			mid, err := h.Manifest.ComputeId()
			if err != nil {
				return corrupt, err.Error()
			}
			got, want = mid.Hash, fid.Hash
		case id.SourceId:
			hash, err := HashPath(path, SkipGit)
			if err != nil {
				return corrupt, err.Error()
			}
			got, want = hash, fid.Hash
		case id.OutputId:
			hash, err := HashPath(path, nil, path, s.Root)
			if err != nil {
				return corrupt, err.Error()
			}
			got, want = hash, fid.Hash
		}
		if got != want {
			return corrupt, fmt.Sprintf("content hash %s does not match", got)
		}
	}
	ok, err := isReadOnly(path)
	if err != nil {
		if os.IsNotExist(err) {
			return corrupt, "vanished"
		}
		return corrupt, err.Error()
	}
	if !ok {
		return writable, "writable"
	}
	return sound, ""
}
