package store

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
)

// Remote is another store used as a substituter.  Only local+file
// stores can be reached; ssh+ and docker+ ids parse but have no
// transport.
type Remote struct {
	id    id.StoreId
	store *Store
}

func Dial(sid id.StoreId) (r *Remote, err error) {
	dir, ok := sid.LocalPath()
	if !ok {
		return nil, &UnsupportedStoreError{Id: sid}
	}
	st, err := Open(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", sid)
	}
	return &Remote{id: sid, store: st}, nil
}

func (r *Remote) StoreId() id.StoreId {
	return r.id
}

func (r *Remote) QueryManifest(ctx context.Context, mid id.ManifestId) (bool, error) {
	return r.store.Exists(mid), nil
}

func (r *Remote) FetchManifest(ctx context.Context, mid id.ManifestId) (m *manifest.Manifest, err error) {
	err = r.store.withSharedLock(ctx, mid, func() error {
		h, ok, err := r.store.Manifests.Read(ctx, mid)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("%s has no manifest %s", r.id, mid)
		}
		m = h.Manifest
		return nil
	})
	return
}

func (r *Remote) QueryOutput(ctx context.Context, oid id.OutputId) (bool, error) {
	return r.store.Exists(oid), nil
}

// FetchOutput copies a published output into dir, which must exist
// and be empty.
func (r *Remote) FetchOutput(ctx context.Context, oid id.OutputId, dir string) error {
	return r.store.withSharedLock(ctx, oid, func() error {
		src, ok, err := r.store.Outputs.Read(ctx, oid)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("%s has no output %s", r.id, oid)
		}
		return copyInto(src, dir)
	})
}

// copyInto copies the children of src into the existing directory dst.
func copyInto(src, dst string) error {
	entries, err := readDirNames(src)
	if err != nil {
		return err
	}
	for _, name := range entries {
		err = copyTree(filepath.Join(src, name), filepath.Join(dst, name))
		if err != nil {
			return err
		}
	}
	return nil
}
