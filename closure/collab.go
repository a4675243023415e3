package closure

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
)

// Repository supplies manifests that are not in the store yet.
type Repository interface {
	QueryManifest(ctx context.Context, mid id.ManifestId) (m *manifest.Manifest, ok bool, err error)
}

// BinaryCache supplies packed outputs by id.
type BinaryCache interface {
	QueryOutput(ctx context.Context, oid id.OutputId) (bool, error)
	FetchOutput(ctx context.Context, oid id.OutputId, dir string) error
}

// RemoteStore is another store that can hand over manifests and
// outputs.
type RemoteStore interface {
	StoreId() id.StoreId
	QueryManifest(ctx context.Context, mid id.ManifestId) (bool, error)
	FetchManifest(ctx context.Context, mid id.ManifestId) (*manifest.Manifest, error)
	QueryOutput(ctx context.Context, oid id.OutputId) (bool, error)
	FetchOutput(ctx context.Context, oid id.OutputId, dir string) error
}

// DirRepository serves manifests from a directory of files named by
// ManifestId.ToPath().
type DirRepository struct {
	Dir string
}

var _ Repository = (*DirRepository)(nil)

func (r *DirRepository) QueryManifest(ctx context.Context, mid id.ManifestId) (m *manifest.Manifest, ok bool, err error) {
	path := filepath.Join(r.Dir, mid.ToPath())
	buf, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return
	}
	m, err = manifest.Parse(buf)
	if err != nil {
		return nil, false, errors.Wrapf(err, "repository %s", r.Dir)
	}
	return m, true, nil
}

// List returns the ids of every manifest in the repository.
func (r *DirRepository) List() (mids []id.ManifestId, err error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		mid, err := id.ManifestIdFromPath(e.Name())
		if err != nil {
			log.Debugf("repository %s: skipping %s: %v", r.Dir, e.Name(), err)
			continue
		}
		mids = append(mids, mid)
	}
	sort.Slice(mids, func(i, j int) bool { return mids[i].Less(mids[j]) })
	return
}

// Lookup finds the newest manifest named name, comparing versions as
// strings.
func (r *DirRepository) Lookup(name string) (mid id.ManifestId, ok bool, err error) {
	mids, err := r.List()
	if err != nil {
		return
	}
	for _, m := range mids {
		if m.Name == name && (!ok || m.Version >= mid.Version) {
			mid, ok = m, true
		}
	}
	return
}
