package daemon

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/store"
)

// ResolutionKind says how a requested package would be provided.
type ResolutionKind int

const (
	LocalMemoize ResolutionKind = iota
	LocalReinstall
	LocalBuild
	// FetchRemote packages come from a binary cache.
	FetchRemote
	// BuildRemote packages are materialized by a remote store.
	BuildRemote
)

var resolutionNames = []string{"memoize", "reinstall", "build", "fetch", "remote"}

func (k ResolutionKind) String() string {
	if int(k) < len(resolutionNames) {
		return resolutionNames[k]
	}
	return fmt.Sprintf("ResolutionKind(%d)", int(k))
}

// Resolution carries the sizes and source of a FetchRemote, or the
// store id of a BuildRemote.
type Resolution struct {
	Kind         ResolutionKind
	Size         int64
	UnpackedSize int64
	Source       string
	StoreId      string
}

func (r Resolution) String() string {
	switch r.Kind {
	case FetchRemote:
		return fmt.Sprintf("fetch %d bytes (%d unpacked) from %s", r.Size, r.UnpackedSize, r.Source)
	case BuildRemote:
		return "from " + r.StoreId
	}
	return r.Kind.String()
}

type DiffEntry struct {
	Manifest   id.ManifestId
	Resolution Resolution
}

// Diff is the dry run of a profile transaction.
type Diff struct {
	Installed   []DiffEntry
	Upgraded    []DiffEntry
	Uninstalled []id.ManifestId
}

// statter is implemented by binary caches that keep size records.
type statter interface {
	Stat(oid id.OutputId) (cache.Info, bool, error)
}

// GetTransactionDiff reports what installing install and upgrade,
// and removing uninstall, would do.  Nothing is built or fetched,
// though manifests obtained from collaborators are kept in the store.
func (svc *Service) GetTransactionDiff(ctx context.Context, install, upgrade, uninstall []id.ManifestId) (diff *Diff, err error) {
	roots := append(append([]id.ManifestId{}, install...), upgrade...)
	err = svc.admit(ctx, roots)
	if err != nil {
		return
	}
	resolver := *svc.Builder.Resolver
	resolver.OnNode = nil
	c, err := resolver.Resolve(ctx, roots...)
	if err != nil {
		return
	}
	installed, err := svc.Index.Installed(ctx)
	if err != nil {
		return
	}
	isInstalled := make(map[id.ManifestId]bool)
	for _, mid := range installed {
		isInstalled[mid] = true
	}

	diff = &Diff{}
	for _, mid := range install {
		entry, err := resolution(c.Nodes[mid], isInstalled[mid])
		if err != nil {
			return nil, err
		}
		diff.Installed = append(diff.Installed, entry)
	}
	for _, mid := range upgrade {
		entry, err := resolution(c.Nodes[mid], isInstalled[mid])
		if err != nil {
			return nil, err
		}
		diff.Upgraded = append(diff.Upgraded, entry)
	}
	for _, mid := range uninstall {
		if isInstalled[mid] {
			diff.Uninstalled = append(diff.Uninstalled, mid)
		}
	}
	return
}

func resolution(node *closure.Node, installed bool) (entry DiffEntry, err error) {
	entry.Manifest = node.Id
	if node.Err != nil {
		return entry, errors.Wrapf(node.Err, "resolve %s", node.Id)
	}
	res := &entry.Resolution
	switch node.Tag {
	case closure.Satisfied:
		res.Kind = LocalMemoize
		if !installed {
			res.Kind = LocalReinstall
		}
	case closure.MustBuild:
		res.Kind = LocalBuild
	case closure.Substitutable:
		res.Kind = FetchRemote
		for _, out := range node.Outputs {
			switch out.State {
			case closure.Remote:
				// a remote store supplies at least one output
				res.Kind = BuildRemote
				res.StoreId = out.Remote.StoreId().String()
			case closure.Cached:
				err = addCacheInfo(res, out)
				if err != nil {
					return
				}
			}
		}
	}
	return
}

func addCacheInfo(res *Resolution, out closure.Output) error {
	if c, ok := out.Cache.(*cache.Cache); ok && res.Source == "" {
		res.Source = c.Dir
	}
	st, ok := out.Cache.(statter)
	if !ok {
		return nil
	}
	info, ok, err := st.Stat(out.Id)
	if err != nil {
		return errors.Wrapf(err, "stat %s", out.Id)
	}
	if ok {
		res.Size += info.Size
		res.UnpackedSize += info.UnpackedSize
	}
	return nil
}

var _ statter = (*cache.Cache)(nil)
var _ closure.RemoteStore = (*store.Remote)(nil)
