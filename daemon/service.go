// Package daemon exposes the store engine to clients: the Service
// implements the operations, Server carries them over a unix socket,
// and Client is the matching caller.
package daemon

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deckstore/builder"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/index"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/progress"
	"github.com/t7a/deckstore/store"
)

// API is the operation set shared by Service and Client.
type API interface {
	AddManifest(ctx context.Context, buf []byte) (id.ManifestId, error)
	BuildManifest(ctx context.Context, ids []id.ManifestId, send func(progress.Event) error) error
	Install(ctx context.Context, install, uninstall []id.ManifestId, send func(progress.Event) error) error
	GetTransactionDiff(ctx context.Context, install, upgrade, uninstall []id.ManifestId) (*Diff, error)
	Verify(ctx context.Context, checkContents, repair bool, send func(VerifyRecord) error) error
	GetBuildLog(ctx context.Context, mid id.ManifestId) ([]byte, error)
	Push(ctx context.Context, mid id.ManifestId) ([]cache.Info, error)
	Installed(ctx context.Context) ([]id.ManifestId, error)
}

var (
	_ API = (*Service)(nil)
	_ API = (*Client)(nil)
)

// NoBuildError is returned by GetBuildLog for a manifest that was
// never built here.
type NoBuildError struct {
	Manifest id.ManifestId
}

func (e *NoBuildError) Error() string {
	return fmt.Sprintf("no build recorded for %s", e.Manifest)
}

// NoCacheError is returned by Push when no binary cache is configured.
type NoCacheError struct{}

func (e *NoCacheError) Error() string {
	return "no binary cache configured"
}

type Service struct {
	Config  *Config
	Store   *store.Store
	Index   index.Index
	Builder *builder.Builder
	Repos   []*closure.DirRepository
	Caches  []*cache.Cache
	Remotes []*store.Remote
}

// New opens everything cfg names.  The store must exist; the index is
// created on first use.
func New(cfg *Config) (svc *Service, err error) {
	defer Return(&err)
	cfg.SetDefaults()

	svc = &Service{Config: cfg}
	svc.Store, err = store.Open(cfg.Store)
	Ck(err)
	svc.Index, err = index.Open(svc.Store.IndexPath())
	Ck(err)

	resolver := &closure.Resolver{Store: svc.Store, Index: svc.Index}
	for _, dir := range cfg.Repositories {
		repo := &closure.DirRepository{Dir: dir}
		svc.Repos = append(svc.Repos, repo)
		resolver.Repos = append(resolver.Repos, repo)
	}
	for _, dir := range cfg.BinaryCaches {
		c, err := cache.Open(dir)
		Ck(err)
		svc.Caches = append(svc.Caches, c)
		resolver.Caches = append(resolver.Caches, c)
	}
	for _, raw := range cfg.RemoteStores {
		sid, err := id.ParseStoreId(raw)
		Ck(err)
		remote, err := store.Dial(sid)
		if err != nil {
			// unreachable substituters are skipped, not fatal
			log.Warnf("remote store %s: %v", raw, err)
			continue
		}
		svc.Remotes = append(svc.Remotes, remote)
		resolver.Remotes = append(resolver.Remotes, remote)
	}

	runner, err := builder.NewExecRunner(cfg.Shell)
	Ck(err)
	svc.Builder = &builder.Builder{
		Store:        svc.Store,
		Index:        svc.Index,
		Resolver:     resolver,
		Runner:       runner,
		Timeout:      cfg.BuildTimeout,
		MaxBuilds:    cfg.MaxBuilds,
		MaxDownloads: cfg.MaxDownloads,
	}
	return svc, nil
}

func (svc *Service) Close() error {
	return svc.Index.Close()
}

// AddManifest parses a manifest and writes it into the store.
func (svc *Service) AddManifest(ctx context.Context, buf []byte) (mid id.ManifestId, err error) {
	m, err := manifest.Parse(buf)
	if err != nil {
		return
	}
	return svc.Store.Manifests.Write(ctx, m)
}

// admit copies requested manifests missing from the store in from
// the configured repositories.
func (svc *Service) admit(ctx context.Context, ids []id.ManifestId) error {
	for _, mid := range ids {
		if svc.Store.Exists(mid) {
			continue
		}
		for _, repo := range svc.Repos {
			m, ok, err := repo.QueryManifest(ctx, mid)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			_, err = svc.Store.Manifests.Write(ctx, m)
			if err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// BuildManifest builds ids and streams their progress.  An error from
// send cancels the build.
func (svc *Service) BuildManifest(ctx context.Context, ids []id.ManifestId, send func(progress.Event) error) (err error) {
	_, err = svc.build(ctx, ids, send)
	return
}

func (svc *Service) build(ctx context.Context, ids []id.ManifestId, send func(progress.Event) error) (run *builder.Run, err error) {
	err = svc.admit(ctx, ids)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run = svc.Builder.Build(ctx, ids...)
	for ev := range run.Events() {
		if err != nil {
			continue
		}
		err = send(ev)
		if err != nil {
			cancel()
		}
	}
	werr := run.Wait()
	if err == nil {
		err = werr
	}
	return
}

// Install builds install and then updates the installed profile:
// every install id that finished is added, and uninstall removed.
func (svc *Service) Install(ctx context.Context, install, uninstall []id.ManifestId, send func(progress.Event) error) (err error) {
	var add []id.ManifestId
	if len(install) > 0 {
		run, err := svc.build(ctx, install, send)
		if err != nil {
			return err
		}
		for _, mid := range install {
			state, _, _ := run.State(mid)
			if state == builder.Finished {
				add = append(add, mid)
			}
		}
	}
	return svc.Index.SetInstalled(ctx, add, uninstall)
}

// Installed lists the installed profile.
func (svc *Service) Installed(ctx context.Context) ([]id.ManifestId, error) {
	return svc.Index.Installed(ctx)
}

// Verify checks the store and streams one record per entry.
func (svc *Service) Verify(ctx context.Context, checkContents, repair bool, send func(VerifyRecord) error) error {
	return svc.Store.Verify(ctx, checkContents, repair, func(ev store.VerifyEvent) error {
		return send(newVerifyRecord(ev))
	})
}

// GetBuildLog returns the log of the latest build of mid.
func (svc *Service) GetBuildLog(ctx context.Context, mid id.ManifestId) (buf []byte, err error) {
	b, ok, err := svc.Index.LastBuild(ctx, mid)
	if err != nil {
		return
	}
	if !ok {
		return nil, &NoBuildError{Manifest: mid}
	}
	buf, err = ioutil.ReadFile(b.Log)
	if os.IsNotExist(err) {
		return nil, &NoBuildError{Manifest: mid}
	}
	return
}

// Push packs the published outputs of mid into the first binary
// cache.
func (svc *Service) Push(ctx context.Context, mid id.ManifestId) (infos []cache.Info, err error) {
	if len(svc.Caches) == 0 {
		return nil, &NoCacheError{}
	}
	h, ok, err := svc.Store.Manifests.Read(ctx, mid)
	if err != nil {
		return
	}
	if !ok {
		return nil, &closure.ManifestUnavailableError{Id: mid}
	}
	for _, decl := range h.Manifest.DeclaredOutputs() {
		oid, ok, err := svc.Index.LookupOutput(ctx, mid, decl.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			oid = decl.Id
		}
		path, ok, err := svc.Store.Outputs.Read(ctx, oid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("output %q of %s is not in the store", decl.Name, mid)
		}
		info, err := svc.Caches[0].Put(ctx, oid, path)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return
}
