// Package closure decides, for a set of requested manifests, what is
// already present, what can be substituted from a cache or remote
// store, and what must be built locally.
package closure

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/index"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Tag is the resolution decided for a manifest.
type Tag int

const (
	// Satisfied nodes have every output on disk.
	Satisfied Tag = iota
	// Substitutable nodes have every missing output available from a
	// binary cache or remote store.
	Substitutable
	// MustBuild nodes have at least one output nobody can supply.
	MustBuild
)

func (t Tag) String() string {
	switch t {
	case Satisfied:
		return "satisfied"
	case Substitutable:
		return "substitutable"
	case MustBuild:
		return "must-build"
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// OutputState says where one declared output will come from.
type OutputState int

const (
	// Missing outputs have no known id, or a known id nobody holds.
	Missing OutputState = iota
	Present
	Cached
	Remote
)

type Output struct {
	// Name is empty for the default output.
	Name string
	// Id is zero when the output's id is not known before building.
	Id     id.OutputId
	State  OutputState
	Cache  BinaryCache
	Remote RemoteStore
}

// Source is a declared source of a MustBuild node.
type Source struct {
	Spec    manifest.Source
	Id      id.SourceId
	Present bool
}

// Node is one resolved manifest.  Err is set when the manifest could
// not be resolved; the rest of the closure is still usable.
type Node struct {
	Id       id.ManifestId
	Manifest *manifest.Manifest
	Tag      Tag
	Outputs  []Output
	Sources  []Source
	// Deps is only filled for MustBuild nodes.
	Deps  []id.ManifestId
	Tests bool
	Err   error
}

// ManifestUnavailableError reports a manifest no collaborator could
// supply.
type ManifestUnavailableError struct {
	Id id.ManifestId
}

func (e *ManifestUnavailableError) Error() string {
	return fmt.Sprintf("manifest unavailable: %s", e.Id)
}

// Closure is the resolved node set for one request.
type Closure struct {
	Roots []id.ManifestId
	Nodes map[id.ManifestId]*Node
}

// Sorted returns the nodes ordered by id.
func (c *Closure) Sorted() (nodes []*Node) {
	for _, n := range c.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Id.Less(nodes[j].Id) })
	return
}

// Failed returns the nodes that could not be resolved.
func (c *Closure) Failed() (nodes []*Node) {
	for _, n := range c.Sorted() {
		if n.Err != nil {
			nodes = append(nodes, n)
		}
	}
	return
}

// Resolver computes closures against a store.  Collaborators are
// consulted in slice order; repositories before remote stores for
// manifests, binary caches before remote stores for outputs.
type Resolver struct {
	Store   *store.Store
	Index   index.Index
	Repos   []Repository
	Caches  []BinaryCache
	Remotes []RemoteStore
	// Tests enables dev-dependencies of the requested roots.
	Tests bool
	// Limit bounds concurrent collaborator queries; zero means 8.
	Limit int
	// OnNode is called once per node as soon as it is classified,
	// before its dependencies are resolved.
	OnNode func(*Node)
}

type resolution struct {
	r     *Resolver
	g     *errgroup.Group
	sem   *semaphore.Weighted
	roots map[id.ManifestId]bool

	mu    sync.Mutex
	nodes map[id.ManifestId]*Node
}

// Resolve classifies roots and, below MustBuild nodes, their
// dependencies.  Each manifest is resolved once.  Node errors are
// recorded on the node; the returned error is only set when ctx is
// cancelled.
func (r *Resolver) Resolve(ctx context.Context, roots ...id.ManifestId) (c *Closure, err error) {
	limit := r.Limit
	if limit <= 0 {
		limit = 8
	}
	res := &resolution{
		r:     r,
		g:     &errgroup.Group{},
		sem:   semaphore.NewWeighted(int64(limit)),
		roots: make(map[id.ManifestId]bool),
		nodes: make(map[id.ManifestId]*Node),
	}
	for _, mid := range roots {
		res.roots[mid] = true
	}
	for _, mid := range roots {
		res.visit(ctx, mid)
	}
	res.g.Wait()
	err = ctx.Err()
	if err != nil {
		return
	}
	return &Closure{Roots: roots, Nodes: res.nodes}, nil
}

// visit starts resolving mid unless another branch already has.
func (res *resolution) visit(ctx context.Context, mid id.ManifestId) {
	res.mu.Lock()
	if _, ok := res.nodes[mid]; ok {
		res.mu.Unlock()
		return
	}
	node := &Node{Id: mid, Tests: res.r.Tests && res.roots[mid]}
	res.nodes[mid] = node
	res.mu.Unlock()

	res.g.Go(func() error {
		err := res.resolve(ctx, node)
		if err != nil {
			node.Err = err
			log.Debugf("resolve %s: %v", mid, err)
		}
		if res.r.OnNode != nil {
			res.r.OnNode(node)
		}
		if err != nil || node.Tag != MustBuild {
			return nil
		}
		for _, dep := range node.Deps {
			res.visit(ctx, dep)
		}
		return nil
	})
}

func (res *resolution) resolve(ctx context.Context, node *Node) (err error) {
	err = res.sem.Acquire(ctx, 1)
	if err != nil {
		return
	}
	defer res.sem.Release(1)

	r := res.r
	node.Manifest, err = r.loadManifest(ctx, node.Id)
	if err != nil {
		return
	}

	// classify outputs: local disk, then caches, then remotes
	node.Tag = Satisfied
	for _, decl := range node.Manifest.DeclaredOutputs() {
		out, err := r.classifyOutput(ctx, node.Id, decl)
		if err != nil {
			return err
		}
		node.Outputs = append(node.Outputs, out)
		switch {
		case out.State == Missing:
			node.Tag = MustBuild
		case out.State != Present && node.Tag == Satisfied:
			node.Tag = Substitutable
		}
	}
	if node.Tag != MustBuild {
		return nil
	}

	for _, spec := range node.Manifest.Sources {
		sid, err := spec.Id()
		if err != nil {
			return err
		}
		node.Sources = append(node.Sources, Source{Spec: spec, Id: sid, Present: r.Store.Exists(sid)})
	}
	node.Deps = node.Manifest.Deps(node.Tests)
	return nil
}

// loadManifest reads mid from the store, first copying it in from a
// repository or remote store if needed.
func (r *Resolver) loadManifest(ctx context.Context, mid id.ManifestId) (m *manifest.Manifest, err error) {
	h, ok, err := r.Store.Manifests.Read(ctx, mid)
	if err != nil {
		return
	}
	if ok {
		return h.Manifest, nil
	}

	for _, repo := range r.Repos {
		m, ok, err = repo.QueryManifest(ctx, mid)
		if err != nil {
			log.Debugf("repository query for %s: %v", mid, err)
			continue
		}
		if ok && r.admit(ctx, mid, m) {
			return m, nil
		}
	}
	for _, remote := range r.Remotes {
		ok, err = remote.QueryManifest(ctx, mid)
		if err != nil || !ok {
			continue
		}
		m, err = remote.FetchManifest(ctx, mid)
		if err != nil {
			log.Debugf("fetch %s from %s: %v", mid, remote.StoreId(), err)
			continue
		}
		if r.admit(ctx, mid, m) {
			return m, nil
		}
	}
	return nil, &ManifestUnavailableError{Id: mid}
}

// admit writes a collaborator's manifest into the store if it really
// is mid.
func (r *Resolver) admit(ctx context.Context, mid id.ManifestId, m *manifest.Manifest) bool {
	got, err := r.Store.Manifests.Write(ctx, m)
	if err != nil {
		log.Warnf("cannot store manifest %s: %v", mid, err)
		return false
	}
	if got != mid {
		log.Warnf("collaborator returned %s for %s", got, mid)
		return false
	}
	return true
}

// knownOutput returns the id an output is expected to have, from a
// declared precomputed hash or from an earlier build.
func (r *Resolver) knownOutput(ctx context.Context, mid id.ManifestId, decl manifest.DeclaredOutput) (oid id.OutputId, ok bool, err error) {
	if !decl.Id.IsZero() && r.Store.Exists(decl.Id) {
		return decl.Id, true, nil
	}
	if r.Index != nil {
		oid, ok, err = r.Index.LookupOutput(ctx, mid, decl.Name)
		if err != nil {
			return oid, false, errors.Wrapf(err, "index lookup for %s", mid)
		}
		if ok {
			return
		}
	}
	if !decl.Id.IsZero() {
		return decl.Id, true, nil
	}
	return oid, false, nil
}

func (r *Resolver) classifyOutput(ctx context.Context, mid id.ManifestId, decl manifest.DeclaredOutput) (out Output, err error) {
	out.Name = decl.Name
	oid, ok, err := r.knownOutput(ctx, mid, decl)
	if err != nil || !ok {
		return
	}
	out.Id = oid
	if r.Store.Exists(oid) {
		out.State = Present
		return
	}
	for _, c := range r.Caches {
		ok, err := c.QueryOutput(ctx, oid)
		if err == nil && ok {
			out.State, out.Cache = Cached, c
			return out, nil
		}
	}
	for _, remote := range r.Remotes {
		ok, err := remote.QueryOutput(ctx, oid)
		if err == nil && ok {
			out.State, out.Remote = Remote, remote
			return out, nil
		}
	}
	return
}
