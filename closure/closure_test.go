package closure

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/index"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/store"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// cleanup removes a tree holding read-only store entries.
func cleanup(dir string) {
	filepath.Walk(dir, func(p string, fi os.FileInfo, err error) error {
		if err == nil && fi.IsDir() {
			os.Chmod(p, 0755)
		}
		return nil
	})
	os.RemoveAll(dir)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	t.Cleanup(func() { cleanup(dir) })
	s, err := store.Create(dir)
	tassert(t, err == nil, "%v", err)
	return s
}

type fixture struct {
	store *store.Store
	index *index.Memory
	repo  *DirRepository
	r     *Resolver

	mu      sync.Mutex
	visited map[id.ManifestId]int
}

func setup(t *testing.T) *fixture {
	f := &fixture{
		store:   newStore(t),
		index:   index.NewMemory(),
		repo:    &DirRepository{Dir: t.TempDir()},
		visited: make(map[id.ManifestId]int),
	}
	f.r = &Resolver{
		Store: f.store,
		Index: f.index,
		Repos: []Repository{f.repo},
		OnNode: func(n *Node) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.visited[n.Id]++
		},
	}
	return f
}

func mkman(t *testing.T, name string, deps ...id.ManifestId) *manifest.Manifest {
	t.Helper()
	m := &manifest.Manifest{
		Package: manifest.Package{Name: name, Version: "1.0", Dependencies: deps},
		Build:   manifest.Build{Phases: []manifest.Phase{{Name: "build", Script: "make"}}},
	}
	tassert(t, m.Validate() == nil, "invalid manifest")
	return m
}

func mid(t *testing.T, m *manifest.Manifest) id.ManifestId {
	t.Helper()
	mid, err := m.ComputeId()
	tassert(t, err == nil, "%v", err)
	return mid
}

// inStore writes m into the store.
func (f *fixture) inStore(t *testing.T, m *manifest.Manifest) id.ManifestId {
	t.Helper()
	mid, err := f.store.Manifests.Write(context.Background(), m)
	tassert(t, err == nil, "%v", err)
	return mid
}

// inRepo writes m into the directory repository only.
func (f *fixture) inRepo(t *testing.T, m *manifest.Manifest) id.ManifestId {
	t.Helper()
	mid := mid(t, m)
	buf, err := m.Canonical()
	tassert(t, err == nil, "%v", err)
	err = ioutil.WriteFile(filepath.Join(f.repo.Dir, mid.ToPath()), buf, 0644)
	tassert(t, err == nil, "%v", err)
	return mid
}

// publishOutput puts a one-file output for pkg into s.
func publishOutput(t *testing.T, s *store.Store, pkg, content string) id.OutputId {
	t.Helper()
	sc, err := s.NewScratch(pkg, "1.0")
	tassert(t, err == nil, "%v", err)
	out := filepath.Join(sc.Dir, "out")
	tassert(t, os.Mkdir(out, 0755) == nil, "mkdir")
	tassert(t, ioutil.WriteFile(filepath.Join(out, "file"), []byte(content), 0644) == nil, "write")
	oid, err := s.Outputs.Write(context.Background(), store.OutputInput{Name: pkg, Version: "1.0", Dir: out})
	tassert(t, err == nil, "%v", err)
	return oid
}

type fakeCache struct {
	has map[id.OutputId]bool
}

func (c *fakeCache) QueryOutput(ctx context.Context, oid id.OutputId) (bool, error) {
	return c.has[oid], nil
}

func (c *fakeCache) FetchOutput(ctx context.Context, oid id.OutputId, dir string) error {
	return errors.New("not implemented")
}

func TestSatisfiedDoesNotRecurse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	// bar exists nowhere; resolving it would fail
	bar := mid(t, mkman(t, "bar"))
	foo := f.inStore(t, mkman(t, "foo", bar))
	oid := publishOutput(t, f.store, "foo", "built")
	tassert(t, f.index.RecordOutput(ctx, foo, "", oid) == nil, "record")

	c, err := f.r.Resolve(ctx, foo)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(c.Nodes) == 1, "nodes %v", c.Nodes)
	n := c.Nodes[foo]
	tassert(t, n.Err == nil && n.Tag == Satisfied, "foo %v %v", n.Tag, n.Err)
	tassert(t, len(n.Outputs) == 1 && n.Outputs[0].State == Present && n.Outputs[0].Id == oid, "outputs %+v", n.Outputs)
	tassert(t, n.Deps == nil, "satisfied node has deps %v", n.Deps)
	tassert(t, f.visited[bar] == 0, "bar visited")
}

func TestPrecomputedOutputOnDisk(t *testing.T) {
	f := setup(t)
	oid := publishOutput(t, f.store, "foo", "built")
	m := mkman(t, "foo")
	m.Outputs[0].PrecomputedHash = oid.Hash.String()
	foo := f.inStore(t, m)

	c, err := f.r.Resolve(context.Background(), foo)
	tassert(t, err == nil, "%v", err)
	tassert(t, c.Nodes[foo].Tag == Satisfied, "tag %v", c.Nodes[foo].Tag)
}

func TestMustBuildRecurses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	bar := f.inRepo(t, mkman(t, "bar"))
	baz := mid(t, mkman(t, "baz"))
	foo := f.inStore(t, mkman(t, "foo", baz, bar))

	c, err := f.r.Resolve(ctx, foo)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(c.Nodes) == 3, "nodes %d", len(c.Nodes))

	n := c.Nodes[foo]
	tassert(t, n.Err == nil && n.Tag == MustBuild, "foo %v %v", n.Tag, n.Err)
	want := []id.ManifestId{bar, baz}
	if bar.String() > baz.String() {
		want = []id.ManifestId{baz, bar}
	}
	if diff := cmp.Diff(want, n.Deps); diff != "" {
		t.Fatalf("deps mismatch (-want +got):\n%s", diff)
	}

	// bar came from the repository and is now in the store
	tassert(t, c.Nodes[bar].Err == nil && c.Nodes[bar].Tag == MustBuild, "bar %v %v", c.Nodes[bar].Tag, c.Nodes[bar].Err)
	tassert(t, f.store.Exists(bar), "repository manifest not stored")

	var uerr *ManifestUnavailableError
	tassert(t, errors.As(c.Nodes[baz].Err, &uerr) && uerr.Id == baz, "baz err %v", c.Nodes[baz].Err)
	tassert(t, len(c.Failed()) == 1, "failed %v", c.Failed())

	for _, m := range []id.ManifestId{foo, bar, baz} {
		tassert(t, f.visited[m] == 1, "%s visited %d times", m, f.visited[m])
	}
}

func TestDiamondResolvedOnce(t *testing.T) {
	f := setup(t)
	d := f.inStore(t, mkman(t, "d"))
	b := f.inStore(t, mkman(t, "b", d))
	c := f.inStore(t, mkman(t, "c", d))
	a := f.inStore(t, mkman(t, "a", b, c))

	cl, err := f.r.Resolve(context.Background(), a, b)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(cl.Nodes) == 4, "nodes %d", len(cl.Nodes))
	for _, m := range []id.ManifestId{a, b, c, d} {
		tassert(t, f.visited[m] == 1, "%s visited %d times", m, f.visited[m])
	}
}

func TestSubstitutable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	remote := newStore(t)
	roid := publishOutput(t, remote, "foo", "remote build")
	sid, err := id.ParseStoreId("local+file://" + remote.Root)
	tassert(t, err == nil, "%v", err)
	rs, err := store.Dial(sid)
	tassert(t, err == nil, "%v", err)

	coid, err := id.NewOutputId("bar", "1.0", id.Compute([]byte("cached")))
	tassert(t, err == nil, "%v", err)
	cache := &fakeCache{has: map[id.OutputId]bool{coid: true}}
	f.r.Caches = []BinaryCache{cache}
	f.r.Remotes = []RemoteStore{rs}

	fm := mkman(t, "foo")
	fm.Outputs[0].PrecomputedHash = roid.Hash.String()
	foo := f.inStore(t, fm)
	bm := mkman(t, "bar")
	bm.Outputs[0].PrecomputedHash = coid.Hash.String()
	bar := f.inStore(t, bm)

	c, err := f.r.Resolve(ctx, foo, bar)
	tassert(t, err == nil, "%v", err)
	n := c.Nodes[foo]
	tassert(t, n.Err == nil && n.Tag == Substitutable, "foo %v %v", n.Tag, n.Err)
	tassert(t, n.Outputs[0].State == Remote && n.Outputs[0].Remote == RemoteStore(rs), "foo output %+v", n.Outputs[0])
	n = c.Nodes[bar]
	tassert(t, n.Err == nil && n.Tag == Substitutable, "bar %v %v", n.Tag, n.Err)
	tassert(t, n.Outputs[0].State == Cached && n.Outputs[0].Cache == BinaryCache(cache), "bar output %+v", n.Outputs[0])
	tassert(t, n.Sources == nil && n.Deps == nil, "substitutable node expanded")
}

func TestManifestFromRemote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	remote := newStore(t)
	foo, err := remote.Manifests.Write(ctx, mkman(t, "foo"))
	tassert(t, err == nil, "%v", err)
	sid, err := id.ParseStoreId("local+file://" + remote.Root)
	tassert(t, err == nil, "%v", err)
	rs, err := store.Dial(sid)
	tassert(t, err == nil, "%v", err)
	f.r.Remotes = []RemoteStore{rs}

	c, err := f.r.Resolve(ctx, foo)
	tassert(t, err == nil, "%v", err)
	tassert(t, c.Nodes[foo].Err == nil, "%v", c.Nodes[foo].Err)
	tassert(t, f.store.Exists(foo), "remote manifest not stored")
}

func TestSources(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "a.tar.gz")
	body := []byte("archive")
	tassert(t, ioutil.WriteFile(file, body, 0644) == nil, "write")
	present := manifest.Source{URI: "file://" + file, Hash: id.Compute(body).String()}
	_, err := f.store.Sources.Fetch(ctx, present, nil)
	tassert(t, err == nil, "%v", err)
	absent := manifest.Source{URI: "https://example.com/b.tar.gz", Hash: id.RandomHash().String()}

	m := mkman(t, "foo")
	m.Sources = []manifest.Source{present, absent}
	foo := f.inStore(t, m)

	c, err := f.r.Resolve(ctx, foo)
	tassert(t, err == nil, "%v", err)
	srcs := c.Nodes[foo].Sources
	tassert(t, len(srcs) == 2, "sources %+v", srcs)
	tassert(t, srcs[0].Present && !srcs[1].Present, "present flags %+v", srcs)
	tassert(t, srcs[1].Id.Name == "b", "source id %v", srcs[1].Id)
}

func TestDevDependencies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tool := f.inStore(t, mkman(t, "tool"))
	lib := mkman(t, "lib")
	lib.Package.DevDependencies = []id.ManifestId{tool}
	libId := f.inStore(t, lib)
	app := f.inStore(t, mkman(t, "app", libId))

	c, err := f.r.Resolve(ctx, app)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(c.Nodes) == 2, "dev deps of a dependency expanded: %d", len(c.Nodes))

	f.r.Tests = true
	c, err = f.r.Resolve(ctx, libId)
	tassert(t, err == nil, "%v", err)
	tassert(t, c.Nodes[tool] != nil, "root dev dependency missing")

	f.r.Tests = false
	c, err = f.r.Resolve(ctx, libId)
	tassert(t, err == nil, "%v", err)
	tassert(t, c.Nodes[tool] == nil, "dev dependency without tests")
}

func TestCancelled(t *testing.T) {
	f := setup(t)
	foo := f.inStore(t, mkman(t, "foo"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.r.Resolve(ctx, foo)
	tassert(t, errors.Is(err, context.Canceled), "expected cancel, got %v", err)
}
