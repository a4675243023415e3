package builder

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/index"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/progress"
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

// fakeRunner records phase starts and ends, optionally holding a
// package's build until its gate is closed.
type fakeRunner struct {
	mu    sync.Mutex
	log   []string
	gates map[string]chan struct{}
	fail  map[string]bool
}

func (f *fakeRunner) record(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
}

func (f *fakeRunner) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeRunner) Run(ctx context.Context, job Job, stdout, stderr io.Writer) error {
	name := job.Manifest.Name
	f.record("start " + name)
	defer f.record("end " + name)
	if gate, ok := f.gates[name]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fmt.Fprintf(stdout, "building %s\n", name)
	if f.fail[name] {
		return &BuildFailedError{Manifest: job.Manifest, Phase: job.Phase.Name, Code: 1}
	}
	return ioutil.WriteFile(filepath.Join(job.Getenv("out"), name), []byte(name), 0644)
}

func (f *fakeRunner) index(entry string) int {
	for i, e := range f.entries() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fixture struct {
	store  *store.Store
	index  *index.Memory
	runner *fakeRunner
	b      *Builder
}

func setup(t *testing.T) *fixture {
	s := newStore(t)
	f := &fixture{
		store:  s,
		index:  index.NewMemory(),
		runner: &fakeRunner{gates: make(map[string]chan struct{}), fail: make(map[string]bool)},
	}
	f.b = &Builder{
		Store:        s,
		Index:        f.index,
		Resolver:     &closure.Resolver{},
		Runner:       f.runner,
		MaxBuilds:    2,
		MaxDownloads: 4,
	}
	return f
}

func (f *fixture) add(t *testing.T, m *manifest.Manifest) id.ManifestId {
	t.Helper()
	tassert(t, m.Validate() == nil, "invalid manifest %s", m.Package.Name)
	mid, err := f.store.Manifests.Write(context.Background(), m)
	tassert(t, err == nil, "%v", err)
	return mid
}

func mkman(name string, deps ...id.ManifestId) *manifest.Manifest {
	return &manifest.Manifest{
		Package: manifest.Package{Name: name, Version: "1.0", Dependencies: deps},
		Build:   manifest.Build{Phases: []manifest.Phase{{Name: "build", Script: "make"}}},
	}
}

// collect drains the event stream, calling hook on each event.
func collect(t *testing.T, run *Run, hook func(progress.Event)) (events []progress.Event) {
	t.Helper()
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			events = append(events, ev)
			if hook != nil {
				hook(ev)
			}
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(events))
		}
	}
}

// final returns the last event of every node.
func final(events []progress.Event) map[string]progress.Event {
	last := make(map[string]progress.Event)
	for _, ev := range events {
		if ev.Kind != progress.Started {
			last[ev.Manifest.Name] = ev
		}
	}
	return last
}

// graph builds quux, foo -> quux, bar, baz -> {foo, bar}.  baz has a
// source served by srv.
func (f *fixture) graph(t *testing.T, srv *httptest.Server, body []byte) (quux, foo, bar, baz id.ManifestId) {
	quux = f.add(t, mkman("quux"))
	foo = f.add(t, mkman("foo", quux))
	bar = f.add(t, mkman("bar"))
	m := mkman("baz", foo, bar)
	m.Sources = []manifest.Source{{URI: srv.URL + "/baz-1.0.tar.gz", Hash: id.Compute(body).String()}}
	baz = f.add(t, m)
	return
}

func serve(t *testing.T, body []byte) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSchedulingOrder(t *testing.T) {
	f := setup(t)
	body := []byte("baz source")
	srv := serve(t, body)
	quux, foo, bar, baz := f.graph(t, srv, body)

	// foo cannot finish until baz's source download has been seen
	release := make(chan struct{})
	f.runner.gates["foo"] = release
	released := false

	run := f.b.Build(context.Background(), baz)
	events := collect(t, run, func(ev progress.Event) {
		if ev.Kind == progress.Downloading && ev.Manifest == baz && !released {
			released = true
			close(release)
		}
	})
	tassert(t, run.Wait() == nil, "wait failed")
	tassert(t, released, "baz source was never downloaded")

	tassert(t, events[0].Kind == progress.Started, "first event %v", events[0])
	want := []id.ManifestId{quux, bar, foo, baz}
	diff := cmp.Diff(names(want), names(events[0].Packages))
	tassert(t, diff == "", "started packages:\n%s", diff)

	for name, ev := range final(events) {
		tassert(t, ev.Kind == progress.Finished && ev.Status == progress.Built, "%s ended with %v", name, ev)
	}

	r := f.runner
	tassert(t, r.index("start baz") > r.index("end foo"), "baz started before foo finished: %v", r.entries())
	tassert(t, r.index("start baz") > r.index("end bar"), "baz started before bar finished: %v", r.entries())
	tassert(t, r.index("start foo") > r.index("end quux"), "foo started before quux finished: %v", r.entries())

	for _, mid := range want {
		state, err, ok := run.State(mid)
		tassert(t, ok && state == Finished && err == nil, "%s: %v %v", mid.Name, state, err)
		outputs := run.Outputs(mid)
		tassert(t, len(outputs) == 1, "%s outputs %v", mid.Name, outputs)
		tassert(t, f.store.Exists(outputs[0]), "%s not published", outputs[0])
		oid, ok, err := f.index.LookupOutput(context.Background(), mid, "")
		tassert(t, err == nil && ok && oid == outputs[0], "index has %v %v %v", oid, ok, err)
	}
}

func names(mids []id.ManifestId) (out []string) {
	for _, mid := range mids {
		out = append(out, mid.Name)
	}
	return
}

func TestPartialFailure(t *testing.T) {
	f := setup(t)
	body := []byte("baz source")
	srv := serve(t, body)
	_, foo, _, baz := f.graph(t, srv, body)
	f.runner.fail["foo"] = true

	run := f.b.Build(context.Background(), baz)
	events := collect(t, run, nil)
	run.Wait()

	last := final(events)
	tassert(t, last["foo"].Kind == progress.Error, "foo: %v", last["foo"])
	tassert(t, last["foo"].Reason == "build_failed", "foo reason %q", last["foo"].Reason)
	tassert(t, last["baz"].Kind == progress.Blocked, "baz: %v", last["baz"])
	tassert(t, last["baz"].Reason == "dependency_failed", "baz reason %q", last["baz"].Reason)
	tassert(t, last["bar"].Kind == progress.Finished, "bar: %v", last["bar"])
	tassert(t, last["quux"].Kind == progress.Finished, "quux: %v", last["quux"])
	tassert(t, f.runner.index("start baz") == -1, "baz was started: %v", f.runner.entries())

	state, err, _ := run.State(baz)
	var derr *DependencyFailedError
	tassert(t, state == Blocked && errors.As(err, &derr) && derr.Dep == foo, "baz: %v %v", state, err)

	b, ok, err := f.index.LastBuild(context.Background(), foo)
	tassert(t, err == nil && ok && !b.Ok(), "foo build record %v %v %v", b, ok, err)
	buf, err := ioutil.ReadFile(b.Log)
	tassert(t, err == nil, "%v", err)
	tassert(t, strings.Contains(string(buf), "building foo"), "log: %q", buf)
}

func TestManifestUnavailable(t *testing.T) {
	f := setup(t)
	bar := f.add(t, mkman("bar"))
	ghost, err := mkman("ghost").ComputeId()
	tassert(t, err == nil, "%v", err)
	top := f.add(t, mkman("top", bar, ghost))

	run := f.b.Build(context.Background(), top)
	last := final(collect(t, run, nil))
	tassert(t, last["ghost"].Reason == "manifest_unavailable", "ghost: %v", last["ghost"])
	tassert(t, last["top"].Kind == progress.Blocked, "top: %v", last["top"])
	tassert(t, last["bar"].Kind == progress.Finished, "bar: %v", last["bar"])
}

// stageTree creates an output tree outside any store and returns its
// id as package name.
func stageTree(t *testing.T, name string) (dir string, oid id.OutputId) {
	dir = t.TempDir()
	tassert(t, ioutil.WriteFile(filepath.Join(dir, "data"), []byte("payload of "+name), 0644) == nil, "write")
	hash, err := store.HashPath(dir, nil)
	tassert(t, err == nil, "%v", err)
	oid, err = id.NewOutputId(name, "1.0", hash)
	tassert(t, err == nil, "%v", err)
	return
}

func TestSubstituteFromCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dir, oid := stageTree(t, "sub")
	c, err := cache.Cache{Dir: t.TempDir()}.Create()
	tassert(t, err == nil, "%v", err)
	_, err = c.Put(ctx, oid, dir)
	tassert(t, err == nil, "%v", err)
	f.b.Resolver.Caches = []closure.BinaryCache{c}

	m := mkman("sub")
	m.Outputs = []manifest.Output{{PrecomputedHash: oid.Hash.String()}}
	mid := f.add(t, m)

	run := f.b.Build(ctx, mid)
	last := final(collect(t, run, nil))
	tassert(t, last["sub"].Kind == progress.Finished && last["sub"].Status == progress.Downloaded, "sub: %v", last["sub"])
	tassert(t, f.store.Exists(oid), "%s not published", oid)
	tassert(t, len(f.runner.entries()) == 0, "substitutable package was built")

	// now on disk, but not installed
	run = f.b.Build(ctx, mid)
	last = final(collect(t, run, nil))
	tassert(t, last["sub"].Status == progress.Reinstalled, "sub: %v", last["sub"])

	tassert(t, f.index.SetInstalled(ctx, []id.ManifestId{mid}, nil) == nil, "set installed")
	run = f.b.Build(ctx, mid)
	last = final(collect(t, run, nil))
	tassert(t, last["sub"].Status == progress.Memoized, "sub: %v", last["sub"])
}

func TestSubstituteFromRemote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	remoteStore := newStore(t)
	dir, oid := stageTree(t, "rsub")
	got, err := remoteStore.Outputs.Write(ctx, store.OutputInput{Name: "rsub", Version: "1.0", Dir: dir})
	tassert(t, err == nil && got == oid, "remote write %v %v", got, err)

	sid, err := id.ParseStoreId("local+file://" + remoteStore.Root)
	tassert(t, err == nil, "%v", err)
	remote, err := store.Dial(sid)
	tassert(t, err == nil, "%v", err)
	f.b.Resolver.Remotes = []closure.RemoteStore{remote}

	m := mkman("rsub")
	m.Outputs = []manifest.Output{{PrecomputedHash: oid.Hash.String()}}
	mid := f.add(t, m)

	run := f.b.Build(ctx, mid)
	events := collect(t, run, nil)
	last := final(events)
	tassert(t, last["rsub"].Status == progress.Downloaded, "rsub: %v", last["rsub"])
	tassert(t, f.store.Exists(oid), "%s not published", oid)
	var from string
	for _, ev := range events {
		if ev.Kind == progress.Downloading {
			from = ev.Description
		}
	}
	tassert(t, strings.Contains(from, remoteStore.Root), "downloading from %q", from)
}

func TestLevels(t *testing.T) {
	f := setup(t)
	body := []byte("baz source")
	srv := serve(t, body)
	quux, foo, bar, baz := f.graph(t, srv, body)

	run := f.b.Build(context.Background(), baz)
	collect(t, run, nil)
	run.Wait()
	levels := run.Graph.Levels()
	want := map[id.ManifestId]int{baz: 0, foo: 1, bar: 1, quux: 2}
	for mid, level := range want {
		tassert(t, levels[mid] == level, "%s: level %d, want %d", mid.Name, levels[mid], level)
	}
}

func TestCancel(t *testing.T) {
	f := setup(t)
	quux := f.add(t, mkman("quux"))
	f.runner.gates["quux"] = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	run := f.b.Build(ctx, quux)
	go func() {
		for f.runner.index("start quux") < 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	collect(t, run, nil)
	run.Wait()
	state, err, _ := run.State(quux)
	tassert(t, state == Failed && errors.Is(err, context.Canceled), "quux: %v %v", state, err)
	names, err := ioutil.ReadDir(filepath.Join(f.store.Root, id.TmpDir))
	tassert(t, err == nil && len(names) == 0, "scratch left behind: %v", names)
}

func TestPhaseOf(t *testing.T) {
	cases := map[string]progress.Phase{
		"unpack":    progress.PhasePreparing,
		"configure": progress.PhaseConfiguring,
		"build":     progress.PhaseCompiling,
		"check":     progress.PhaseTesting,
		"install":   progress.PhaseFinalizing,
		"docs":      progress.PhaseCompiling,
	}
	for name, want := range cases {
		tassert(t, phaseOf(name) == want, "%s: got %v", name, phaseOf(name))
	}
}

func TestReason(t *testing.T) {
	tassert(t, Reason(nil) == "", "nil")
	tassert(t, Reason(errors.Wrap(&TimedOutError{}, "x")) == "timed_out", "timeout")
	tassert(t, Reason(&store.HashMismatchError{}) == "hash_mismatch", "mismatch")
	tassert(t, Reason(context.Canceled) == "cancelled", "cancelled")
	tassert(t, Reason(errors.New("boom")) == "internal", "internal")
}
