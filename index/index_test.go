package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/t7a/deckstore/id"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func mid(t *testing.T, name string) id.ManifestId {
	t.Helper()
	m, err := id.NewManifestId(name, "1.0", id.Compute([]byte(name)))
	tassert(t, err == nil, "%v", err)
	return m
}

func oid(t *testing.T, name string, seed string) id.OutputId {
	t.Helper()
	o, err := id.NewOutputId(name, "1.0", id.Compute([]byte(seed)))
	tassert(t, err == nil, "%v", err)
	return o
}

func implementations(t *testing.T) map[string]Index {
	sq, err := Open(filepath.Join(t.TempDir(), "index.db"))
	tassert(t, err == nil, "%v", err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Index{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestOutputs(t *testing.T) {
	ctx := context.Background()
	for name, idx := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			foo := mid(t, "foo")
			_, ok, err := idx.LookupOutput(ctx, foo, "")
			tassert(t, err == nil && !ok, "empty index: %v %v", ok, err)

			o1 := oid(t, "foo", "a")
			o2 := oid(t, "foo-doc", "b")
			tassert(t, idx.RecordOutput(ctx, foo, "", o1) == nil, "record")
			tassert(t, idx.RecordOutput(ctx, foo, "doc", o2) == nil, "record")

			got, ok, err := idx.LookupOutput(ctx, foo, "")
			tassert(t, err == nil && ok && got == o1, "lookup %v %v %v", got, ok, err)
			got, ok, err = idx.LookupOutput(ctx, foo, "doc")
			tassert(t, err == nil && ok && got == o2, "lookup doc %v %v %v", got, ok, err)

			// a rebuild replaces the mapping
			o3 := oid(t, "foo", "c")
			tassert(t, idx.RecordOutput(ctx, foo, "", o3) == nil, "record")
			got, _, _ = idx.LookupOutput(ctx, foo, "")
			tassert(t, got == o3, "lookup after replace %v", got)
		})
	}
}

func TestBuilds(t *testing.T) {
	ctx := context.Background()
	for name, idx := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			foo := mid(t, "foo")
			_, ok, err := idx.LastBuild(ctx, foo)
			tassert(t, err == nil && !ok, "no builds yet: %v %v", ok, err)

			t0 := time.Unix(1700000000, 0)
			failed := Build{Manifest: foo, Started: t0, Finished: t0.Add(time.Second), Err: "exit status 2", Log: "/s/var/log/a.log"}
			built := Build{Manifest: foo, Started: t0.Add(time.Minute), Finished: t0.Add(2 * time.Minute), Log: "/s/var/log/b.log"}
			tassert(t, idx.RecordBuild(ctx, failed) == nil, "record")
			tassert(t, idx.RecordBuild(ctx, built) == nil, "record")

			b, ok, err := idx.LastBuild(ctx, foo)
			tassert(t, err == nil && ok, "last build %v %v", ok, err)
			tassert(t, b.Ok() && b.Log == built.Log, "got %+v", b)
			tassert(t, b.Finished.Equal(built.Finished), "finished %v", b.Finished)
		})
	}
}

func TestInstalled(t *testing.T) {
	ctx := context.Background()
	for name, idx := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			a, b, c := mid(t, "a"), mid(t, "b"), mid(t, "c")
			tassert(t, idx.SetInstalled(ctx, []id.ManifestId{a, b}, nil) == nil, "install")
			tassert(t, idx.SetInstalled(ctx, []id.ManifestId{c, a}, []id.ManifestId{b}) == nil, "update")
			got, err := idx.Installed(ctx)
			tassert(t, err == nil, "%v", err)
			want := []id.ManifestId{a, c}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("installed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(path)
	tassert(t, err == nil, "%v", err)
	foo := mid(t, "foo")
	o := oid(t, "foo", "x")
	tassert(t, idx.RecordOutput(ctx, foo, "", o) == nil, "record")
	tassert(t, idx.Close() == nil, "close")

	idx, err = Open(path)
	tassert(t, err == nil, "%v", err)
	defer idx.Close()
	got, ok, err := idx.LookupOutput(ctx, foo, "")
	tassert(t, err == nil && ok && got == o, "after reopen %v %v %v", got, ok, err)
}
