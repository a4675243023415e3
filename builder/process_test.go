package builder

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/progress"
)

func shellBuilder(t *testing.T, f *fixture) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	runner, err := NewExecRunner("")
	tassert(t, err == nil, "%v", err)
	tassert(t, len(runner.Shell) == 2 && runner.Shell[1] == "-ec", "shell %q", runner.Shell)
	f.b.Runner = runner
}

func TestShellBuild(t *testing.T) {
	f := setup(t)
	shellBuilder(t, f)
	ctx := context.Background()

	m := mkman("hello")
	m.Env = map[string]string{"GREETING": "hi"}
	m.Outputs = []manifest.Output{{}, {Name: "doc"}}
	m.Build.Settings = map[string]interface{}{"who": "there world"}
	m.Build.Phases = []manifest.Phase{
		{Name: "configure", Script: "echo configuring; echo oops >&2"},
		{Name: "build", Script: `mkdir -p "$out/bin"; echo "$GREETING" ${settings.who} > "$out/greeting"; echo manual > "$out_doc/README"`},
		{Name: "check", Script: "exit 1", Test: true},
	}
	mid := f.add(t, m)

	run := f.b.Build(ctx, mid)
	var stdout, stderr bytes.Buffer
	var phases []progress.Phase
	events := collect(t, run, func(ev progress.Event) {
		if ev.Kind != progress.Building {
			return
		}
		stdout.Write(ev.Stdout)
		stderr.Write(ev.Stderr)
		if ev.Stdout == nil && ev.Stderr == nil {
			phases = append(phases, ev.Phase)
		}
	})
	last := final(events)
	tassert(t, last["hello"].Status == progress.Built, "hello: %v", last["hello"])
	tassert(t, strings.Contains(stdout.String(), "configuring"), "stdout %q", stdout.String())
	tassert(t, strings.Contains(stderr.String(), "oops"), "stderr %q", stderr.String())
	want := []progress.Phase{progress.PhaseStarted, progress.PhaseConfiguring, progress.PhaseCompiling}
	tassert(t, len(phases) == len(want), "phases %v", phases)
	for i := range want {
		tassert(t, phases[i] == want[i], "phases %v", phases)
	}

	outputs := run.Outputs(mid)
	tassert(t, len(outputs) == 2, "outputs %v", outputs)
	for _, oid := range outputs {
		switch oid.Name {
		case "hello":
			buf, err := ioutil.ReadFile(filepath.Join(f.store.Path(oid), "greeting"))
			tassert(t, err == nil, "%v", err)
			tassert(t, string(buf) == "hi there world\n", "greeting %q", buf)
		case "hello-doc":
			tassert(t, f.store.Exists(oid), "doc output missing")
		default:
			t.Fatalf("unexpected output %s", oid)
		}
	}

	b, ok, err := f.index.LastBuild(ctx, mid)
	tassert(t, err == nil && ok && b.Ok(), "build record %v %v %v", b, ok, err)
	buf, err := ioutil.ReadFile(f.store.LogPath(mid))
	tassert(t, err == nil, "%v", err)
	tassert(t, strings.Contains(string(buf), "==> build"), "log %q", buf)
	tassert(t, strings.Contains(string(buf), "oops"), "log %q", buf)
}

func TestShellSelfReference(t *testing.T) {
	ctx := context.Background()
	build := func() (*fixture, id.OutputId) {
		f := setup(t)
		shellBuilder(t, f)
		m := mkman("selfref")
		m.Build.Phases = []manifest.Phase{{Name: "build", Script: `echo "$out" > "$out/prefix"; ln -s "$out/prefix" "$out/link"`}}
		mid := f.add(t, m)
		run := f.b.Build(ctx, mid)
		last := final(collect(t, run, nil))
		tassert(t, last["selfref"].Status == progress.Built, "selfref: %v", last["selfref"])
		outputs := run.Outputs(mid)
		tassert(t, len(outputs) == 1, "outputs %v", outputs)
		return f, outputs[0]
	}
	f1, a := build()
	f2, b := build()
	tassert(t, a == b, "identical recipe produced different output ids: %v != %v", a, b)

	for _, f := range []*fixture{f1, f2} {
		path := f.store.Path(a)
		buf, err := ioutil.ReadFile(filepath.Join(path, "prefix"))
		tassert(t, err == nil, "%v", err)
		tassert(t, string(buf) == path+"\n", "prefix %q", buf)
		target, err := os.Readlink(filepath.Join(path, "link"))
		tassert(t, err == nil && target == filepath.Join(path, "prefix"), "link %q %v", target, err)
	}
}

func TestShellFailure(t *testing.T) {
	f := setup(t)
	shellBuilder(t, f)
	m := mkman("broken")
	m.Build.Phases = []manifest.Phase{{Name: "build", Script: "echo trying; exit 3"}}
	mid := f.add(t, m)

	run := f.b.Build(context.Background(), mid)
	collect(t, run, nil)
	run.Wait()
	state, err, _ := run.State(mid)
	berr, ok := err.(*BuildFailedError)
	tassert(t, state == Failed && ok && berr.Code == 3, "broken: %v %v", state, err)
}

func TestShellTimeout(t *testing.T) {
	f := setup(t)
	shellBuilder(t, f)
	f.b.Timeout = 100 * time.Millisecond
	m := mkman("slow")
	m.Build.Phases = []manifest.Phase{{Name: "build", Script: "sleep 10"}}
	mid := f.add(t, m)

	start := time.Now()
	run := f.b.Build(context.Background(), mid)
	last := final(collect(t, run, nil))
	tassert(t, last["slow"].Reason == "timed_out", "slow: %v", last["slow"])
	tassert(t, time.Since(start) < 5*time.Second, "timeout took %v", time.Since(start))
}

func TestUndefinedSetting(t *testing.T) {
	f := setup(t)
	shellBuilder(t, f)
	m := mkman("unset")
	m.Build.Phases = []manifest.Phase{{Name: "build", Script: "echo ${settings.nope}"}}
	mid := f.add(t, m)

	run := f.b.Build(context.Background(), mid)
	last := final(collect(t, run, nil))
	tassert(t, last["unset"].Reason == "undefined_setting", "unset: %v", last["unset"])
}
