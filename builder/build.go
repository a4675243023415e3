package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/index"
	"github.com/t7a/deckstore/progress"
	"github.com/t7a/deckstore/store"
	"golang.org/x/sync/errgroup"
)

// downloadEvery throttles Downloading events of one source.
const downloadEvery = 100 * time.Millisecond

// build runs the MustBuild path: downloads start at once, the build
// itself waits for them and for every dependency.
func (run *Run) build(ctx context.Context, t *task) {
	b := run.b
	node := t.node

	dlctx, cancelDownloads := context.WithCancel(ctx)
	defer cancelDownloads()
	dl := &errgroup.Group{}
	for _, src := range node.Sources {
		if src.Present {
			continue
		}
		t.setState(Downloading)
		src := src
		dl.Go(func() error {
			return run.download(dlctx, t, src)
		})
	}

	failed, inputs, err := run.awaitDeps(ctx, t)
	if err != nil {
		cancelDownloads()
		dl.Wait()
		run.fail(t, err)
		return
	}
	if !failed.IsZero() {
		cancelDownloads()
		dl.Wait()
		run.block(t, &DependencyFailedError{Manifest: t.mid, Dep: failed})
		return
	}
	err = dl.Wait()
	if err != nil {
		run.fail(t, err)
		return
	}

	err = b.builds.Acquire(ctx, 1)
	if err != nil {
		run.fail(t, err)
		return
	}
	defer b.builds.Release(1)

	outputs, err := run.runBuild(ctx, t, inputs)
	if err != nil {
		run.fail(t, err)
		return
	}
	run.succeed(t, progress.Built, outputs)
}

// download fetches one source into the store, reporting progress.
func (run *Run) download(ctx context.Context, t *task, src closure.Source) (err error) {
	b := run.b
	err = b.downloads.Acquire(ctx, 1)
	if err != nil {
		return
	}
	defer b.downloads.Release(1)

	name := src.Id.String()
	var last time.Time
	_, err = b.Store.Sources.Fetch(ctx, src.Spec, func(p store.Progress) {
		now := time.Now()
		if p.Downloaded != 0 && p.Downloaded != p.Total && now.Sub(last) < downloadEvery {
			return
		}
		last = now
		run.send(t, progress.Event{
			Kind:        progress.Downloading,
			Source:      name,
			Downloaded:  p.Downloaded,
			Size:        p.Total,
			Description: progress.DescribeDownload(p.Downloaded, p.Total),
		})
	})
	if err != nil {
		return errors.Wrapf(err, "fetch %s", name)
	}
	return nil
}

// runBuild runs the phases of t in a fresh scratch directory and
// publishes its outputs.  The log is kept whether or not the build
// succeeds.
func (run *Run) runBuild(ctx context.Context, t *task, inputs []id.OutputId) (outputs []id.OutputId, err error) {
	b := run.b
	node := t.node
	pkg := node.Manifest.Package
	t.setState(Preparing)

	logPath := b.Store.LogPath(t.mid)
	logFile, err := renameio.TempFile(filepath.Dir(logPath), logPath)
	if err != nil {
		return nil, errors.Wrap(err, "create build log")
	}
	defer logFile.Cleanup()

	rec := index.Build{Manifest: t.mid, Started: time.Now(), Log: logPath}
	defer func() {
		if ctx.Err() != nil {
			return
		}
		rec.Finished = time.Now()
		if err != nil {
			rec.Err = err.Error()
			fmt.Fprintf(logFile, "\n%v\n", err)
		}
		if cerr := logFile.CloseAtomicallyReplace(); cerr != nil {
			log.Warnf("cannot publish log of %s: %v", t.mid, cerr)
			return
		}
		if rerr := b.Index.RecordBuild(context.Background(), rec); rerr != nil {
			log.Warnf("cannot record build of %s: %v", t.mid, rerr)
		}
	}()

	sc, err := b.Store.NewScratch(pkg.Name, pkg.Version)
	if err != nil {
		return
	}
	defer sc.Remove()

	dirs, err := run.layout(t, sc.Dir)
	if err != nil {
		return
	}
	env := run.environ(t, dirs, inputs)

	phases := node.Manifest.Phases(node.Tests)
	total := len(phases)
	run.send(t, progress.Event{Kind: progress.Building, Phase: progress.PhaseStarted, Total: total, Description: "preparing " + t.mid.String()})

	bctx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	out := &outputLog{log: logFile, emit: func(ev progress.Event) { run.send(t, ev) }}
	t.setState(Building)
	for i, phase := range phases {
		script, err := phase.Render(node.Manifest.Build.Settings)
		if err != nil {
			return nil, err
		}
		desc := phase.Description
		if desc == "" {
			desc = phase.Name
		}
		base := progress.Event{Kind: progress.Building, Phase: phaseOf(phase.Name), Current: i + 1, Total: total, Description: desc}
		run.send(t, base)
		fmt.Fprintf(logFile, "==> %s\n", phase.Name)

		stdout, stderr := out.streams(base)
		job := Job{Manifest: t.mid, Phase: phase, Script: script, Dir: dirs.build, Env: env}
		err = b.Runner.Run(bctx, job, stdout, stderr)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if bctx.Err() == context.DeadlineExceeded {
			return nil, &TimedOutError{Manifest: t.mid, Timeout: b.Timeout}
		}
		return nil, err
	}

	t.setState(Finalizing)
	run.send(t, progress.Event{Kind: progress.Installing, Description: t.mid.String()})
	return run.publish(ctx, t, dirs)
}

// buildDirs is the scratch layout of one build.
type buildDirs struct {
	build   string
	src     string
	outputs map[string]string
}

func (run *Run) layout(t *task, scratch string) (dirs buildDirs, err error) {
	dirs = buildDirs{
		build:   filepath.Join(scratch, "build"),
		src:     filepath.Join(scratch, "src"),
		outputs: make(map[string]string),
	}
	for _, dir := range []string{dirs.build, dirs.src} {
		err = os.Mkdir(dir, 0755)
		if err != nil {
			return
		}
	}
	// tmp/<nonce>-<pkg>-<version>/out-<output> is exactly as long as
	// outputs/<pkg>-<output>-<version>-<hash>, so the store can
	// rewrite self-references in place when publishing.
	for _, out := range t.node.Outputs {
		dir := filepath.Join(scratch, "out")
		if out.Name != "" {
			dir += "-" + out.Name
		}
		err = os.Mkdir(dir, 0755)
		if err != nil {
			return
		}
		dirs.outputs[out.Name] = dir
	}
	for _, src := range t.node.Sources {
		err = os.Symlink(run.b.Store.Path(src.Id), filepath.Join(dirs.src, src.Id.FileName()))
		if err != nil {
			return
		}
	}
	return
}

func (run *Run) environ(t *task, dirs buildDirs, inputs []id.OutputId) (env []string) {
	m := t.node.Manifest
	keys := make([]string, 0, len(m.Env))
	for k := range m.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env = append(env,
		"PATH="+os.Getenv("PATH"),
		"HOME="+dirs.build,
		"TMPDIR="+dirs.build,
	)
	for _, k := range keys {
		env = append(env, k+"="+m.Env[k])
	}
	for name, dir := range dirs.outputs {
		if name == "" {
			env = append(env, "out="+dir)
		} else {
			env = append(env, "out_"+envName(name)+"="+dir)
		}
	}
	var paths []string
	for _, oid := range inputs {
		paths = append(paths, run.b.Store.Path(oid))
	}
	env = append(env,
		"src="+dirs.src,
		"DECK_STORE="+run.b.Store.Root,
		"DECK_INPUTS="+strings.Join(paths, ":"),
	)
	return
}

// envName turns an output name into a shell variable suffix.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

// publish hashes and publishes every output directory, concurrently.
func (run *Run) publish(ctx context.Context, t *task, dirs buildDirs) (outputs []id.OutputId, err error) {
	b := run.b
	pkg := t.node.Manifest.Package
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, out := range t.node.Outputs {
		out := out
		g.Go(func() error {
			oid, err := b.Store.Outputs.Write(gctx, store.OutputInput{
				Name:    id.OutputName(pkg.Name, out.Name),
				Version: pkg.Version,
				Dir:     dirs.outputs[out.Name],
			})
			if err != nil {
				return errors.Wrapf(err, "publish output %q", out.Name)
			}
			if !out.Id.IsZero() && out.Id != oid {
				log.Warnf("%s: output %q hashed to %s, declared %s", t.mid, out.Name, oid, out.Id)
			}
			err = b.Index.RecordOutput(gctx, t.mid, out.Name, oid)
			if err != nil {
				return errors.Wrapf(err, "record output %s", oid)
			}
			mu.Lock()
			outputs = append(outputs, oid)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		return nil, err
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].String() < outputs[j].String() })
	return
}
