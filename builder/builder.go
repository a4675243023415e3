// Package builder executes a resolved closure.  Every node gets its
// own goroutine: satisfied nodes finish at once, substitutable nodes
// fetch their outputs from a cache or remote store, and the rest
// download their sources, wait for their dependencies, and run their
// build phases.  Downloads and builds draw from separate slot pools,
// so a source download for a late package is never queued behind the
// builds of earlier ones.
package builder

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/index"
	"github.com/t7a/deckstore/progress"
	"github.com/t7a/deckstore/store"
	"golang.org/x/sync/semaphore"
)

type Builder struct {
	Store    *store.Store
	Index    index.Index
	Resolver *closure.Resolver
	Runner   Runner

	// Timeout bounds a single build; zero means no limit.
	Timeout      time.Duration
	MaxBuilds    int
	MaxDownloads int

	once      sync.Once
	builds    *semaphore.Weighted
	downloads *semaphore.Weighted
}

func (b *Builder) init() {
	b.once.Do(func() {
		if b.MaxBuilds <= 0 {
			b.MaxBuilds = 1
		}
		if b.MaxDownloads <= 0 {
			b.MaxDownloads = 4
		}
		b.builds = semaphore.NewWeighted(int64(b.MaxBuilds))
		b.downloads = semaphore.NewWeighted(int64(b.MaxDownloads))
		if b.Index == nil {
			b.Index = index.NewMemory()
		}
		if b.Runner == nil {
			b.Runner, _ = NewExecRunner(DefaultShell)
		}
		if b.Resolver == nil {
			b.Resolver = &closure.Resolver{}
		}
	})
}

// Run is one build request in flight.
type Run struct {
	Graph *Graph

	b    *Builder
	rep  *progress.Reporter
	done chan struct{}
	err  error
}

// Build resolves roots and executes the resulting graph.  Execution
// starts as soon as each node is classified; the Started event is
// emitted once the whole graph is known.  Slots are shared by every
// Run of the same Builder.
func (b *Builder) Build(ctx context.Context, roots ...id.ManifestId) *Run {
	b.init()
	run := &Run{
		Graph: newGraph(roots),
		b:     b,
		rep:   progress.NewReporter(ctx),
		done:  make(chan struct{}),
	}

	var wg sync.WaitGroup
	res := *b.Resolver
	if res.Store == nil {
		res.Store = b.Store
	}
	if res.Index == nil {
		res.Index = b.Index
	}
	res.OnNode = func(node *closure.Node) {
		t := run.Graph.add(node)
		run.rep.Register(node.Id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			run.execute(ctx, t)
		}()
	}

	go func() {
		defer close(run.done)
		_, err := res.Resolve(ctx, roots...)
		if err != nil {
			run.err = err
			run.rep.Close()
		} else {
			run.rep.Start(run.Graph.Order())
		}
		wg.Wait()
	}()
	return run
}

// Events returns the progress stream of the request.  It must be
// drained.
func (run *Run) Events() <-chan progress.Event {
	return run.rep.Events()
}

// Wait blocks until every task has stopped.  The error is only set
// when the request was cancelled before the graph was complete.
func (run *Run) Wait() error {
	<-run.done
	return run.err
}

// State returns the current state of a node and, once it has failed,
// its error.
func (run *Run) State(mid id.ManifestId) (state State, err error, ok bool) {
	t, ok := run.Graph.lookup(mid)
	if !ok {
		return
	}
	state, _, err = t.result()
	return
}

// Outputs returns the outputs a finished node provides.
func (run *Run) Outputs(mid id.ManifestId) []id.OutputId {
	t, ok := run.Graph.lookup(mid)
	if !ok {
		return nil
	}
	_, outputs, _ := t.result()
	return outputs
}

func (run *Run) send(t *task, ev progress.Event) {
	ev.Manifest = t.mid
	run.rep.Send(ev)
}

func (run *Run) fail(t *task, err error) {
	log.Debugf("%s: %v", t.mid, err)
	t.finish(Failed, nil, err)
	run.send(t, progress.Event{Kind: progress.Error, Err: err.Error(), Reason: Reason(err)})
}

func (run *Run) block(t *task, err error) {
	t.finish(Blocked, nil, err)
	run.send(t, progress.Event{Kind: progress.Blocked, Err: err.Error(), Reason: Reason(err)})
}

func (run *Run) succeed(t *task, status progress.Status, outputs []id.OutputId) {
	t.finish(Finished, outputs, nil)
	run.send(t, progress.Event{Kind: progress.Finished, Status: status})
}

func (run *Run) execute(ctx context.Context, t *task) {
	node := t.node
	if node.Err != nil {
		run.fail(t, node.Err)
		return
	}
	switch node.Tag {
	case closure.Satisfied:
		run.memoize(ctx, t)
	case closure.Substitutable:
		run.substitute(ctx, t)
	default:
		run.build(ctx, t)
	}
}

// memoize finishes a node whose outputs are all on disk.  A requested
// package that is not in the installed profile is reported as
// reinstalled.
func (run *Run) memoize(ctx context.Context, t *task) {
	var outputs []id.OutputId
	for _, out := range t.node.Outputs {
		outputs = append(outputs, out.Id)
	}
	status := progress.Memoized
	if run.isRoot(t.mid) {
		installed, err := run.b.Index.Installed(ctx)
		if err != nil {
			log.Warnf("cannot read installed profile: %v", err)
		} else if !contains(installed, t.mid) {
			status = progress.Reinstalled
		}
	}
	run.succeed(t, status, outputs)
}

func (run *Run) isRoot(mid id.ManifestId) bool {
	return contains(run.Graph.Roots, mid)
}

func contains(mids []id.ManifestId, mid id.ManifestId) bool {
	for _, m := range mids {
		if m == mid {
			return true
		}
	}
	return false
}

// substitute fetches every missing output of t from the collaborator
// the resolver chose for it.
func (run *Run) substitute(ctx context.Context, t *task) {
	b := run.b
	t.setState(Downloading)
	err := b.downloads.Acquire(ctx, 1)
	if err != nil {
		run.fail(t, err)
		return
	}
	defer b.downloads.Release(1)

	var outputs []id.OutputId
	for _, out := range t.node.Outputs {
		outputs = append(outputs, out.Id)
		if out.State == closure.Present {
			continue
		}
		from := "binary cache"
		var fill func(ctx context.Context, dir string) error
		switch {
		case out.Cache != nil:
			fill = func(ctx context.Context, dir string) error {
				return out.Cache.FetchOutput(ctx, out.Id, dir)
			}
		case out.Remote != nil:
			from = out.Remote.StoreId().String()
			fill = func(ctx context.Context, dir string) error {
				return out.Remote.FetchOutput(ctx, out.Id, dir)
			}
		default:
			run.fail(t, errors.Errorf("no substituter for %s", out.Id))
			return
		}
		run.send(t, progress.Event{Kind: progress.Downloading, Source: out.Id.String(), Size: -1, Description: "from " + from})
		err = b.Store.Outputs.Fetch(ctx, out.Id, func(ctx context.Context, dir string) error {
			err := fill(ctx, dir)
			if err == nil {
				run.send(t, progress.Event{Kind: progress.Installing, Description: out.Id.String()})
			}
			return err
		})
		if err != nil {
			run.fail(t, errors.Wrapf(err, "substitute %s", out.Id))
			return
		}
		err = b.Index.RecordOutput(ctx, t.mid, out.Name, out.Id)
		if err != nil {
			log.Warnf("cannot record output %s: %v", out.Id, err)
		}
	}
	run.succeed(t, progress.Downloaded, outputs)
}

// awaitDeps waits for every dependency of t.  It returns the first
// dependency that did not finish, if any, along with the outputs of
// all finished ones.
func (run *Run) awaitDeps(ctx context.Context, t *task) (failed id.ManifestId, inputs []id.OutputId, err error) {
	for _, dep := range t.node.Deps {
		dt := run.Graph.get(dep)
		select {
		case <-dt.done:
		case <-ctx.Done():
			return failed, nil, ctx.Err()
		}
		state, outputs, _ := dt.result()
		if state != Finished {
			if failed.IsZero() {
				failed = dep
			}
			continue
		}
		inputs = append(inputs, outputs...)
	}
	return
}
