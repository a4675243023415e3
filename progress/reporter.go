package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

// Reporter orders the events of one request.  Nodes are registered as
// they are discovered; events sent before Start are held back so the
// Started event always comes first.  The stream closes once Start has
// been called and every registered node has reached a terminal kind.
// Send never blocks on the consumer.
type Reporter struct {
	Request string

	ctx  context.Context
	out  chan Event
	mu   sync.Mutex
	cond *sync.Cond

	started bool
	held    []Event
	queue   []Event
	nodes   map[id.ManifestId]bool // true once terminal
	open    int
	done    bool
}

func NewReporter(ctx context.Context) *Reporter {
	r := &Reporter{
		Request: uuid.New().String(),
		ctx:     ctx,
		out:     make(chan Event),
		nodes:   make(map[id.ManifestId]bool),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.pump()
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	}()
	return r
}

// Events returns the merged stream.
func (r *Reporter) Events() <-chan Event {
	return r.out
}

// Register adds a node whose terminal event the stream waits for.
func (r *Reporter) Register(mid id.ManifestId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[mid]; ok || r.done {
		return
	}
	r.nodes[mid] = false
	r.open++
}

// Start emits the Started event, then everything held back.
func (r *Reporter) Start(packages []id.ManifestId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.enqueue(Event{Kind: Started, Packages: packages})
	for _, ev := range r.held {
		r.enqueue(ev)
	}
	r.held = nil
	r.checkDone()
}

// Send adds an event for a registered node.  Events after the node's
// terminal event are dropped.
func (r *Reporter) Send(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	terminal, ok := r.nodes[ev.Manifest]
	if !ok {
		r.nodes[ev.Manifest] = false
		r.open++
	} else if terminal {
		log.Debugf("dropping %s after terminal event", ev)
		return
	}
	if ev.Kind.Terminal() {
		r.nodes[ev.Manifest] = true
		r.open--
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if !r.started {
		r.held = append(r.held, ev)
		return
	}
	r.enqueue(ev)
	r.checkDone()
}

// Close ends the stream after what is already queued, even if nodes
// are still open.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.cond.Broadcast()
}

func (r *Reporter) enqueue(ev Event) {
	ev.Request = r.Request
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.queue = append(r.queue, ev)
	r.cond.Broadcast()
}

func (r *Reporter) checkDone() {
	if r.started && r.open == 0 {
		r.done = true
		r.cond.Broadcast()
	}
}

func (r *Reporter) pump() {
	defer close(r.out)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.done && r.ctx.Err() == nil {
			r.cond.Wait()
		}
		if r.ctx.Err() != nil || (len(r.queue) == 0 && r.done) {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		select {
		case r.out <- ev:
		case <-r.ctx.Done():
			return
		}
	}
}
