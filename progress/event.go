// Package progress merges per-node build events into one ordered
// stream per request.
package progress

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/t7a/deckstore/id"
)

type Kind int

const (
	Started Kind = iota
	Blocked
	Downloading
	Building
	Installing
	Finished
	Error
)

var kindNames = []string{"started", "blocked", "downloading", "building", "installing", "finished", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Terminal reports whether no further events follow for the node.
func (k Kind) Terminal() bool {
	return k == Finished || k == Error || k == Blocked
}

// Phase is the sub-phase of a Building event.
type Phase int

const (
	PhaseStarted Phase = iota
	PhasePreparing
	PhaseConfiguring
	PhaseCompiling
	PhaseTesting
	PhaseFinalizing
)

var phaseNames = []string{"started", "preparing", "configuring", "compiling", "testing", "finalizing"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Status says how a Finished node got its outputs.
type Status int

const (
	Memoized Status = iota
	Reinstalled
	Downloaded
	Built
)

var statusNames = []string{"memoized", "reinstalled", "downloaded", "built"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Event is one state transition of one node, or the Started header
// of a request.
type Event struct {
	Request  string
	Kind     Kind
	Time     time.Time
	Manifest id.ManifestId

	// Started
	Packages []id.ManifestId

	// Downloading
	Source     string
	Downloaded int64
	Size       int64

	// Building
	Phase   Phase
	Current int
	Total   int
	Stdout  []byte
	Stderr  []byte

	Description string

	// Finished
	Status Status

	// Error and Blocked
	Err    string
	Reason string
}

func (ev Event) String() string {
	switch ev.Kind {
	case Started:
		return fmt.Sprintf("started %d packages", len(ev.Packages))
	case Finished:
		return fmt.Sprintf("%s finished (%s)", ev.Manifest, ev.Status)
	case Error, Blocked:
		return fmt.Sprintf("%s %s: %s", ev.Manifest, ev.Kind, ev.Err)
	case Building:
		return fmt.Sprintf("%s building [%d/%d %s] %s", ev.Manifest, ev.Current, ev.Total, ev.Phase, ev.Description)
	}
	return fmt.Sprintf("%s %s %s", ev.Manifest, ev.Kind, ev.Description)
}

// DescribeDownload renders transfer progress for humans.  A negative
// size means the total is unknown.
func DescribeDownload(downloaded, size int64) string {
	if size < 0 {
		return humanize.Bytes(uint64(downloaded))
	}
	return fmt.Sprintf("%s / %s", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(size)))
}
