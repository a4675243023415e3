package daemon

import (
	"fmt"

	"github.com/t7a/deckstore/builder"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/progress"
	"github.com/t7a/deckstore/store"
)

// Op names a request.
type Op string

const (
	OpAdd     Op = "add"
	OpBuild   Op = "build"
	OpInstall Op = "install"
	OpDiff    Op = "diff"
	OpVerify  Op = "verify"
	OpLog     Op = "log"
	OpPush    Op = "push"
	OpList    Op = "list"
)

// Request is the single message a client sends on a connection.
type Request struct {
	Op            Op
	Manifest      []byte
	Ids           []id.ManifestId
	Upgrade       []id.ManifestId
	Uninstall     []id.ManifestId
	CheckContents bool
	Repair        bool
}

// Frame is one message of a response stream.  The last frame of every
// response has Done set, and Err set if the request failed.
type Frame struct {
	Event  *progress.Event
	Verify *VerifyRecord
	Diff   *Diff
	Id     *id.ManifestId
	Ids    []id.ManifestId
	Log    []byte
	Infos  []cache.Info
	Done   bool
	Err    string
	Reason string
}

// VerifyRecord is a store.VerifyEvent in wire form.  Id is empty for
// entries whose names do not parse.
type VerifyRecord struct {
	Repaired bool
	Path     string
	Id       string
	Problem  string
}

func newVerifyRecord(ev store.VerifyEvent) VerifyRecord {
	rec := VerifyRecord{Repaired: ev.Kind == store.Repaired, Path: ev.Path, Problem: ev.Problem}
	if ev.Id != nil {
		rec.Id = ev.Id.String()
	}
	return rec
}

func (rec VerifyRecord) String() string {
	kind := "checked"
	if rec.Repaired {
		kind = "repaired"
	}
	if rec.Problem == "" {
		return fmt.Sprintf("%s %s", kind, rec.Path)
	}
	return fmt.Sprintf("%s %s: %s", kind, rec.Path, rec.Problem)
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Msg    string
	Reason string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

func errorFrame(err error) Frame {
	f := Frame{Done: true, Err: err.Error(), Reason: builder.Reason(err)}
	if rerr, ok := err.(*RemoteError); ok {
		f.Reason = rerr.Reason
	}
	return f
}
