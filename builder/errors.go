package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/store"
)

// BuildFailedError reports a phase script that exited non-zero.
type BuildFailedError struct {
	Manifest id.ManifestId
	Phase    string
	Code     int
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build of %s failed in phase %s: exit status %d", e.Manifest, e.Phase, e.Code)
}

type TimedOutError struct {
	Manifest id.ManifestId
	Timeout  time.Duration
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("build of %s timed out after %v", e.Manifest, e.Timeout)
}

// WorkerDisconnectedError reports a builder process that went away
// without an exit status: killed by a signal, never started, or its
// output pipes broke.
type WorkerDisconnectedError struct {
	Manifest id.ManifestId
	Phase    string
	Err      error
}

func (e *WorkerDisconnectedError) Error() string {
	return fmt.Sprintf("builder for %s disconnected in phase %s: %v", e.Manifest, e.Phase, e.Err)
}

func (e *WorkerDisconnectedError) Unwrap() error {
	return e.Err
}

// DependencyFailedError is the error of a Blocked task.
type DependencyFailedError struct {
	Manifest id.ManifestId
	Dep      id.ManifestId
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("%s: dependency %s failed", e.Manifest, e.Dep)
}

// Reason names the kind of err for clients.
func Reason(err error) string {
	var (
		malformed    *id.MalformedIdError
		unavailable  *closure.ManifestUnavailableError
		mismatch     *store.HashMismatchError
		fetch        *store.FetchFailedError
		failed       *BuildFailedError
		dep          *DependencyFailedError
		timeout      *TimedOutError
		disconnected *WorkerDisconnectedError
		corrupt      *store.CorruptedError
		cacheCorrupt *cache.CorruptedError
		setting      *manifest.SettingError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &dep):
		return "dependency_failed"
	case errors.As(err, &timeout):
		return "timed_out"
	case errors.As(err, &disconnected):
		return "worker_disconnected"
	case errors.As(err, &failed):
		return "build_failed"
	case errors.As(err, &mismatch):
		return "hash_mismatch"
	case errors.As(err, &fetch):
		return "fetch_failed"
	case errors.As(err, &unavailable):
		return "manifest_unavailable"
	case errors.As(err, &malformed):
		return "malformed_id"
	case errors.As(err, &corrupt), errors.As(err, &cacheCorrupt):
		return "corrupted"
	case errors.As(err, &setting):
		return "undefined_setting"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "internal"
}
