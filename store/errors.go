package store

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
)

// errAlreadyInProgress means another writer published the same entry
// first.  It never leaves the package.
var errAlreadyInProgress = errors.New("already in progress")

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

type NotStoreError struct {
	Dir string
}

func (e *NotStoreError) Error() string {
	return fmt.Sprintf("not a store: %s", e.Dir)
}

// HashMismatchError is returned when fetched or imported content does
// not hash to the declared value.  Nothing is published.
type HashMismatchError struct {
	Resource string
	Expected id.Hash
	Got      id.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Resource, e.Expected, e.Got)
}

// FetchFailedError is a transport-level failure.
type FetchFailedError struct {
	URI       string
	Err       error
	transient bool
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// CorruptedError reports an entry that exists on disk but cannot be
// read or parsed.
type CorruptedError struct {
	Path string
	Err  error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("corrupted store entry %s: %v", e.Path, e.Err)
}

func (e *CorruptedError) Unwrap() error {
	return e.Err
}

// UnsupportedStoreError is returned when dialing a remote store kind
// that has no transport.
type UnsupportedStoreError struct {
	Id id.StoreId
}

func (e *UnsupportedStoreError) Error() string {
	return fmt.Sprintf("unsupported remote store: %s", e.Id)
}
