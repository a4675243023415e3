// Package index records metadata the store directories cannot answer
// by themselves: which output a manifest produced, past builds and
// their logs, and the installed profile.
package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/t7a/deckstore/id"
)

// Build is one completed build attempt.  Err is empty on success.
type Build struct {
	Manifest id.ManifestId
	Started  time.Time
	Finished time.Time
	Err      string
	Log      string
}

func (b Build) Ok() bool {
	return b.Err == ""
}

type Index interface {
	// RecordOutput notes that output name of mid was published as
	// oid.  A later record for the same pair replaces it.
	RecordOutput(ctx context.Context, mid id.ManifestId, name string, oid id.OutputId) error
	LookupOutput(ctx context.Context, mid id.ManifestId, name string) (oid id.OutputId, ok bool, err error)
	RecordBuild(ctx context.Context, b Build) error
	// LastBuild returns the most recently finished build of mid.
	LastBuild(ctx context.Context, mid id.ManifestId) (b Build, ok bool, err error)
	Installed(ctx context.Context) ([]id.ManifestId, error)
	// SetInstalled adds and removes profile entries in one step.
	SetInstalled(ctx context.Context, add, remove []id.ManifestId) error
	Close() error
}

type outputKey struct {
	mid  id.ManifestId
	name string
}

// Memory is an Index that lives only as long as the process.
type Memory struct {
	mu        sync.Mutex
	outputs   map[outputKey]id.OutputId
	builds    map[id.ManifestId]Build
	installed map[id.ManifestId]bool
}

var _ Index = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		outputs:   make(map[outputKey]id.OutputId),
		builds:    make(map[id.ManifestId]Build),
		installed: make(map[id.ManifestId]bool),
	}
}

func (m *Memory) RecordOutput(ctx context.Context, mid id.ManifestId, name string, oid id.OutputId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[outputKey{mid, name}] = oid
	return nil
}

func (m *Memory) LookupOutput(ctx context.Context, mid id.ManifestId, name string) (oid id.OutputId, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid, ok = m.outputs[outputKey{mid, name}]
	return
}

func (m *Memory) RecordBuild(ctx context.Context, b Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.builds[b.Manifest]; ok && old.Finished.After(b.Finished) {
		return nil
	}
	m.builds[b.Manifest] = b
	return nil
}

func (m *Memory) LastBuild(ctx context.Context, mid id.ManifestId) (b Build, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok = m.builds[mid]
	return
}

func (m *Memory) Installed(ctx context.Context) (mids []id.ManifestId, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mid := range m.installed {
		mids = append(mids, mid)
	}
	sort.Slice(mids, func(i, j int) bool { return mids[i].Less(mids[j]) })
	return
}

func (m *Memory) SetInstalled(ctx context.Context, add, remove []id.ManifestId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mid := range remove {
		delete(m.installed, mid)
	}
	for _, mid := range add {
		m.installed[mid] = true
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
