package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
)

type ManifestInput = *manifest.Manifest

// ManifestHandle is a parsed manifest together with its location.
type ManifestHandle struct {
	Id       id.ManifestId
	Path     string
	Manifest *manifest.Manifest
}

// Manifests stores recipes as manifests/<name>-<version>-<hash>.toml.
type Manifests struct {
	s   *Store
	reg *Registry[string, struct{}]
}

func (d *Manifests) Name() string {
	return id.ManifestsDir
}

// ComputeId validates m, which fills in defaults such as the default
// output, and hashes the result.  The id is the one Read will see.
func (d *Manifests) ComputeId(ctx context.Context, m *manifest.Manifest) (mid id.ManifestId, err error) {
	err = m.Validate()
	if err != nil {
		return
	}
	return m.ComputeId()
}

// Read returns the parsed manifest, or ok == false if it has not been
// published.  A file that no longer parses is reported as corrupted.
func (d *Manifests) Read(ctx context.Context, mid id.ManifestId) (h *ManifestHandle, ok bool, err error) {
	path := d.s.Path(mid)
	buf, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &CorruptedError{Path: path, Err: err}
	}
	m, err := manifest.Parse(buf)
	if err != nil {
		return nil, false, &CorruptedError{Path: path, Err: err}
	}
	return &ManifestHandle{Id: mid, Path: path, Manifest: m}, true, nil
}

// Write validates m and publishes it under its computed id.  An
// equivalent manifest already on disk is returned without any writes.
func (d *Manifests) Write(ctx context.Context, m *manifest.Manifest) (mid id.ManifestId, err error) {
	mid, err = d.ComputeId(ctx, m)
	if err != nil {
		return
	}
	if d.s.Exists(mid) {
		return mid, nil
	}
	buf, err := m.Canonical()
	if err != nil {
		return
	}
	_, err, _ = d.reg.Do(ctx, mid.String(), func() (struct{}, error) {
		return struct{}{}, d.s.produce(ctx, mid, mid.Name, mid.Version, func(scratch string) (string, error) {
			staged := filepath.Join(scratch, mid.ToPath())
			err := ioutil.WriteFile(staged, buf, 0644)
			return staged, errors.Wrap(err, "stage manifest")
		})
	})
	return
}
