// Package manifest reads and writes package recipes.  A manifest is a
// TOML document; its canonical serialization is what a ManifestId
// hashes.
package manifest

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
)

type Package struct {
	Name              string          `toml:"name"`
	Version           string          `toml:"version"`
	Dependencies      []id.ManifestId `toml:"dependencies,omitempty"`
	BuildDependencies []id.ManifestId `toml:"build-dependencies,omitempty"`
	DevDependencies   []id.ManifestId `toml:"dev-dependencies,omitempty"`
}

// Output declares one output directory.  The default output has an
// empty name.  PrecomputedHash, when set, is the expected content
// hash of the built output.
type Output struct {
	Name            string `toml:"name,omitempty"`
	PrecomputedHash string `toml:"precomputed-hash,omitempty"`
}

// Source is a fetchable input, either a URI or a git repository at a
// revision.  Hash is the content hash the fetch must produce.
type Source struct {
	Name string `toml:"name,omitempty"`
	URI  string `toml:"uri,omitempty"`
	Git  string `toml:"git,omitempty"`
	Rev  string `toml:"rev,omitempty"`
	Hash string `toml:"hash"`
}

type Build struct {
	System   string                 `toml:"system,omitempty"`
	Settings map[string]interface{} `toml:"settings,omitempty"`
	Phases   []Phase                `toml:"phase,omitempty"`
}

type Manifest struct {
	Package Package           `toml:"package"`
	Env     map[string]string `toml:"env,omitempty"`
	Outputs []Output          `toml:"output"`
	Sources []Source          `toml:"source,omitempty"`
	Build   Build             `toml:"build"`
}

// InvalidError reports a manifest that parses but violates the
// recipe rules.
type InvalidError struct {
	Name   string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Name, e.Reason)
}

// Parse decodes and validates a manifest.
func Parse(buf []byte) (m *Manifest, err error) {
	m = &Manifest{}
	err = toml.Unmarshal(buf, m)
	if err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	err = m.Validate()
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) invalid(format string, args ...interface{}) error {
	return &InvalidError{Name: m.Package.Name, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the package identity, outputs, and sources.  A
// manifest with no outputs gets a single default output.
func (m *Manifest) Validate() (err error) {
	_, err = id.NewManifestId(m.Package.Name, m.Package.Version, id.Hash{})
	if err != nil {
		return m.invalid("%v", err)
	}
	if len(m.Outputs) == 0 {
		m.Outputs = []Output{{}}
	}
	seen := make(map[string]bool)
	for _, out := range m.Outputs {
		if seen[out.Name] {
			return m.invalid("duplicate output %q", out.Name)
		}
		seen[out.Name] = true
		if out.PrecomputedHash != "" {
			_, err = id.ParseHash(out.PrecomputedHash)
			if err != nil {
				return m.invalid("output %q: %v", out.Name, err)
			}
		}
	}
	if !seen[""] {
		return m.invalid("missing default output")
	}
	for i, src := range m.Sources {
		if (src.URI == "") == (src.Git == "") {
			return m.invalid("source %d: need exactly one of uri or git", i)
		}
		if src.Git != "" && src.Rev == "" {
			return m.invalid("source %d: git source needs rev", i)
		}
		_, err = src.Id()
		if err != nil {
			return m.invalid("source %d: %v", i, err)
		}
	}
	for i, phase := range m.Build.Phases {
		if phase.Name == "" {
			return m.invalid("phase %d has no name", i)
		}
	}
	return nil
}

func sortIds(ids []id.ManifestId) []id.ManifestId {
	if len(ids) == 0 {
		return nil
	}
	out := make([]id.ManifestId, 0, len(ids))
	seen := make(map[id.ManifestId]bool)
	for _, mid := range ids {
		if !seen[mid] {
			seen[mid] = true
			out = append(out, mid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Canonical returns the serialization that ComputeId hashes.
// Dependency sets are sorted and deduplicated, the default output
// comes first, and empty tables are dropped.
func (m *Manifest) Canonical() (buf []byte, err error) {
	c := *m
	c.Package.Dependencies = sortIds(m.Package.Dependencies)
	c.Package.BuildDependencies = sortIds(m.Package.BuildDependencies)
	c.Package.DevDependencies = sortIds(m.Package.DevDependencies)
	c.Outputs = append([]Output(nil), m.Outputs...)
	sort.SliceStable(c.Outputs, func(i, j int) bool {
		return c.Outputs[i].Name < c.Outputs[j].Name
	})
	if len(c.Env) == 0 {
		c.Env = nil
	}
	if len(c.Build.Settings) == 0 {
		c.Build.Settings = nil
	}
	buf, err = toml.Marshal(&c)
	if err != nil {
		return nil, errors.Wrap(err, "serialize manifest")
	}
	return
}

// ComputeId hashes the canonical form.
func (m *Manifest) ComputeId() (mid id.ManifestId, err error) {
	buf, err := m.Canonical()
	if err != nil {
		return
	}
	return id.NewManifestId(m.Package.Name, m.Package.Version, id.Compute(buf))
}

// Deps returns the dependencies that must exist before this package
// can be built locally.
func (m *Manifest) Deps(tests bool) []id.ManifestId {
	var deps []id.ManifestId
	deps = append(deps, m.Package.Dependencies...)
	deps = append(deps, m.Package.BuildDependencies...)
	if tests {
		deps = append(deps, m.Package.DevDependencies...)
	}
	return sortIds(deps)
}

// DeclaredOutput pairs an output with the id it is expected to have.
// Id is zero when no precomputed hash is declared.
type DeclaredOutput struct {
	Name string
	Id   id.OutputId
}

func (m *Manifest) DeclaredOutputs() (outs []DeclaredOutput) {
	for _, out := range m.Outputs {
		d := DeclaredOutput{Name: out.Name}
		if out.PrecomputedHash != "" {
			hash, err := id.ParseHash(out.PrecomputedHash)
			if err == nil {
				d.Id, _ = id.NewOutputId(id.OutputName(m.Package.Name, out.Name), m.Package.Version, hash)
			}
		}
		outs = append(outs, d)
	}
	return
}

// Id returns the SourceId the source must be published under.
func (src Source) Id() (sid id.SourceId, err error) {
	hash, err := id.ParseHash(src.Hash)
	if err != nil {
		return
	}
	return id.NewSourceId(src.FileName(), "", hash)
}

// FileName is the declared name, or the last element of the URI or
// repository path.
func (src Source) FileName() string {
	if src.Name != "" {
		return src.Name
	}
	raw := src.URI
	if src.Git != "" {
		raw = strings.TrimSuffix(src.Git, ".git")
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return path.Base(raw)
}

// Fingerprint identifies a fetch before its SourceId is known.
func (src Source) Fingerprint() string {
	if src.Git != "" {
		return src.Git + "@" + src.Rev + "#" + src.Hash
	}
	return src.URI + "#" + src.Hash
}
