package id

import (
	"path/filepath"
	"strings"
)

const manifestExt = ".toml"

// ManifestId names a build recipe: <name>-<version>-<hash>.
type ManifestId struct {
	Name    string
	Version string
	Hash    Hash
}

func NewManifestId(name, version string, hash Hash) (m ManifestId, err error) {
	if !validName(name) {
		return m, malformed(name, "invalid package name")
	}
	if !validVersion(version) {
		return m, malformed(version, "invalid version")
	}
	return ManifestId{Name: name, Version: version, Hash: hash}, nil
}

// ParseManifestId parses the <name>-<version>-<hash> form.
func ParseManifestId(s string) (m ManifestId, err error) {
	rest, rawhash, ok := cut(s)
	if !ok {
		return m, malformed(s, "missing hash")
	}
	name, version, ok := cut(rest)
	if !ok {
		return m, malformed(s, "missing version")
	}
	hash, err := ParseHash(rawhash)
	if err != nil {
		return m, malformed(s, "bad hash")
	}
	return NewManifestId(name, version, hash)
}

// ManifestIdFromPath parses a manifests/ entry, absolute or relative.
func ManifestIdFromPath(p string) (m ManifestId, err error) {
	name, err := entryName(p, ManifestsDir)
	if err != nil {
		return
	}
	if !strings.HasSuffix(name, manifestExt) {
		return m, malformed(p, "manifest path must end in %s", manifestExt)
	}
	return ParseManifestId(strings.TrimSuffix(name, manifestExt))
}

func (m ManifestId) String() string {
	return m.Name + "-" + m.Version + "-" + m.Hash.String()
}

func (m ManifestId) ToPath() string {
	return m.String() + manifestExt
}

func (m ManifestId) KindPath() string {
	return filepath.Join(ManifestsDir, m.ToPath())
}

func (m ManifestId) IsZero() bool {
	return m == ManifestId{}
}

// Less orders manifest ids by their string form.
func (m ManifestId) Less(o ManifestId) bool {
	return m.String() < o.String()
}

func (m ManifestId) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ManifestId) UnmarshalText(txt []byte) (err error) {
	*m, err = ParseManifestId(string(txt))
	return
}
