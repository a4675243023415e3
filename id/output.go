package id

import "path/filepath"

// OutputId names a published build output directory:
// <name>-<version>-<hash>, where hash is the hash of the directory
// contents.
type OutputId struct {
	Name    string
	Version string
	Hash    Hash
}

func NewOutputId(name, version string, hash Hash) (o OutputId, err error) {
	if !validName(name) {
		return o, malformed(name, "invalid output name")
	}
	if !validVersion(version) {
		return o, malformed(version, "invalid version")
	}
	return OutputId{Name: name, Version: version, Hash: hash}, nil
}

// OutputName returns the output id name for a named output of
// package pkg.  The default output, named "", uses the package name.
func OutputName(pkg, output string) string {
	if output == "" {
		return pkg
	}
	return pkg + "-" + output
}

func ParseOutputId(s string) (o OutputId, err error) {
	rest, rawhash, ok := cut(s)
	if !ok {
		return o, malformed(s, "missing hash")
	}
	name, version, ok := cut(rest)
	if !ok {
		return o, malformed(s, "missing version")
	}
	hash, err := ParseHash(rawhash)
	if err != nil {
		return o, malformed(s, "bad hash")
	}
	return NewOutputId(name, version, hash)
}

// OutputIdFromPath parses an outputs/ entry.
func OutputIdFromPath(p string) (o OutputId, err error) {
	name, err := entryName(p, OutputsDir)
	if err != nil {
		return
	}
	return ParseOutputId(name)
}

func (o OutputId) String() string {
	return o.Name + "-" + o.Version + "-" + o.Hash.String()
}

func (o OutputId) ToPath() string {
	return o.String()
}

func (o OutputId) KindPath() string {
	return filepath.Join(OutputsDir, o.ToPath())
}

func (o OutputId) IsZero() bool {
	return o == OutputId{}
}

func (o OutputId) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OutputId) UnmarshalText(txt []byte) (err error) {
	*o, err = ParseOutputId(string(txt))
	return
}
