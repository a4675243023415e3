package id

import (
	"path/filepath"
	"strings"
)

// kind directories under a store root
const (
	ManifestsDir = "manifests"
	SourcesDir   = "sources"
	OutputsDir   = "outputs"
	TmpDir       = "tmp"
)

// FilesystemId is implemented by every id that maps to an entry in a
// kind directory.
type FilesystemId interface {
	String() string
	// ToPath returns the entry name inside the kind directory.
	ToPath() string
	// KindPath returns the path relative to the store root.
	KindPath() string
}

func validName(name string) bool {
	if name == "" || name[0] == '-' || name[0] == '.' {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '+' || c == '.':
		default:
			return false
		}
	}
	return true
}

func validVersion(version string) bool {
	if version == "" || strings.ContainsAny(version, "-/") {
		return false
	}
	return validName(version)
}

// cut splits s at its last '-'.
func cut(s string) (head, tail string, ok bool) {
	i := strings.LastIndexByte(s, '-')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// entryName returns the last path element of p, rejecting paths that
// name a different kind directory.
func entryName(p, kind string) (name string, err error) {
	clean := filepath.Clean(p)
	name = filepath.Base(clean)
	parent := filepath.Base(filepath.Dir(clean))
	if parent != "." && parent != "/" && isKindDir(parent) && parent != kind {
		return "", malformed(p, "not under %s/", kind)
	}
	return name, nil
}

func isKindDir(dir string) bool {
	switch dir {
	case ManifestsDir, SourcesDir, OutputsDir, TmpDir:
		return true
	}
	return false
}

// ScratchName returns a fresh tmp/ entry name for a write of name at
// version.
func ScratchName(name, version string) string {
	return RandomHash().String() + "-" + name + "-" + version
}
