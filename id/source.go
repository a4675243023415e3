package id

import (
	"path/filepath"
	"strings"
)

// Extensions recognized in source names, longest first so that
// "tar.gz" wins over "gz".
var Extensions = []string{
	"tar.bz2",
	"tar.zst",
	"tar.gz",
	"tar.xz",
	"patch",
	"diff",
	"tgz",
	"tar",
	"zip",
	"bz2",
	"gz",
	"xz",
}

// SourceId names a fetched input: <name>[.ext]-<hash>.  Hash is the
// hash of the fetched content.
type SourceId struct {
	Name string
	Ext  string
	Hash Hash
}

func NewSourceId(name, ext string, hash Hash) (s SourceId, err error) {
	if ext == "" {
		name, ext = SplitExt(name)
	} else if !knownExt(ext) {
		return s, malformed(ext, "unknown source extension")
	} else if n, e := SplitExt(name + "." + ext); n != name || e != ext {
		// foo.tar + gz would render as foo.tar.gz and parse back as
		// foo + tar.gz
		return s, malformed(name+"."+ext, "extension split is ambiguous")
	}
	if !validName(name) {
		return s, malformed(name, "invalid source name")
	}
	return SourceId{Name: name, Ext: ext, Hash: hash}, nil
}

// SplitExt splits a known extension off a file name.
func SplitExt(file string) (name, ext string) {
	for _, e := range Extensions {
		suffix := "." + e
		if strings.HasSuffix(file, suffix) && len(file) > len(suffix) {
			return strings.TrimSuffix(file, suffix), e
		}
	}
	return file, ""
}

func knownExt(ext string) bool {
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func ParseSourceId(s string) (src SourceId, err error) {
	file, rawhash, ok := cut(s)
	if !ok {
		return src, malformed(s, "missing hash")
	}
	hash, err := ParseHash(rawhash)
	if err != nil {
		return src, malformed(s, "bad hash")
	}
	name, ext := SplitExt(file)
	return NewSourceId(name, ext, hash)
}

// SourceIdFromPath parses a sources/ entry.
func SourceIdFromPath(p string) (s SourceId, err error) {
	name, err := entryName(p, SourcesDir)
	if err != nil {
		return
	}
	return ParseSourceId(name)
}

// FileName returns <name>[.ext].
func (s SourceId) FileName() string {
	if s.Ext == "" {
		return s.Name
	}
	return s.Name + "." + s.Ext
}

func (s SourceId) String() string {
	return s.FileName() + "-" + s.Hash.String()
}

func (s SourceId) ToPath() string {
	return s.String()
}

func (s SourceId) KindPath() string {
	return filepath.Join(SourcesDir, s.ToPath())
}

func (s SourceId) IsZero() bool {
	return s == SourceId{}
}

func (s SourceId) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SourceId) UnmarshalText(txt []byte) (err error) {
	*s, err = ParseSourceId(string(txt))
	return
}
