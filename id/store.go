package id

import (
	"net/url"
	"path"
	"strings"
)

// StoreKind says how a remote store is reached.
type StoreKind int

const (
	LocalStore StoreKind = iota
	SSHStore
	DockerStore
)

func (k StoreKind) String() string {
	switch k {
	case LocalStore:
		return "local"
	case SSHStore:
		return "ssh"
	case DockerStore:
		return "docker"
	}
	return "unknown"
}

// reasons reported for malformed store ids
const (
	NotStoreId               = "not a store id"
	UnsupportedPrefix        = "unsupported prefix"
	UnsupportedScheme        = "unsupported scheme"
	MissingHost              = "missing host"
	MissingContainerInfo     = "missing container_id or container_name"
	UnknownFragment          = "unknown fragment"
	UnknownQueryPair         = "unknown query pair"
)

// StoreId is an opaque handle to a remote store or cache, written as
// <prefix>+<uri>.  It has no filesystem path form.
type StoreId struct {
	Kind StoreKind
	URL  *url.URL
	raw  string
}

func ParseStoreId(s string) (sid StoreId, err error) {
	prefix, rest, ok := strings.Cut(s, "+")
	if !ok {
		return sid, &MalformedIdError{Raw: s, Reason: NotStoreId}
	}
	u, err := url.Parse(rest)
	if err != nil {
		return sid, &MalformedIdError{Raw: s, Reason: NotStoreId}
	}
	if u.Fragment != "" {
		return sid, &MalformedIdError{Raw: s, Reason: UnknownFragment}
	}
	sid = StoreId{URL: u, raw: s}
	query := u.Query()

	switch prefix {
	case "local":
		sid.Kind = LocalStore
		if u.Scheme != "file" {
			return sid, &MalformedIdError{Raw: s, Reason: UnsupportedScheme}
		}
		if !path.IsAbs(u.Path) {
			return sid, malformed(s, "local store path must be absolute")
		}
		if len(query) > 0 {
			return sid, &MalformedIdError{Raw: s, Reason: UnknownQueryPair}
		}
	case "ssh":
		sid.Kind = SSHStore
		if u.Scheme != "ssh" {
			return sid, &MalformedIdError{Raw: s, Reason: UnsupportedScheme}
		}
		if u.Hostname() == "" {
			return sid, &MalformedIdError{Raw: s, Reason: MissingHost}
		}
		if len(query) > 0 {
			return sid, &MalformedIdError{Raw: s, Reason: UnknownQueryPair}
		}
	case "docker":
		sid.Kind = DockerStore
		switch u.Scheme {
		case "unix":
		case "https", "ssh":
			if u.Hostname() == "" {
				return sid, &MalformedIdError{Raw: s, Reason: MissingHost}
			}
		default:
			return sid, &MalformedIdError{Raw: s, Reason: UnsupportedScheme}
		}
		for key := range query {
			switch key {
			case "user", "container_id", "container_name":
			default:
				return sid, &MalformedIdError{Raw: s, Reason: UnknownQueryPair}
			}
		}
		if query.Get("container_id") == "" && query.Get("container_name") == "" {
			return sid, &MalformedIdError{Raw: s, Reason: MissingContainerInfo}
		}
	default:
		return sid, &MalformedIdError{Raw: s, Reason: UnsupportedPrefix}
	}
	return sid, nil
}

func (s StoreId) String() string {
	return s.raw
}

// LocalPath returns the root directory of a local+file store id.
func (s StoreId) LocalPath() (dir string, ok bool) {
	if s.Kind != LocalStore || s.URL == nil {
		return "", false
	}
	return s.URL.Path, true
}

func (s StoreId) MarshalText() ([]byte, error) {
	return []byte(s.raw), nil
}

func (s *StoreId) UnmarshalText(txt []byte) (err error) {
	*s, err = ParseStoreId(string(txt))
	return
}
