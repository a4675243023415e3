package id

import (
	"crypto/rand"
	"encoding/base32"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// HashSize is the digest size in bytes.
	HashSize = 20
	// HashLen is the length of a rendered hash.
	HashLen = 32
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Hash is a blake2b-160 digest.  Its string form is lowercase unpadded
// base32, which is filesystem-safe and case-insensitive on parse.
type Hash [HashSize]byte

// ParseHash decodes a rendered hash in either case.
func ParseHash(s string) (h Hash, err error) {
	if len(s) != HashLen {
		return h, &MalformedIdError{Raw: s, Reason: "hash must be 32 base32 characters"}
	}
	buf, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil || len(buf) != HashSize {
		return h, &MalformedIdError{Raw: s, Reason: "hash is not base32"}
	}
	copy(h[:], buf)
	return h, nil
}

func (h Hash) String() string {
	return strings.ToLower(encoding.EncodeToString(h[:]))
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(txt []byte) (err error) {
	*h, err = ParseHash(string(txt))
	return
}

// Hasher accumulates data and produces a Hash.  It implements
// io.Writer so it can sit behind an io.TeeReader.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	h, err := blake2b.New(HashSize, nil)
	if err != nil {
		// only possible with an invalid size or key
		panic(err)
	}
	return &Hasher{h: h}
}

func (hs *Hasher) Write(p []byte) (int, error) {
	return hs.h.Write(p)
}

func (hs *Hasher) Sum() (h Hash) {
	copy(h[:], hs.h.Sum(nil))
	return
}

// Compute hashes buf in one call.
func Compute(buf []byte) Hash {
	hs := NewHasher()
	hs.Write(buf)
	return hs.Sum()
}

// RandomHash returns the hash of 32 random bytes.  It is used as the
// nonce for scratch directories.
func RandomHash() Hash {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	return Compute(buf)
}
