package cache

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
)

// object classes
const (
	blockClass  = "block"
	treeClass   = "tree"
	streamClass = "stream"
	infoClass   = "info"
)

// header is prepended to every object and included in its hash, so a
// block can never be mistaken for a tree with the same bytes.
func header(class string) []byte {
	return []byte(class + "\n")
}

// objectRel returns class/aaa/bbb/<hash> for Depth == 2.
func (c *Cache) objectRel(class string, hash id.Hash) string {
	s := hash.String()
	parts := []string{class}
	for i := 0; i < c.Depth && (i+1)*3 <= len(s); i++ {
		parts = append(parts, s[i*3:(i+1)*3])
	}
	parts = append(parts, s)
	return filepath.Join(parts...)
}

// putObject stores buf as a write-once object and returns its path
// relative to Dir.  An object that already exists is left alone.
func (c *Cache) putObject(class string, buf []byte) (rel string, err error) {
	hdr := header(class)
	content := make([]byte, 0, len(hdr)+len(buf))
	content = append(content, hdr...)
	content = append(content, buf...)

	rel = c.objectRel(class, id.Compute(content))
	abs := filepath.Join(c.Dir, rel)
	if canstat(abs) {
		return
	}
	err = os.MkdirAll(filepath.Dir(abs), 0755)
	if err != nil {
		return
	}
	err = renameio.WriteFile(abs, content, 0444)
	if err != nil {
		return "", errors.Wrapf(err, "write %s", rel)
	}
	return
}

// getObject reads an object, checks it against its name, and returns
// the payload without the header.
func (c *Cache) getObject(rel string) (buf []byte, err error) {
	abs := filepath.Join(c.Dir, rel)
	content, err := ioutil.ReadFile(abs)
	if err != nil {
		return
	}
	got := id.Compute(content)
	if filepath.Base(rel) != got.String() {
		return nil, &CorruptedError{Path: abs, Got: got}
	}
	hdr := header(strings.SplitN(filepath.ToSlash(rel), "/", 2)[0])
	if !bytes.HasPrefix(content, hdr) {
		return nil, fmt.Errorf("malformed header in %s", abs)
	}
	return content[len(hdr):], nil
}
