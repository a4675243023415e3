// Package cache is a binary cache of built outputs.  An output tree is
// packed into a zstd-compressed tar stream, cut into content-defined
// chunks, and kept as write-once blocks.  A tree object lists the
// blocks of one stream, and a stream symlink names the tree by output
// id:
//
//	<dir>/config.json
//	<dir>/block/<aaa>/<bbb>/<hash>
//	<dir>/tree/<aaa>/<bbb>/<hash>
//	<dir>/stream/<output-id> -> ../tree/<aaa>/<bbb>/<hash>
//	<dir>/info/<output-id>
//
// Identical chunks across outputs are stored once.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	gad "github.com/stevegt/goadapt"
	"github.com/t7a/deckstore/id"
)

// Cache is a binary cache rooted at Dir.  Depth is the number of
// subdirectory levels in the block and tree dirs; each level uses
// three-character names.
type Cache struct {
	Dir     string          `json:"-"`
	Depth   int             // number of subdir levels in block and tree dirs
	Poly    resticRabin.Pol // rabin polynomial for chunking
	MinSize uint            // minimum chunk size
	MaxSize uint            // maximum chunk size
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

type NotCacheError struct {
	Dir string
}

func (e *NotCacheError) Error() string {
	return fmt.Sprintf("not a binary cache: %s", e.Dir)
}

// MissingError reports an output the cache does not hold.
type MissingError struct {
	Id id.OutputId
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("output not in cache: %s", e.Id)
}

// CorruptedError reports an object whose content no longer matches
// its name.
type CorruptedError struct {
	Path string
	Got  id.Hash
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("corrupted cache object %s: content hashes to %s", e.Path, e.Got)
}

const configFile = "config.json"

// Create initializes a cache directory.  Zero fields get defaults and
// a random polynomial; the result is persisted so every later writer
// chunks the same way.
func (c Cache) Create() (out *Cache, err error) {
	defer gad.Return(&err)

	dir := c.Dir
	if canstat(dir) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(dir)
		gad.Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	if c.Depth < 1 {
		c.Depth = 2
	}
	chunker, err := rabin{Poly: c.Poly, MinSize: c.MinSize, MaxSize: c.MaxSize}.Init()
	gad.Ck(err)
	c.Poly, c.MinSize, c.MaxSize = chunker.Poly, chunker.MinSize, chunker.MaxSize

	for _, class := range []string{blockClass, treeClass, streamClass, infoClass} {
		err = mkdir(filepath.Join(dir, class))
		gad.Ck(err)
	}

	buf, err := json.MarshalIndent(c, "", "  ")
	gad.Ck(err)
	err = ioutil.WriteFile(filepath.Join(dir, configFile), buf, 0644)
	gad.Ck(err)

	return Open(dir)
}

// Open loads an existing cache from dir.
func Open(dir string) (c *Cache, err error) {
	dir, err = filepath.Abs(dir)
	if err != nil {
		return
	}
	buf, err := ioutil.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, &NotCacheError{Dir: dir}
	}
	c = &Cache{}
	err = json.Unmarshal(buf, c)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", configFile)
	}
	c.Dir = dir
	return
}

// QueryOutput reports whether oid can be substituted from this cache.
func (c *Cache) QueryOutput(ctx context.Context, oid id.OutputId) (bool, error) {
	return canlstat(c.streamPath(oid)), nil
}

// Put packs the output tree at dir and stores it under oid.  Putting
// an output that is already present is a no-op.
func (c *Cache) Put(ctx context.Context, oid id.OutputId, dir string) (info Info, err error) {
	info, ok, err := c.Stat(oid)
	if err != nil || ok {
		return
	}

	pr, pw := io.Pipe()
	var unpacked int64
	go func() {
		var err error
		unpacked, err = pack(pw, dir)
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	counter := &countReader{r: pr}
	blocks, err := c.putStream(ctx, counter)
	if err != nil {
		return
	}
	tree, err := c.putTree(blocks)
	if err != nil {
		return
	}

	info = Info{
		Output:       oid.String(),
		Size:         counter.n,
		UnpackedSize: unpacked,
		Blocks:       len(blocks),
	}
	err = c.putInfo(oid, info)
	if err != nil {
		return
	}
	// the stream link goes last: once it exists the output is served
	err = c.linkStream(oid, tree)
	if err != nil {
		return
	}
	log.Debugf("cached %s: %d blocks, %d bytes", oid, len(blocks), counter.n)
	return
}

// FetchOutput unpacks the cached output into dir, which must exist
// and be empty.  Every block is verified as it is read.
func (c *Cache) FetchOutput(ctx context.Context, oid id.OutputId, dir string) (err error) {
	rd, err := c.openStream(oid)
	if err != nil {
		return
	}
	return unpack(ctx, rd, dir)
}

// Stat returns the info record for oid.
func (c *Cache) Stat(oid id.OutputId) (info Info, ok bool, err error) {
	if !canlstat(c.streamPath(oid)) {
		return info, false, nil
	}
	info, err = c.getInfo(oid)
	if err != nil {
		return
	}
	return info, true, nil
}

// List returns the ids of every cached output.
func (c *Cache) List() (oids []id.OutputId, err error) {
	entries, err := os.ReadDir(filepath.Join(c.Dir, streamClass))
	if err != nil {
		return
	}
	for _, e := range entries {
		oid, err := id.ParseOutputId(e.Name())
		if err != nil {
			log.Debugf("skipping stream %s: %v", e.Name(), err)
			continue
		}
		oids = append(oids, oid)
	}
	return
}

// Verify rehashes every block reachable from oid's stream.
func (c *Cache) Verify(oid id.OutputId) (err error) {
	tree, err := c.streamTree(oid)
	if err != nil {
		return
	}
	blocks, err := c.getTree(tree)
	if err != nil {
		return
	}
	for _, rel := range blocks {
		_, err = c.getObject(rel)
		if err != nil {
			return
		}
	}
	return nil
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func canlstat(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return
		}
	}
	return
}

type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (n int, err error) {
	n, err = c.r.Read(p)
	c.n += int64(n)
	return
}
