package cache

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

// putStream chunks rd into blocks and returns their relative paths in
// order.
func (c *Cache) putStream(ctx context.Context, rd io.Reader) (blocks []string, err error) {
	chunker, err := rabin{Poly: c.Poly, MinSize: c.MinSize, MaxSize: c.MaxSize}.Init()
	if err != nil {
		return
	}
	chunker.Start(rd)

	buf := make([]byte, chunker.MaxSize)
	for {
		err = ctx.Err()
		if err != nil {
			return nil, err
		}
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rel, err := c.putObject(blockClass, chunk.Data)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, rel)
	}
	log.Debugf("stream cut into %d blocks", len(blocks))
	return blocks, nil
}

// putTree stores the ordered block list as a tree object, one
// relative path per line.
func (c *Cache) putTree(blocks []string) (rel string, err error) {
	var buf bytes.Buffer
	for _, b := range blocks {
		buf.WriteString(filepath.ToSlash(b))
		buf.WriteByte('\n')
	}
	return c.putObject(treeClass, buf.Bytes())
}

func (c *Cache) getTree(rel string) (blocks []string, err error) {
	buf, err := c.getObject(rel)
	if err != nil {
		return
	}
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, blockClass+"/") {
			return nil, errors.Errorf("tree %s: bad entry %q", rel, line)
		}
		blocks = append(blocks, filepath.FromSlash(line))
	}
	return blocks, scanner.Err()
}

func (c *Cache) streamPath(oid id.OutputId) string {
	return filepath.Join(c.Dir, streamClass, oid.String())
}

// linkStream makes the stream label for oid point at tree.
func (c *Cache) linkStream(oid id.OutputId, tree string) error {
	src := filepath.Join("..", tree)
	return renameio.Symlink(src, c.streamPath(oid))
}

// streamTree resolves the stream label for oid to its tree object.
func (c *Cache) streamTree(oid id.OutputId) (rel string, err error) {
	target, err := os.Readlink(c.streamPath(oid))
	if os.IsNotExist(err) {
		return "", &MissingError{Id: oid}
	}
	if err != nil {
		return
	}
	rel = filepath.Join(streamClass, target)
	if !strings.HasPrefix(filepath.ToSlash(rel), treeClass+"/") {
		return "", errors.Errorf("stream %s points outside tree/: %s", oid, target)
	}
	return
}

// openStream returns a reader over the concatenated blocks of oid.
func (c *Cache) openStream(oid id.OutputId) (rd io.Reader, err error) {
	tree, err := c.streamTree(oid)
	if err != nil {
		return
	}
	blocks, err := c.getTree(tree)
	if err != nil {
		return
	}
	return &streamReader{c: c, blocks: blocks}, nil
}

// streamReader loads one block at a time, verifying each as it goes.
type streamReader struct {
	c      *Cache
	blocks []string
	cur    *bytes.Reader
}

func (s *streamReader) Read(buf []byte) (n int, err error) {
	for {
		if s.cur != nil && s.cur.Len() > 0 {
			return s.cur.Read(buf)
		}
		if len(s.blocks) == 0 {
			return 0, io.EOF
		}
		data, err := s.c.getObject(s.blocks[0])
		if err != nil {
			return 0, err
		}
		s.blocks = s.blocks[1:]
		s.cur = bytes.NewReader(data)
	}
}
