package store

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
)

// entry type tags in the directory hash stream
const (
	tagDir     = 'd'
	tagFile    = 'f'
	tagExec    = 'x'
	tagSymlink = 'l'
)

// HashPath hashes a file or directory tree.  A regular file hashes as
// its plain bytes.  A directory hashes as a walk in lexical order of
// (tag, relative path, size, contents) records.  Every occurrence of
// one of refs in file contents and link targets is replaced with zero
// bytes first, longest ref first, so a tree that refers to itself or
// to its store hashes the same wherever it lives.  skip, if non-nil,
// prunes entries by relative path.
func HashPath(path string, skip func(rel string) bool, refs ...string) (hash id.Hash, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	zero := zeroPatterns(refs)
	hs := id.NewHasher()
	if fi.Mode().IsRegular() {
		err = hashFile(hs, path, zero)
		if err != nil {
			return
		}
		return hs.Sum(), nil
	}
	if !fi.IsDir() {
		return hash, errors.Errorf("cannot hash %s: not a file or directory", path)
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			buf, _ := zero.replaceAll([]byte(target))
			writeRecord(hs, tagSymlink, rel, int64(len(buf)))
			hs.Write(buf)
		case mode.IsDir():
			writeRecord(hs, tagDir, rel, 0)
		case mode.IsRegular():
			tag := byte(tagFile)
			if isExec(mode) {
				tag = tagExec
			}
			writeRecord(hs, tag, rel, info.Size())
			return hashFile(hs, p, zero)
		default:
			return errors.Errorf("cannot hash special file %s", p)
		}
		return nil
	})
	if err != nil {
		return
	}
	return hs.Sum(), nil
}

// relocate rewrites every occurrence of from to to, which has the same
// length, in the file contents and link targets under dir.
func relocate(dir, from, to string) error {
	if len(from) != len(to) {
		return errors.Errorf("cannot relocate %s to %s: lengths differ", from, to)
	}
	pats := &patterns{}
	pats.add([]byte(from), []byte(to))
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			buf, n := pats.replaceAll([]byte(target))
			if n == 0 {
				return nil
			}
			return renameio.Symlink(string(buf), p)
		case d.Type().IsRegular():
			return relocateFile(p, pats)
		}
		return nil
	})
}

func relocateFile(path string, pats *patterns) (err error) {
	n, err := copyRefs(ioutil.Discard, path, pats)
	if err != nil || n == 0 {
		return
	}
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return
	}
	defer t.Cleanup()
	_, err = copyRefs(t, path, pats)
	if err != nil {
		return
	}
	err = t.Chmod(fi.Mode().Perm())
	if err != nil {
		return
	}
	return t.CloseAtomicallyReplace()
}

// copyRefs copies the file at path to w with patterns substituted.
func copyRefs(w io.Writer, path string, pats *patterns) (n int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return
	}
	defer fh.Close()
	rw := newRefWriter(w, pats)
	_, err = io.Copy(rw, fh)
	if err != nil {
		return
	}
	err = rw.Flush()
	return rw.n, err
}

// SkipGit prunes VCS metadata from a source checkout.
func SkipGit(rel string) bool {
	return rel == ".git"
}

func writeRecord(w io.Writer, tag byte, rel string, size int64) {
	var hdr [9]byte
	hdr[0] = tag
	binary.BigEndian.PutUint64(hdr[1:], uint64(size))
	w.Write(hdr[:])
	w.Write([]byte(rel))
	w.Write([]byte{0})
}

func hashFile(w io.Writer, path string, pats *patterns) error {
	_, err := copyRefs(w, path, pats)
	return err
}

// patterns is a set of byte strings, each with a same-length
// substitute, matched longest first.
type patterns struct {
	refs [][]byte
	subs [][]byte
	max  int
}

func zeroPatterns(refs []string) *patterns {
	pats := &patterns{}
	sorted := append([]string(nil), refs...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, ref := range sorted {
		if ref == "" {
			continue
		}
		pats.add([]byte(ref), make([]byte, len(ref)))
	}
	return pats
}

func (p *patterns) add(ref, sub []byte) {
	p.refs = append(p.refs, ref)
	p.subs = append(p.subs, sub)
	if len(ref) > p.max {
		p.max = len(ref)
	}
}

// match returns the index of the pattern buf starts with, or -1.
func (p *patterns) match(buf []byte) int {
	for i, ref := range p.refs {
		if bytes.HasPrefix(buf, ref) {
			return i
		}
	}
	return -1
}

// replaceAll returns a copy of buf with every match substituted and
// the number of matches.
func (p *patterns) replaceAll(buf []byte) ([]byte, int) {
	out := append([]byte(nil), buf...)
	_, n := p.scan(out, 0, len(out))
	return out, n
}

// scan substitutes matches that start in buf[from:to] in place.  It
// returns the offset where the next scan must resume, which is past
// to when a match straddles it.
func (p *patterns) scan(buf []byte, from, to int) (next, n int) {
	i := from
	for i < to {
		k := p.match(buf[i:])
		if k < 0 {
			i++
			continue
		}
		copy(buf[i:], p.subs[k])
		i += len(p.refs[k])
		n++
	}
	return i, n
}

// refWriter substitutes patterns in a stream.  It holds back the
// length of the longest pattern less one byte, so matches that span
// writes are caught.
type refWriter struct {
	w    io.Writer
	pats *patterns
	buf  []byte
	next int
	n    int
}

func newRefWriter(w io.Writer, pats *patterns) *refWriter {
	return &refWriter{w: w, pats: pats}
}

func (r *refWriter) Write(p []byte) (n int, err error) {
	if len(r.pats.refs) == 0 {
		return r.w.Write(p)
	}
	r.buf = append(r.buf, p...)
	keep := r.pats.max - 1
	if len(r.buf) > keep {
		flush := len(r.buf) - keep
		next, found := r.pats.scan(r.buf, r.next, flush)
		r.n += found
		_, err = r.w.Write(r.buf[:flush])
		if err != nil {
			return 0, err
		}
		r.buf = append(r.buf[:0], r.buf[flush:]...)
		r.next = next - flush
	}
	return len(p), nil
}

func (r *refWriter) Flush() (err error) {
	if len(r.buf) > 0 {
		_, found := r.pats.scan(r.buf, r.next, len(r.buf))
		r.n += found
		_, err = r.w.Write(r.buf)
		r.buf = r.buf[:0]
		r.next = 0
	}
	return
}
