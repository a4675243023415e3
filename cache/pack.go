package cache

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// pack writes the tree at dir to w as a zstd-compressed tar stream and
// returns the total size of its regular files.  Entries are written in
// lexical order with zeroed times and owners, so the same tree always
// packs to the same bytes.
func pack(w io.Writer, dir string) (unpacked int64, err error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: filepath.ToSlash(rel)}
		switch {
		case fi.Mode()&fs.ModeSymlink != 0:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Mode = 0777
			hdr.Linkname, err = os.Readlink(p)
			if err != nil {
				return err
			}
		case fi.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			hdr.Mode = 0755
		case fi.Mode().IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = 0644
			if fi.Mode()&0111 != 0 {
				hdr.Mode = 0755
			}
			hdr.Size = fi.Size()
		default:
			return errors.Errorf("cannot pack special file %s", p)
		}
		err = tw.WriteHeader(hdr)
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		fh, err := os.Open(p)
		if err != nil {
			return err
		}
		defer fh.Close()
		n, err := io.Copy(tw, fh)
		unpacked += n
		return err
	})
	if err != nil {
		zw.Close()
		return
	}
	err = tw.Close()
	if err != nil {
		zw.Close()
		return
	}
	err = zw.Close()
	return
}

// unpack extracts a stream written by pack into the existing
// directory dst.
func unpack(ctx context.Context, rd io.Reader, dst string) (err error) {
	zr, err := zstd.NewReader(rd)
	if err != nil {
		return
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	for {
		err = ctx.Err()
		if err != nil {
			return
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read archive")
		}
		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return errors.Errorf("archive entry escapes output: %q", hdr.Name)
		}
		target := filepath.Join(dst, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0755)
		case tar.TypeSymlink:
			err = os.Symlink(hdr.Linkname, target)
		case tar.TypeReg:
			err = extractFile(tr, target, fs.FileMode(hdr.Mode).Perm())
		default:
			err = errors.Errorf("unsupported archive entry %q type %c", hdr.Name, hdr.Typeflag)
		}
		if err != nil {
			return err
		}
	}
}

func extractFile(r io.Reader, target string, mode fs.FileMode) (err error) {
	fh, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode|0200)
	if err != nil {
		return
	}
	_, err = io.Copy(fh, r)
	if err != nil {
		fh.Close()
		return
	}
	return fh.Close()
}
