package store

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

func canstat(path string) bool {
	_, err := os.Stat(path)
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

func isExec(mode fs.FileMode) bool {
	return mode&0111 != 0
}

func readOnlyMode(path string) fs.FileMode {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0444
	}
	if fi.IsDir() || isExec(fi.Mode()) {
		return 0555
	}
	return 0444
}

// makeReadOnly strips write permission from every entry under path.
// The top entry is included only when top is true.  Symlinks are
// skipped since chmod follows them.
func makeReadOnly(path string, top bool) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == path && !top && d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(p, readOnlyMode(p))
	})
}

// isReadOnly reports whether any entry under path is writable.
func isReadOnly(path string) (ok bool, err error) {
	ok = true
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Mode().Perm()&0222 != 0 {
			ok = false
			return filepath.SkipAll
		}
		return nil
	})
	return
}

// removeAll deletes path even when parts of it are read-only.
func removeAll(path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(p, 0755)
		}
		return nil
	})
	return os.RemoveAll(path)
}

// copyTree copies a file, directory, or symlink from src to dst,
// keeping the executable bit.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case fi.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case fi.IsDir():
			return os.MkdirAll(target, 0755)
		case fi.Mode().IsRegular():
			return copyFile(p, target, fi.Mode())
		default:
			return errors.Errorf("cannot copy special file %s", p)
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	perm := fs.FileMode(0644)
	if isExec(mode) {
		perm = 0755
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return
	}
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return
	}
	return out.Close()
}

func readDirNames(dir string) (names []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return
}
