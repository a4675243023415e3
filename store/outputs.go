package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

// OutputInput is a finished output tree staged by a builder.  Dir is
// moved, not copied, when the output is published.
type OutputInput struct {
	Name    string
	Version string
	Dir     string
}

// Outputs stores build results as outputs/<name>-<version>-<hash>/.
type Outputs struct {
	s   *Store
	reg *Registry[string, struct{}]
}

func (d *Outputs) Name() string {
	return id.OutputsDir
}

// ComputeId hashes the staged tree with references to the store root
// zeroed.  References to the staged directory itself are zeroed too
// when it can be relocated to the published path.
func (d *Outputs) ComputeId(ctx context.Context, in OutputInput) (oid id.OutputId, err error) {
	hash, err := HashPath(in.Dir, nil, d.selfRefs(in)...)
	if err != nil {
		return
	}
	return id.NewOutputId(in.Name, in.Version, hash)
}

// relocatable reports whether in.Dir is as long as the path it will be
// published under, so self-references can be rewritten in place.
// Scratch directories laid out as tmp/<nonce>-<name>-<version>/out
// always are.
func (d *Outputs) relocatable(in OutputInput) bool {
	dst := d.s.Path(id.OutputId{Name: in.Name, Version: in.Version})
	return len(in.Dir) == len(dst)
}

func (d *Outputs) selfRefs(in OutputInput) []string {
	if d.relocatable(in) {
		return []string{in.Dir, d.s.Root}
	}
	return []string{d.s.Root}
}

func (d *Outputs) Read(ctx context.Context, oid id.OutputId) (path string, ok bool, err error) {
	path = d.s.Path(oid)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &CorruptedError{Path: path, Err: err}
	}
	if !fi.IsDir() {
		return "", false, &CorruptedError{Path: path, Err: os.ErrInvalid}
	}
	return path, true, nil
}

// Write publishes the staged tree under its content hash.  If an
// identical output already exists the staged tree is left for the
// caller to discard.
func (d *Outputs) Write(ctx context.Context, in OutputInput) (oid id.OutputId, err error) {
	oid, err = d.ComputeId(ctx, in)
	if err != nil {
		return
	}
	if d.s.Exists(oid) {
		log.Debugf("output %s memoized", oid)
		return oid, nil
	}
	if d.relocatable(in) {
		err = relocate(in.Dir, in.Dir, d.s.Path(oid))
		if err != nil {
			return oid, errors.Wrapf(err, "relocate %s", oid)
		}
	}
	_, err, _ = d.reg.Do(ctx, oid.String(), func() (struct{}, error) {
		return struct{}{}, d.s.commit(ctx, oid, in.Dir)
	})
	return
}

// Fetch publishes a known output by letting fill populate a scratch
// directory, typically from a substituter.  The result must hash to
// oid.
func (d *Outputs) Fetch(ctx context.Context, oid id.OutputId, fill func(ctx context.Context, dir string) error) (err error) {
	if d.s.Exists(oid) {
		return nil
	}
	_, err, _ = d.reg.Do(ctx, oid.String(), func() (struct{}, error) {
		return struct{}{}, d.s.produce(ctx, oid, oid.Name, oid.Version, func(scratch string) (string, error) {
			staged := filepath.Join(scratch, "out")
			err := os.Mkdir(staged, 0755)
			if err != nil {
				return "", err
			}
			err = fill(ctx, staged)
			if err != nil {
				return "", err
			}
			in := OutputInput{Name: oid.Name, Version: oid.Version, Dir: staged}
			hash, err := HashPath(staged, nil, d.selfRefs(in)...)
			if err != nil {
				return "", err
			}
			if hash != oid.Hash {
				return "", &HashMismatchError{Resource: oid.String(), Expected: oid.Hash, Got: hash}
			}
			if d.relocatable(in) {
				err = relocate(staged, staged, d.s.Path(oid))
				if err != nil {
					return "", err
				}
			}
			return staged, nil
		})
	})
	return
}
