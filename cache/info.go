package cache

import (
	"io/ioutil"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
	"github.com/vmihailenco/msgpack"
)

// Info describes one cached output.  Size is the packed stream
// length; UnpackedSize is the total size of the regular files in the
// tree.
type Info struct {
	Output       string `msgpack:"output"`
	Size         int64  `msgpack:"size"`
	UnpackedSize int64  `msgpack:"unpacked_size"`
	Blocks       int    `msgpack:"blocks"`
}

func (c *Cache) infoPath(oid id.OutputId) string {
	return filepath.Join(c.Dir, infoClass, oid.String())
}

func (c *Cache) putInfo(oid id.OutputId, info Info) error {
	buf, err := msgpack.Marshal(&info)
	if err != nil {
		return errors.Wrap(err, "encode info")
	}
	return renameio.WriteFile(c.infoPath(oid), buf, 0644)
}

func (c *Cache) getInfo(oid id.OutputId) (info Info, err error) {
	buf, err := ioutil.ReadFile(c.infoPath(oid))
	if err != nil {
		return
	}
	err = msgpack.Unmarshal(buf, &info)
	if err != nil {
		return info, errors.Wrapf(err, "decode info for %s", oid)
	}
	return
}
