package daemon

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/progress"
	"github.com/vmihailenco/msgpack"
)

// Client talks to a Server.  Each call uses its own connection.
type Client struct {
	Socket string
}

// call sends req and passes every frame before the final one to fn.
func (c *Client) call(ctx context.Context, req Request, fn func(Frame) error) (err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Socket)
	if err != nil {
		return errors.Wrap(err, "connect to daemon")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = msgpack.NewEncoder(conn).Encode(&req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	dec := msgpack.NewDecoder(conn)
	for {
		var f Frame
		err = dec.Decode(&f)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				return errors.New("daemon closed the connection")
			}
			return errors.Wrap(err, "read response")
		}
		if f.Done {
			if f.Err != "" {
				return &RemoteError{Msg: f.Err, Reason: f.Reason}
			}
			return nil
		}
		if fn != nil {
			err = fn(f)
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) AddManifest(ctx context.Context, buf []byte) (mid id.ManifestId, err error) {
	err = c.call(ctx, Request{Op: OpAdd, Manifest: buf}, func(f Frame) error {
		if f.Id != nil {
			mid = *f.Id
		}
		return nil
	})
	return
}

func (c *Client) BuildManifest(ctx context.Context, ids []id.ManifestId, send func(progress.Event) error) error {
	return c.call(ctx, Request{Op: OpBuild, Ids: ids}, eventFrames(send))
}

func (c *Client) Install(ctx context.Context, install, uninstall []id.ManifestId, send func(progress.Event) error) error {
	return c.call(ctx, Request{Op: OpInstall, Ids: install, Uninstall: uninstall}, eventFrames(send))
}

func eventFrames(send func(progress.Event) error) func(Frame) error {
	return func(f Frame) error {
		if f.Event == nil {
			return nil
		}
		return send(*f.Event)
	}
}

func (c *Client) GetTransactionDiff(ctx context.Context, install, upgrade, uninstall []id.ManifestId) (diff *Diff, err error) {
	req := Request{Op: OpDiff, Ids: install, Upgrade: upgrade, Uninstall: uninstall}
	err = c.call(ctx, req, func(f Frame) error {
		diff = f.Diff
		return nil
	})
	if err == nil && diff == nil {
		err = errors.New("daemon sent no diff")
	}
	return
}

func (c *Client) Verify(ctx context.Context, checkContents, repair bool, send func(VerifyRecord) error) error {
	req := Request{Op: OpVerify, CheckContents: checkContents, Repair: repair}
	return c.call(ctx, req, func(f Frame) error {
		if f.Verify == nil {
			return nil
		}
		return send(*f.Verify)
	})
}

func (c *Client) GetBuildLog(ctx context.Context, mid id.ManifestId) (buf []byte, err error) {
	err = c.call(ctx, Request{Op: OpLog, Ids: []id.ManifestId{mid}}, func(f Frame) error {
		buf = append(buf, f.Log...)
		return nil
	})
	return
}

func (c *Client) Push(ctx context.Context, mid id.ManifestId) (infos []cache.Info, err error) {
	err = c.call(ctx, Request{Op: OpPush, Ids: []id.ManifestId{mid}}, func(f Frame) error {
		infos = append(infos, f.Infos...)
		return nil
	})
	return
}

func (c *Client) Installed(ctx context.Context) (mids []id.ManifestId, err error) {
	err = c.call(ctx, Request{Op: OpList}, func(f Frame) error {
		mids = append(mids, f.Ids...)
		return nil
	})
	return
}
