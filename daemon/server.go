package daemon

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/progress"
	"github.com/vmihailenco/msgpack"
)

// Server answers requests on a unix domain socket, one request per
// connection.
type Server struct {
	Service *Service
	Socket  string

	listener net.Listener
	wg       sync.WaitGroup
}

// Listen creates the socket, replacing a stale one.
func (srv *Server) Listen() (err error) {
	defer Return(&err)
	err = os.MkdirAll(filepath.Dir(srv.Socket), 0755)
	Ck(err)
	if _, err := os.Lstat(srv.Socket); err == nil {
		conn, err := net.Dial("unix", srv.Socket)
		if err == nil {
			conn.Close()
			return errors.Errorf("%s: daemon already running", srv.Socket)
		}
		err = os.Remove(srv.Socket)
		Ck(err)
	}
	srv.listener, err = net.Listen("unix", srv.Socket)
	Ck(err)
	// any local user may connect
	err = os.Chmod(srv.Socket, 0666)
	Ck(err)
	if cfg := srv.Service.Config; cfg != nil {
		log.Infof("listening on %s, trusted users %v, build group %q", srv.Socket, cfg.TrustedUsers, cfg.BuildGroup)
	}
	return
}

// Serve accepts connections until ctx is cancelled or Close is
// called.  In-flight requests are cancelled and waited for.
func (srv *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		srv.listener.Close()
	}()
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			closed := ctx.Err() != nil || errors.Is(err, net.ErrClosed)
			cancel()
			srv.wg.Wait()
			if closed {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer conn.Close()
			srv.handle(ctx, conn)
		}()
	}
}

// Close stops Serve.
func (srv *Server) Close() error {
	return srv.listener.Close()
}

// handle serves a single connection.
func (srv *Server) handle(ctx context.Context, conn net.Conn) {
	logPeer(conn)
	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)

	var req Request
	err := dec.Decode(&req)
	if err != nil {
		log.Debugf("bad request: %v", err)
		return
	}
	log.Debugf("request %s", req.Op)

	// a client hanging up cancels its request.  Clients send nothing
	// after the request, so any read returning means the peer is gone
	// or handle has closed the connection.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		io.Copy(ioutil.Discard, conn)
		cancel()
	}()

	var mu sync.Mutex
	send := func(f Frame) error {
		mu.Lock()
		defer mu.Unlock()
		err := enc.Encode(&f)
		if err != nil {
			cancel()
		}
		return err
	}

	err = srv.dispatch(ctx, &req, send)
	if err != nil {
		send(errorFrame(err))
		return
	}
	send(Frame{Done: true})
}

func (srv *Server) dispatch(ctx context.Context, req *Request, send func(Frame) error) (err error) {
	svc := srv.Service
	events := func(ev progress.Event) error {
		return send(Frame{Event: &ev})
	}
	switch req.Op {
	case OpAdd:
		mid, err := svc.AddManifest(ctx, req.Manifest)
		if err != nil {
			return err
		}
		return send(Frame{Id: &mid})
	case OpBuild:
		return svc.BuildManifest(ctx, req.Ids, events)
	case OpInstall:
		return svc.Install(ctx, req.Ids, req.Uninstall, events)
	case OpDiff:
		diff, err := svc.GetTransactionDiff(ctx, req.Ids, req.Upgrade, req.Uninstall)
		if err != nil {
			return err
		}
		return send(Frame{Diff: diff})
	case OpVerify:
		return svc.Verify(ctx, req.CheckContents, req.Repair, func(rec VerifyRecord) error {
			return send(Frame{Verify: &rec})
		})
	case OpLog:
		if len(req.Ids) != 1 {
			return errors.Errorf("log takes one manifest id, got %d", len(req.Ids))
		}
		buf, err := svc.GetBuildLog(ctx, req.Ids[0])
		if err != nil {
			return err
		}
		return send(Frame{Log: buf})
	case OpPush:
		var infos []cache.Info
		for _, mid := range req.Ids {
			got, err := svc.Push(ctx, mid)
			if err != nil {
				return err
			}
			infos = append(infos, got...)
		}
		return send(Frame{Infos: infos})
	case OpList:
		mids, err := svc.Installed(ctx)
		if err != nil {
			return err
		}
		return send(Frame{Ids: mids})
	}
	return errors.Errorf("unknown request %q", req.Op)
}

// logPeer logs the uid of the connecting process.
func logPeer(conn net.Conn) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		cred, err := syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
		if err == nil {
			log.Debugf("connection from uid %d pid %d", cred.Uid, cred.Pid)
		}
	})
}
