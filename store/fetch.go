package store

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
)

// download fetches uri into dst, hashing while writing.  Transient
// transport failures are retried up to s.Retries times.
func (s *Store) download(ctx context.Context, uri, dst string, sid id.SourceId, report func(Progress)) (err error) {
	backoff := 250 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = s.downloadOnce(ctx, uri, dst, sid, report)
		var ferr *FetchFailedError
		if err == nil || !errors.As(err, &ferr) || !ferr.transient || attempt >= s.Retries {
			return
		}
		log.Debugf("retrying %s after %v: %v", uri, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Store) downloadOnce(ctx context.Context, uri, dst string, sid id.SourceId, report func(Progress)) (err error) {
	body, total, err := s.open(ctx, uri)
	if err != nil {
		return
	}
	defer body.Close()

	fh, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "stage download")
	}
	defer fh.Close()

	hs := id.NewHasher()
	counter := &progressReader{r: io.TeeReader(body, hs), total: total, report: report}
	report(Progress{Downloaded: 0, Total: total})
	_, err = io.Copy(fh, counter)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchFailedError{URI: uri, Err: err, transient: true}
	}
	err = fh.Close()
	if err != nil {
		return errors.Wrap(err, "stage download")
	}
	got := hs.Sum()
	if got != sid.Hash {
		return &HashMismatchError{Resource: sid.String(), Expected: sid.Hash, Got: got}
	}
	return nil
}

// open starts a transfer and returns the body and its size, or -1.
func (s *Store) open(ctx context.Context, uri string) (body io.ReadCloser, total int64, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, 0, &FetchFailedError{URI: uri, Err: err}
	}
	switch u.Scheme {
	case "file", "":
		fh, err := os.Open(u.Path)
		if err != nil {
			return nil, 0, &FetchFailedError{URI: uri, Err: err}
		}
		total = -1
		if fi, err := fh.Stat(); err == nil {
			total = fi.Size()
		}
		return fh, total, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, 0, &FetchFailedError{URI: uri, Err: err}
		}
		resp, err := s.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			var nerr net.Error
			return nil, 0, &FetchFailedError{URI: uri, Err: err, transient: errors.As(err, &nerr)}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, &FetchFailedError{
				URI:       uri,
				Err:       fmt.Errorf("unexpected status %s", resp.Status),
				transient: resp.StatusCode >= 500,
			}
		}
		return resp.Body, resp.ContentLength, nil
	default:
		return nil, 0, &FetchFailedError{URI: uri, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

type progressReader struct {
	r      io.Reader
	n      int64
	total  int64
	report func(Progress)
}

func (p *progressReader) Read(buf []byte) (n int, err error) {
	n, err = p.r.Read(buf)
	if n > 0 {
		p.n += int64(n)
		p.report(Progress{Downloaded: p.n, Total: p.total})
	}
	return
}
