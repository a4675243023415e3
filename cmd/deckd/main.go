package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deckstore"
	"github.com/t7a/deckstore/daemon"
	"github.com/t7a/deckstore/store"
)

func init() {
	deckstore.SetupLogging()
}

const usage = `deckd

Usage:
  deckd init <storedir> [--config=<file>]
  deckd serve [--config=<file>]

Options:
  -h --help        Show this screen.
  --version        Show version.
  --config=<file>  Configuration file [default: deckd.yaml].
`

type Opts struct {
	Init     bool
	Serve    bool
	Storedir string
	Config   string
}

func main() {
	rc, msg := Run()
	if len(msg) > 0 {
		fmt.Fprintf(os.Stderr, msg+"\n")
	}
	os.Exit(rc)
}

func Run() (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	Ck(err)

	if opts.Init {
		err := create(opts.Storedir, opts.Config)
		Ck(err)
		fmt.Printf("Initialized empty store in %s, config in %s\n", opts.Storedir, opts.Config)
	}

	if opts.Serve {
		err := serve(opts.Config)
		Ck(err)
	}

	return
}

// create makes a store and writes a config pointing at it.
func create(dir, path string) (err error) {
	defer Return(&err)
	s, err := store.Create(dir)
	Ck(err)
	path, err = filepath.Abs(path)
	Ck(err)
	rel, err := filepath.Rel(filepath.Dir(path), s.Root)
	Ck(err)
	cfg := &daemon.Config{Store: rel}
	err = cfg.Save(path)
	Ck(err)
	return
}

func serve(path string) (err error) {
	defer Return(&err)

	cfg, err := daemon.LoadConfig(path)
	Ck(err)
	svc, err := daemon.New(cfg)
	Ck(err)
	defer svc.Close()

	// stop on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &daemon.Server{Service: svc, Socket: cfg.Socket}
	err = srv.Listen()
	Ck(err)
	defer os.Remove(cfg.Socket)

	log.Infof("serving store %s", cfg.Store)
	err = srv.Serve(ctx)
	Ck(err)
	log.Info("shut down")
	return
}
