package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deckstore"
	"github.com/t7a/deckstore/cache"
	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/daemon"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/progress"
	"github.com/t7a/deckstore/store"
)

func init() {
	deckstore.SetupLogging()
	if os.Getenv("DEBUG") != "1" {
		log.SetLevel(log.WarnLevel)
	}
}

const usage = `deck

Usage:
  deck init
  deck add [-q] <file>...
  deck build [-v] <pkg>...
  deck install [-v] <pkg>...
  deck remove <pkg>...
  deck diff [--upgrade=<pkg>]... [--uninstall=<pkg>]... [<pkg>...]
  deck verify [-v] [--check-contents] [--repair]
  deck log <pkg>
  deck push <pkg>...
  deck list

Options:
  -h --help         Show this screen.
  --version         Show version.
  -q                Print nothing.
  -v                Print every progress event.
  --check-contents  Rehash every store entry.
  --repair          Fix what verify finds.

A <pkg> is a full manifest id or a package name, which is looked up in
the repository and then in the store.

Environment:
  DECK_STORE   store root, default the current directory
  DECK_CONFIG  daemon config file supplying store, repositories and caches
  DECK_SOCKET  use the daemon on this socket instead of opening the store
  DECK_REPO    additional manifest repository
  DECK_CACHE   additional binary cache; push writes to the first one
`

type Opts struct {
	Init          bool
	Add           bool
	Build         bool
	Install       bool
	Remove        bool
	Diff          bool
	Verify        bool
	Log           bool
	Push          bool
	List          bool
	File          []string
	Pkg           []string
	Upgrade       []string `docopt:"--upgrade"`
	Uninstall     []string `docopt:"--uninstall"`
	CheckContents bool     `docopt:"--check-contents"`
	Repair        bool     `docopt:"--repair"`
	Quiet         bool     `docopt:"-q"`
	Verbose       bool     `docopt:"-v"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() int {
	rc, msg := Run()
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
	}
	return rc
}

func Run() (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.0")
	if err != nil {
		return 22, ""
	}
	var opts Opts
	err = o.Bind(&opts)
	Ck(err)
	log.Debug(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Init {
		err = create()
		Ck(err)
		return
	}

	cfg, err := config()
	Ck(err)
	api, closer, err := connect(cfg)
	Ck(err)
	defer closer()

	var pkgs []id.ManifestId
	if !opts.Add && !opts.Diff {
		pkgs, err = resolve(cfg, opts.Pkg)
		if err != nil {
			return 1, err.Error()
		}
	}

	switch true {
	case opts.Add:
		for _, fn := range opts.File {
			buf, err := ioutil.ReadFile(fn)
			Ck(err)
			mid, err := api.AddManifest(ctx, buf)
			Ck(err)
			if !opts.Quiet {
				fmt.Println(mid)
			}
		}
	case opts.Build:
		rep := newReporter(opts.Verbose)
		err = api.BuildManifest(ctx, pkgs, rep.send)
		Ck(err)
		return rep.summary(pkgs)
	case opts.Install:
		rep := newReporter(opts.Verbose)
		err = api.Install(ctx, pkgs, nil, rep.send)
		Ck(err)
		return rep.summary(pkgs)
	case opts.Remove:
		err = api.Install(ctx, nil, pkgs, nil)
		Ck(err)
		for _, mid := range pkgs {
			fmt.Printf("removed %s\n", short(mid))
		}
	case opts.Diff:
		install, err := resolve(cfg, opts.Pkg)
		Ck(err)
		upgrade, err := resolve(cfg, opts.Upgrade)
		Ck(err)
		uninstall, err := resolve(cfg, opts.Uninstall)
		Ck(err)
		diff, err := api.GetTransactionDiff(ctx, install, upgrade, uninstall)
		Ck(err)
		for _, entry := range diff.Installed {
			fmt.Printf("install %s: %s\n", short(entry.Manifest), describe(entry.Resolution))
		}
		for _, entry := range diff.Upgraded {
			fmt.Printf("upgrade %s: %s\n", short(entry.Manifest), describe(entry.Resolution))
		}
		for _, mid := range diff.Uninstalled {
			fmt.Printf("uninstall %s\n", short(mid))
		}
	case opts.Verify:
		return verify(ctx, api, opts)
	case opts.Log:
		Assert(len(pkgs) == 1, "log takes one package")
		buf, err := api.GetBuildLog(ctx, pkgs[0])
		Ck(err)
		_, err = os.Stdout.Write(buf)
		Ck(err)
	case opts.Push:
		for _, mid := range pkgs {
			infos, err := api.Push(ctx, mid)
			Ck(err)
			var unpacked int64
			for _, info := range infos {
				unpacked += info.UnpackedSize
			}
			noun := "outputs"
			if len(infos) == 1 {
				noun = "output"
			}
			fmt.Printf("pushed %s: %d %s, %s unpacked\n", short(mid), len(infos), noun, humanize.Bytes(uint64(unpacked)))
		}
	case opts.List:
		mids, err := api.Installed(ctx)
		Ck(err)
		for _, mid := range mids {
			fmt.Println(short(mid))
		}
	}
	return
}

func abs(path string) string {
	p, err := filepath.Abs(path)
	Ck(err)
	return p
}

func storeDir() (dir string) {
	dir = os.Getenv("DECK_STORE")
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		Assert(err == nil, "can't get current directory")
	}
	return abs(dir)
}

func create() (err error) {
	defer Return(&err)
	s, err := store.Create(storeDir())
	Ck(err)
	fmt.Printf("Initialized empty store in %s\n", s.Root)
	if dir := os.Getenv("DECK_CACHE"); dir != "" {
		c, err := cache.Cache{Dir: abs(dir)}.Create()
		Ck(err)
		fmt.Printf("Initialized empty binary cache in %s\n", c.Dir)
	}
	return
}

// config assembles the daemon configuration from the environment.
func config() (cfg *daemon.Config, err error) {
	defer Return(&err)
	if path := os.Getenv("DECK_CONFIG"); path != "" {
		cfg, err = daemon.LoadConfig(path)
		Ck(err)
	} else {
		cfg = &daemon.Config{Store: storeDir()}
	}
	if dir := os.Getenv("DECK_REPO"); dir != "" {
		cfg.Repositories = append(cfg.Repositories, abs(dir))
	}
	if dir := os.Getenv("DECK_CACHE"); dir != "" {
		cfg.BinaryCaches = append(cfg.BinaryCaches, abs(dir))
	}
	cfg.SetDefaults()
	return
}

// connect returns the daemon client when DECK_SOCKET is set, and an
// in-process service otherwise.
func connect(cfg *daemon.Config) (api daemon.API, closer func(), err error) {
	if socket := os.Getenv("DECK_SOCKET"); socket != "" {
		return &daemon.Client{Socket: socket}, func() {}, nil
	}
	svc, err := daemon.New(cfg)
	if err != nil {
		return
	}
	return svc, func() { svc.Close() }, nil
}

// resolve turns package arguments into manifest ids.
func resolve(cfg *daemon.Config, args []string) (mids []id.ManifestId, err error) {
	dirs := append([]string{}, cfg.Repositories...)
	dirs = append(dirs, filepath.Join(cfg.Store, id.ManifestsDir))
	for _, arg := range args {
		mid, perr := id.ParseManifestId(arg)
		if perr == nil {
			mids = append(mids, mid)
			continue
		}
		found := false
		for _, dir := range dirs {
			repo := &closure.DirRepository{Dir: dir}
			mid, ok, err := repo.Lookup(arg)
			if err != nil && !os.IsNotExist(err) {
				return nil, err
			}
			if ok {
				mids = append(mids, mid)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("%s: no such package", arg)
		}
	}
	return
}

func short(mid id.ManifestId) string {
	return mid.Name + "-" + mid.Version
}

func describe(res daemon.Resolution) string {
	if res.Kind == daemon.FetchRemote {
		return fmt.Sprintf("fetch %s (%s unpacked) from %s",
			humanize.Bytes(uint64(res.Size)), humanize.Bytes(uint64(res.UnpackedSize)), res.Source)
	}
	return res.String()
}

// reporter keeps the last event of every package and optionally
// echoes the stream.
type reporter struct {
	verbose bool
	last    map[id.ManifestId]progress.Event
}

func newReporter(verbose bool) *reporter {
	return &reporter{verbose: verbose, last: make(map[id.ManifestId]progress.Event)}
}

func (r *reporter) send(ev progress.Event) error {
	if r.verbose {
		switch {
		case ev.Kind == progress.Downloading:
			fmt.Fprintf(os.Stderr, "%s downloading %s %s\n", short(ev.Manifest), ev.Description, progress.DescribeDownload(ev.Downloaded, ev.Size))
		case len(ev.Stdout) > 0 || len(ev.Stderr) > 0:
			os.Stderr.Write(ev.Stdout)
			os.Stderr.Write(ev.Stderr)
		default:
			fmt.Fprintln(os.Stderr, ev)
		}
	}
	if ev.Kind != progress.Started {
		r.last[ev.Manifest] = ev
	}
	return nil
}

// summary prints one line per root and fails if any root did not
// finish.
func (r *reporter) summary(roots []id.ManifestId) (rc int, msg string) {
	failed := 0
	for _, mid := range roots {
		ev, ok := r.last[mid]
		switch {
		case !ok:
			failed++
			fmt.Printf("%s: no result\n", short(mid))
		case ev.Kind == progress.Finished:
			fmt.Printf("%s %s\n", short(mid), ev.Status)
		default:
			failed++
			fmt.Printf("%s %s: %s\n", short(mid), ev.Kind, ev.Err)
		}
	}
	if failed > 0 {
		return 1, fmt.Sprintf("%d of %d packages failed", failed, len(roots))
	}
	return
}

func verify(ctx context.Context, api daemon.API, opts Opts) (rc int, msg string) {
	var checked, problems, repaired int
	err := api.Verify(ctx, opts.CheckContents, opts.Repair, func(rec daemon.VerifyRecord) error {
		if rec.Repaired {
			repaired++
		} else {
			checked++
			if rec.Problem != "" {
				problems++
			}
		}
		if opts.Verbose || rec.Problem != "" {
			fmt.Println(rec)
		}
		return nil
	})
	Ck(err)
	fmt.Printf("checked %d entries, %d problems", checked, problems)
	if opts.Repair {
		fmt.Printf(", %d repaired", repaired)
	}
	fmt.Println()
	if problems > repaired {
		return 1, "store has problems"
	}
	return
}
