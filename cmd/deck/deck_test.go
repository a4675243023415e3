package main

import (
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmdtest"
	"github.com/pkg/fileutils"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
)

var update = flag.Bool("update", false, "update test files with results")

// publish writes the manifest in src into repo under its id.
func publish(repo, src string, deps ...id.ManifestId) (mid id.ManifestId, err error) {
	buf, err := ioutil.ReadFile(src)
	if err != nil {
		return
	}
	m, err := manifest.Parse(buf)
	if err != nil {
		return
	}
	m.Package.Dependencies = deps
	mid, err = m.ComputeId()
	if err != nil {
		return
	}
	buf, err = m.Canonical()
	if err != nil {
		return
	}
	err = ioutil.WriteFile(filepath.Join(repo, mid.ToPath()), buf, 0644)
	return
}

func TestCLI(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	ts, err := cmdtest.Read("testdata")
	if err != nil {
		t.Fatal(err)
	}
	srcdir, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	ts.Setup = func(dir string) (err error) {
		repo := filepath.Join(dir, "repo")
		err = os.Mkdir(repo, 0755)
		if err != nil {
			return
		}
		greet, err := publish(repo, filepath.Join(srcdir, "testdata/greet.toml"))
		if err != nil {
			return
		}
		_, err = publish(repo, filepath.Join(srcdir, "testdata/hello.toml"), greet)
		if err != nil {
			return
		}
		// for deck add
		return fileutils.CopyFile(filepath.Join(dir, "extra.toml"), filepath.Join(srcdir, "testdata/extra.toml"))
	}
	ts.Commands["deck"] = cmdtest.InProcessProgram("deck", run)
	ts.Run(t, *update)
}
