package manifest

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/t7a/deckstore/id"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

const (
	hashA = "fc3j3vub6kodu4jtfoakfs5xhumqi62m"
	hashB = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

const helloToml = `
[package]
name = "hello"
version = "2.10"
dependencies = ["libc-2.31-` + hashA + `"]

[env]
LANG = "C"

[[output]]

[[output]]
name = "doc"

[[source]]
uri = "https://ftp.gnu.org/gnu/hello/hello-2.10.tar.gz"
hash = "` + hashB + `"

[build]
system = "gnu"

[build.settings]
configure-flags = ["--disable-nls", "--prefix=$out"]
strip = true

[[build.phase]]
name = "configure"
description = "Running configure"
script = "./configure ${settings.configure-flags}"

[[build.phase]]
name = "build"
script = "make"

[[build.phase]]
name = "check"
script = "make check"
test = true
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(helloToml))
	tassert(t, err == nil, "%v", err)
	tassert(t, m.Package.Name == "hello", "name %q", m.Package.Name)
	tassert(t, len(m.Package.Dependencies) == 1, "deps %v", m.Package.Dependencies)
	tassert(t, m.Package.Dependencies[0].Name == "libc", "dep %v", m.Package.Dependencies[0])
	tassert(t, len(m.Outputs) == 2, "outputs %v", m.Outputs)
	tassert(t, m.Env["LANG"] == "C", "env %v", m.Env)

	sid, err := m.Sources[0].Id()
	tassert(t, err == nil, "%v", err)
	tassert(t, sid.ToPath() == "hello-2.10.tar.gz-"+hashB, "source path %s", sid.ToPath())

	tassert(t, len(m.Phases(false)) == 2, "phases %v", m.Phases(false))
	tassert(t, len(m.Phases(true)) == 3, "phases %v", m.Phases(true))
}

func TestComputeIdStable(t *testing.T) {
	m, err := Parse([]byte(helloToml))
	tassert(t, err == nil, "%v", err)
	a, err := m.ComputeId()
	tassert(t, err == nil, "%v", err)
	tassert(t, a.Name == "hello" && a.Version == "2.10", "id %v", a)

	// the canonical form parses back to the same id
	buf, err := m.Canonical()
	tassert(t, err == nil, "%v", err)
	m2, err := Parse(buf)
	tassert(t, err == nil, "%v\n%s", err, buf)
	b, err := m2.ComputeId()
	tassert(t, err == nil, "%v", err)
	tassert(t, a == b, "canonical round trip changed id: %v != %v\n%s", a, b, buf)

	// any change to the recipe changes the id
	m2.Env["LANG"] = "en_US.UTF-8"
	c, err := m2.ComputeId()
	tassert(t, err == nil, "%v", err)
	tassert(t, a != c, "env change did not change id")
}

func TestCanonicalSortsDeps(t *testing.T) {
	x, _ := id.ParseManifestId("x-1-" + hashA)
	y, _ := id.ParseManifestId("y-1-" + hashB)
	m1 := &Manifest{Package: Package{Name: "p", Version: "1", Dependencies: []id.ManifestId{x, y}}}
	m2 := &Manifest{Package: Package{Name: "p", Version: "1", Dependencies: []id.ManifestId{y, x, y}}}
	tassert(t, m1.Validate() == nil, "validate m1")
	tassert(t, m2.Validate() == nil, "validate m2")
	a, err := m1.ComputeId()
	tassert(t, err == nil, "%v", err)
	b, err := m2.ComputeId()
	tassert(t, err == nil, "%v", err)
	tassert(t, a == b, "dependency order changed id")

	want := []id.ManifestId{x, y}
	if diff := cmp.Diff(want, m2.Deps(false)); diff != "" {
		t.Fatalf("Deps mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	bad := []string{
		"[package]\nname = \"-x\"\nversion = \"1\"\n",
		"[package]\nname = \"x\"\nversion = \"1-2\"\n",
		"[package]\nname = \"x\"\nversion = \"1\"\n[[output]]\nname = \"doc\"\n",
		"[package]\nname = \"x\"\nversion = \"1\"\n[[source]]\nhash = \"" + hashA + "\"\n",
		"[package]\nname = \"x\"\nversion = \"1\"\n[[source]]\ngit = \"https://example.com/x.git\"\nhash = \"" + hashA + "\"\n",
		"[package]\nname = \"x\"\nversion = \"1\"\n[[output]]\nprecomputed-hash = \"nope\"\n",
	}
	for _, b := range bad {
		_, err := Parse([]byte(b))
		var e *InvalidError
		tassert(t, errors.As(err, &e), "expected InvalidError for %q, got %v", b, err)
	}

	m, err := Parse([]byte("[package]\nname = \"x\"\nversion = \"1\"\n"))
	tassert(t, err == nil, "%v", err)
	tassert(t, len(m.Outputs) == 1 && m.Outputs[0].Name == "", "default output %v", m.Outputs)
}

func TestDeclaredOutputs(t *testing.T) {
	m := &Manifest{
		Package: Package{Name: "foo", Version: "1.0"},
		Outputs: []Output{{PrecomputedHash: hashA}, {Name: "doc"}},
	}
	outs := m.DeclaredOutputs()
	tassert(t, len(outs) == 2, "outs %v", outs)
	tassert(t, outs[0].Id.String() == "foo-1.0-"+hashA, "default id %v", outs[0].Id)
	tassert(t, outs[1].Id.IsZero(), "doc id should be unknown: %v", outs[1].Id)
}

func TestRender(t *testing.T) {
	settings := map[string]interface{}{
		"flags":  []interface{}{"--disable-nls", "--with-x=a b"},
		"prefix": "/opt/my dir",
		"strip":  true,
		"jobs":   int64(4),
	}
	phase := Phase{Name: "configure", Script: "./configure ${settings.flags} --prefix=${settings.prefix} -j${settings.jobs} $out"}
	script, err := phase.Render(settings)
	tassert(t, err == nil, "%v", err)
	want := "./configure --disable-nls '--with-x=a b' --prefix='/opt/my dir' -j4 $out"
	tassert(t, script == want, "got %q want %q", script, want)

	phase = Phase{Name: "build", Script: "make ${settings.missing}"}
	_, err = phase.Render(settings)
	var e *SettingError
	tassert(t, errors.As(err, &e) && e.Setting == "missing", "expected SettingError, got %v", err)
}

func TestSourceFileName(t *testing.T) {
	cases := map[string]Source{
		"hello-2.10.tar.gz": {URI: "https://example.com/dl/hello-2.10.tar.gz?mirror=1"},
		"deck":              {Git: "https://github.com/example/deck.git", Rev: "main"},
		"custom":            {Name: "custom", URI: "https://example.com/x"},
	}
	for want, src := range cases {
		tassert(t, src.FileName() == want, "got %q want %q", src.FileName(), want)
	}
	src := Source{URI: "https://example.com/a.tar.gz", Hash: hashA}
	tassert(t, strings.HasSuffix(src.Fingerprint(), "#"+hashA), "fingerprint %s", src.Fingerprint())
}
