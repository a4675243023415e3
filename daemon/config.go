package daemon

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.  Relative paths are
// resolved against the directory holding the file.
type Config struct {
	Store        string        `yaml:"store"`
	Socket       string        `yaml:"socket,omitempty"`
	BuildGroup   string        `yaml:"build-group,omitempty"`
	MaxBuilds    int           `yaml:"max-builds,omitempty"`
	MaxDownloads int           `yaml:"max-downloads,omitempty"`
	TrustedUsers []string      `yaml:"trusted-users,omitempty"`
	Shell        string        `yaml:"shell,omitempty"`
	BuildTimeout time.Duration `yaml:"build-timeout,omitempty"`
	// Repositories are directories of manifest files.
	Repositories []string `yaml:"repositories,omitempty"`
	// BinaryCaches are binary cache directories.
	BinaryCaches []string `yaml:"binary-caches,omitempty"`
	// RemoteStores are store ids, e.g. local+file:///srv/deck.
	RemoteStores []string `yaml:"remote-stores,omitempty"`
}

const socketName = "deckd.sock"

// SetDefaults fills in every unset field.
func (c *Config) SetDefaults() {
	if c.Socket == "" && c.Store != "" {
		c.Socket = filepath.Join(c.Store, "var", socketName)
	}
	if c.MaxBuilds <= 0 {
		c.MaxBuilds = 1
	}
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = 4
	}
	if c.Shell == "" {
		c.Shell = "/bin/sh -ec"
	}
}

// LoadConfig reads a config file.  Unknown keys are an error.
func LoadConfig(path string) (c *Config, err error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	c = &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	err = dec.Decode(c)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	base := filepath.Dir(path)
	c.Store = resolve(base, c.Store)
	c.Socket = resolve(base, c.Socket)
	for i := range c.Repositories {
		c.Repositories[i] = resolve(base, c.Repositories[i])
	}
	for i := range c.BinaryCaches {
		c.BinaryCaches[i] = resolve(base, c.BinaryCaches[i])
	}
	if c.Store == "" {
		return nil, errors.Errorf("%s: no store configured", path)
	}
	c.SetDefaults()
	return c, nil
}

// Save writes the config atomically.
func (c *Config) Save(path string) error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return renameio.WriteFile(path, buf, 0644)
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
