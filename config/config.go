// Package config holds the settings of the shmkv command: where the
// segment lives, how big it is and which database in it to use.
package config

import (
	"os"
	"strings"
)

import (
	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

import (
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/region"
)

type Config struct {
	// Path of the file backing the segment.
	Path string `yaml:"path"`
	// Size of a segment created by this command. 0 opens an existing
	// segment at whatever size it has.
	Size datasize.ByteSize `yaml:"size"`
	// Name of the database within the segment.
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Path:     "test.bin",
		Size:     128 * datasize.KB,
		Name:     "complex",
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Settings missing from the file
// keep their default.
func Load(path string) (Config, error) {
	c := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Errorf("reading config %v: %v", path, err)
	}
	if err := yaml.Unmarshal(bytes, &c); err != nil {
		return c, errors.Errorf("parsing config %v: %v", path, err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.Path == "" {
		return errors.Errorf("config: path is required")
	}
	if c.Name == "" {
		return errors.Errorf("config: name is required")
	}
	if c.Size != 0 {
		if c.Size.Bytes() < region.MINSIZE {
			return errors.Errorf("config: size %v is smaller than %v", c.Size.HR(), datasize.ByteSize(region.MINSIZE).HR())
		}
		if c.Size.Bytes()%region.PAGESIZE != 0 {
			return errors.Errorf("config: size %v is not a multiple of %d", c.Size.HR(), region.PAGESIZE)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// SetSize parses a size like "128KB" or "1MB".
func (c *Config) SetSize(s string) error {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return errors.Errorf("bad size %q: %v", s, err)
	}
	c.Size = size
	return nil
}
