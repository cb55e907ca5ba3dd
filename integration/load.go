package integration

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teranos/mspsync/errors"
)

// File is the on-disk layout of a descriptors file:
//
//	[[integrations]]
//	id = "autotask"
//	slug = "autotask"
//
//	  [[integrations.supported_types]]
//	  type = "companies"
//	  is_global = true
//	  priority = 5
//	  rate_minutes = 60
type File struct {
	Integrations []Descriptor `toml:"integrations" yaml:"integrations"`
}

// LoadFile reads descriptors from a .toml, .yaml or .yml file
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read descriptors %s", path)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewInvalidRequestError("%s: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported descriptors format %q", filepath.Ext(path))
	}

	for i := range f.Integrations {
		if err := f.Integrations[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid descriptor in %s", path)
		}
	}
	return f.Integrations, nil
}

// LoadRegistry reads path into a new registry
func LoadRegistry(path string) (*Registry, error) {
	descriptors, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(descriptors...)
}

// Reloader returns a callback that re-reads a descriptors file into r.
// A broken file leaves the previous descriptors in place.
func Reloader(r *Registry, logger *zap.SugaredLogger) func(path string) error {
	return func(path string) error {
		descriptors, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := r.Replace(descriptors); err != nil {
			return err
		}
		logger.Infow("Integration descriptors reloaded",
			"file", path,
			"count", len(descriptors))
		return nil
	}
}
