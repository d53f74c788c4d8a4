package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/grafana/symcache/pkg/symcache"
)

const configFlagPrefix = "symcache"

type fileConfig struct {
	SymCache symcache.Config `yaml:"symcache"`
}

// configFlags holds the symcache.Config flags given on the command line,
// by flag name.
type configFlags struct {
	values map[string]string
}

// recordedValue validates a flag value against the config field and keeps
// it, so that it can be applied on top of the config file.
type recordedValue struct {
	flag.Value
	name   string
	values map[string]string
}

func (v *recordedValue) Set(s string) error {
	if err := v.Value.Set(s); err != nil {
		return err
	}
	v.values[v.name] = s
	return nil
}

func (v *recordedValue) IsBoolFlag() bool {
	b, ok := v.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

// addConfigFlags exposes the flags registered by symcache.Config on cmd.
func addConfigFlags(cmd commander) *configFlags {
	c := &configFlags{values: make(map[string]string)}
	var defaults symcache.Config
	fs := flag.NewFlagSet(configFlagPrefix, flag.ContinueOnError)
	defaults.RegisterFlagsWithPrefix(configFlagPrefix, fs)
	fs.VisitAll(func(f *flag.Flag) {
		help := fmt.Sprintf("%s Overrides the config file. Defaults to %s.", f.Usage, f.DefValue)
		cmd.Flag(f.Name, help).SetValue(&recordedValue{Value: f.Value, name: f.Name, values: c.values})
	})
	return c
}

// loadConfig starts from the flag defaults, applies the YAML file at path,
// if any, and then the flags given on the command line.
func loadConfig(path string, flags *configFlags) (symcache.Config, error) {
	var fc fileConfig
	fs := flag.NewFlagSet(configFlagPrefix, flag.ContinueOnError)
	fc.SymCache.RegisterFlagsWithPrefix(configFlagPrefix, fs)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fc.SymCache, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fc.SymCache, errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	if flags != nil {
		for name, value := range flags.values {
			if err := fs.Set(name, value); err != nil {
				return fc.SymCache, errors.Wrapf(err, "setting %s", name)
			}
		}
	}
	return fc.SymCache, nil
}
