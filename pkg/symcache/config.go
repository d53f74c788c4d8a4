package symcache

import (
	"flag"
)

// Config holds the user facing settings of the builder and reader.
type Config struct {
	MaxInlineDepth  int  `yaml:"max_inline_depth"`
	VerifyChecksums bool `yaml:"verify_checksums"`
}

// RegisterFlagsWithPrefix registers the config flags under the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxInlineDepth, prefix+".max-inline-depth", DefaultMaxInlineDepth, "Maximum depth of inline call chains accepted when building a symbol cache.")
	f.BoolVar(&cfg.VerifyChecksums, prefix+".verify-checksums", true, "Verify section checksums when opening a symbol cache.")
}

// DefaultConfig returns the configuration matching the flag defaults.
func DefaultConfig() Config {
	return Config{
		MaxInlineDepth:  DefaultMaxInlineDepth,
		VerifyChecksums: true,
	}
}

// Options converts the configuration into functional options.
func (cfg *Config) Options() []Option {
	opts := []Option{WithMaxInlineDepth(cfg.MaxInlineDepth)}
	if !cfg.VerifyChecksums {
		opts = append(opts, WithoutChecksums())
	}
	return opts
}
