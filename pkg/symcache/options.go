package symcache

import (
	"github.com/go-kit/log"
)

// DefaultMaxInlineDepth bounds the length of inline chains accepted by a Builder.
const DefaultMaxInlineDepth = 64

// Option configures a Builder or the opening of a Cache.
type Option func(*options)

type options struct {
	logger         log.Logger
	metrics        *Metrics
	maxInlineDepth int
	skipChecksums  bool
}

func defaultOptions() options {
	return options{
		logger:         log.NewNopLogger(),
		maxInlineDepth: DefaultMaxInlineDepth,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used to report build summaries and dropped records.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables instrumentation of builds and opens.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithMaxInlineDepth overrides DefaultMaxInlineDepth. Values below 1 and
// above the on-disk limit are ignored.
func WithMaxInlineDepth(depth int) Option {
	return func(o *options) {
		if depth > 0 && depth <= maxDepthLimit {
			o.maxInlineDepth = depth
		}
	}
}

// WithoutChecksums disables section checksum verification on Open.
// Structural validation is always performed.
func WithoutChecksums() Option {
	return func(o *options) {
		o.skipChecksums = true
	}
}
