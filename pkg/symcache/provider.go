package symcache

import "fmt"

// Build streams the records of p into a new Builder and returns the
// serialized cache.
func Build(p Provider, opts ...Option) ([]byte, error) {
	b := NewBuilder(p.Arch(), p.DebugID(), opts...)
	if err := p.Records(b); err != nil {
		b.finished = true
		b.opt.metrics.observeBuild(0, 0, 0, err)
		return nil, fmt.Errorf("reading records: %w", err)
	}
	return b.Finish()
}
