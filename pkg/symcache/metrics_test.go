package symcache

import (
	"flag"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func Test_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.Same(t, m.buildsTotal, NewMetrics(reg).buildsTotal)

	buildCache(t, func(b *Builder) {
		mustAddFunction(t, b, Function{Start: 0x10, End: 0x20, Name: "foo", Parent: NoFunction})
	}, WithMetrics(m))

	b := NewBuilder(ArchAmd64, testDebugID, WithMetrics(m))
	_, _ = b.AddFunction(Function{Start: 0x10, End: 0x20, Parent: NoFunction})
	_, _ = b.AddFunction(Function{Start: 0x18, End: 0x28, Parent: NoFunction})
	_, err := b.Finish()
	require.Error(t, err)

	_, err = Open([]byte("SYMC"), WithMetrics(m))
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues(statusSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues(statusOverlap)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.opensTotal.WithLabelValues(statusSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.opensTotal.WithLabelValues(statusTruncated)))
	require.Equal(t, 1, testutil.CollectAndCount(m.buildFunctions))
}

func Test_Config(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlagsWithPrefix("symcache", fs)
	require.Equal(t, DefaultConfig(), cfg)

	require.NoError(t, fs.Parse([]string{"-symcache.max-inline-depth=3", "-symcache.verify-checksums=false"}))
	o := applyOptions(cfg.Options())
	require.Equal(t, 3, o.maxInlineDepth)
	require.True(t, o.skipChecksums)

	o = applyOptions([]Option{WithMaxInlineDepth(0), WithMaxInlineDepth(maxDepthLimit + 1)})
	require.Equal(t, DefaultMaxInlineDepth, o.maxInlineDepth)
}
