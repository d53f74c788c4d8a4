package symcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_OpenFile(t *testing.T) {
	b := NewBuilder(ArchArm64, testDebugID)
	foo := mustAddFunction(t, b, Function{Start: 0x1000, End: 0x1010, Name: "foo", File: "a.c", Parent: NoFunction})
	mustAddLine(t, b, Line{Address: 0x1008, Function: foo, Line: 12})
	data, err := b.Finish()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "foo.symc")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.Equal(t, ArchArm64, f.Arch())
	frames := f.Lookup(nil, 0x100a)
	require.Len(t, frames, 1)
	require.Equal(t, "foo a.c:12", frames[0].String())
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func Test_OpenFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenFile(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = OpenFile(empty)
	require.ErrorIs(t, err, ErrTruncated)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, make([]byte, 256), 0o644))
	_, err = OpenFile(garbage)
	require.ErrorIs(t, err, ErrCorruptData)
}
