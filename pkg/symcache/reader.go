package symcache

import (
	"encoding/binary"
	"sort"
	"unsafe"

	"github.com/go-kit/log/level"
)

// Cache is a read-only view over a serialized symbol cache.
//
// The cache does not copy the buffer it was opened on: the buffer must not be
// modified while the cache, or any Frame it returned, is in use. A Cache is
// safe for concurrent use.
type Cache struct {
	header header

	index     []byte
	functions []byte
	lines     []byte
	strings   []byte
}

// Stats describes the content of a cache.
type Stats struct {
	Size         int
	IndexEntries int
	Functions    int
	Lines        int

	IndexBytes    int
	FunctionBytes int
	LineBytes     int
	StringBytes   int
}

// FunctionInfo is a function record of an opened cache.
type FunctionInfo struct {
	Start    uint64
	End      uint64
	Name     string
	File     string
	Language Language
	// Parent is the index of the enclosing function, or -1.
	Parent int
	Depth  uint16
	Lines  int
}

// Open validates data and returns a Cache reading from it.
func Open(data []byte, opts ...Option) (*Cache, error) {
	o := applyOptions(opts)
	c, err := open(data, o)
	o.metrics.observeOpen(err)
	if err != nil {
		return nil, err
	}
	level.Debug(o.logger).Log(
		"msg", "symbol cache opened",
		"debug_id", c.header.debugID,
		"arch", c.header.arch,
		"functions", c.NumFunctions(),
		"size", len(data),
	)
	return c, nil
}

func open(data []byte, o options) (*Cache, error) {
	c := new(Cache)
	if err := c.header.unmarshal(data); err != nil {
		return nil, err
	}
	if err := checkSections(&c.header, data); err != nil {
		return nil, err
	}
	sectionData := func(s section) []byte {
		sh := c.header.sections[s]
		return data[sh.offset : sh.offset+sh.length : sh.offset+sh.length]
	}
	if !o.skipChecksums {
		if err := checkChecksums(&c.header, sectionData); err != nil {
			return nil, err
		}
	}
	c.index = sectionData(sectionIndex)
	c.functions = sectionData(sectionFunctions)
	c.lines = sectionData(sectionLines)
	c.strings = sectionData(sectionStrings)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Arch returns the architecture the cache was built for.
func (c *Cache) Arch() Arch { return c.header.arch }

// DebugID returns the identifier of the binary the cache was built from.
func (c *Cache) DebugID() DebugID { return c.header.debugID }

// Version returns the format version of the cache.
func (c *Cache) Version() uint32 { return c.header.version }

func (c *Cache) NumFunctions() int { return len(c.functions) / functionSize }

func (c *Cache) numLines() int { return len(c.lines) / lineSize }

func (c *Cache) numIndexEntries() int { return len(c.index) / indexEntrySize }

func (c *Cache) Stats() Stats {
	s := c.header.sections[sectionStrings]
	return Stats{
		Size:         int(s.offset + s.length),
		IndexEntries: c.numIndexEntries(),
		Functions:    c.NumFunctions(),
		Lines:        c.numLines(),

		IndexBytes:    len(c.index),
		FunctionBytes: len(c.functions),
		LineBytes:     len(c.lines),
		StringBytes:   len(c.strings),
	}
}

// Function returns the i-th function record. Functions are ordered by start
// address. It panics if i is out of range.
func (c *Cache) Function(i int) FunctionInfo {
	e := c.function(uint32(i))
	info := FunctionInfo{
		Start:    e.start,
		End:      e.end,
		Name:     c.str(e.name),
		File:     c.str(e.file),
		Language: e.language,
		Parent:   -1,
		Depth:    e.depth,
		Lines:    int(e.linesCount),
	}
	if e.parent != noFunction {
		info.Parent = int(e.parent)
	}
	return info
}

// Lookup appends to dst the frames covering addr, innermost inlined frame
// first, and returns the extended slice. Nothing is appended if addr is not
// covered by any function.
func (c *Cache) Lookup(dst []Frame, addr uint64) []Frame {
	n := c.numIndexEntries()
	i := sort.Search(n, func(i int) bool {
		return c.indexAddress(i) > addr
	}) - 1
	if i < 0 {
		return dst
	}
	ref := c.indexFunction(i)
	for ref != noFunction {
		fn := c.function(ref)
		f := Frame{
			FunctionName: c.str(fn.name),
			FilePath:     c.str(fn.file),
			Language:     fn.language,
			Start:        fn.start,
			End:          fn.end,
			Depth:        fn.depth,
		}
		if l, ok := c.lineAt(&fn, addr); ok {
			f.Line = l.line
			f.Column = l.column
			if !l.file.IsNull() {
				f.FilePath = c.str(l.file)
			}
		}
		dst = append(dst, f)
		ref = fn.parent
	}
	return dst
}

// lineAt returns the last line of fn at or before addr.
func (c *Cache) lineAt(fn *functionEntry, addr uint64) (lineEntry, bool) {
	var l lineEntry
	if fn.linesCount == 0 {
		return l, false
	}
	lines := c.lines[uint64(fn.linesStart)*lineSize : uint64(fn.linesStart+fn.linesCount)*lineSize]
	j := sort.Search(int(fn.linesCount), func(j int) bool {
		return binary.LittleEndian.Uint64(lines[j*lineSize:]) > addr
	}) - 1
	if j < 0 {
		return l, false
	}
	b := lines[j*lineSize:]
	l.address = binary.LittleEndian.Uint64(b[0:8])
	l.line = binary.LittleEndian.Uint32(b[8:12])
	l.column = binary.LittleEndian.Uint32(b[12:16])
	l.file = readStringRef(b[16:24])
	return l, true
}

func (c *Cache) indexAddress(i int) uint64 {
	return binary.LittleEndian.Uint64(c.index[i*indexEntrySize:])
}

func (c *Cache) indexFunction(i int) uint32 {
	return binary.LittleEndian.Uint32(c.index[i*indexEntrySize+8:])
}

func (c *Cache) function(i uint32) functionEntry {
	var e functionEntry
	off := uint64(i) * functionSize
	e.unmarshal(c.functions[off : off+functionSize])
	return e
}

// str returns the string referenced by r without copying it.
func (c *Cache) str(r StringRef) string {
	if r.IsNull() || r.Length == 0 {
		return ""
	}
	return unsafe.String(&c.strings[r.Offset], int(r.Length))
}
