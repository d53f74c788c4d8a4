package symcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// The cache is a single buffer, written in one pass and never patched.
//
// Little endian order is used for all integers.
//
// [Header]   Fixed size. Magic, version, architecture, debug id, the
//            location of every section and its checksum.
//
// [Sections] Address index, function table, line table and string table,
//            in this order. Every section starts at an 8-byte aligned
//            offset; the gaps are zero filled.
//
// Address index entry (16 bytes):
//
//	0  address   uint64
//	8  function  uint32  noFunction marks a gap
//	12 reserved  uint32
//
// Function record (48 bytes):
//
//	0  start        uint64
//	8  end          uint64
//	16 name         StringRef
//	24 file         StringRef
//	32 parent       uint32  noFunction for top-level functions
//	36 depth        uint16
//	38 language     uint16
//	40 lines start  uint32
//	44 lines count  uint32
//
// Line record (24 bytes):
//
//	0  address  uint64
//	8  line     uint32
//	12 column   uint32
//	16 file     StringRef  null: the function file applies

const (
	// FormatV1 is the first and current version of the format.
	FormatV1 uint32 = 1

	currentVersion = FormatV1

	headerSize = 0x80

	indexEntrySize  = 16
	functionSize    = 48
	lineSize        = 24
	sectionAlign    = 8
	headerCRCOffset = headerSize - 4
)

type section int

const (
	sectionIndex section = iota
	sectionFunctions
	sectionLines
	sectionStrings

	sectionsCount
)

var sectionNames = [sectionsCount]string{
	sectionIndex:     "address index",
	sectionFunctions: "function table",
	sectionLines:     "line table",
	sectionStrings:   "string table",
}

func (s section) String() string { return sectionNames[s] }

// entrySize returns the size of a single entry in the section,
// or 1 for the byte oriented string table.
func (s section) entrySize() uint64 {
	switch s {
	case sectionIndex:
		return indexEntrySize
	case sectionFunctions:
		return functionSize
	case sectionLines:
		return lineSize
	}
	return 1
}

var (
	magic      = [4]byte{'S', 'Y', 'M', 'C'}
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// noFunction marks the absence of a function reference on disk.
const noFunction = math.MaxUint32

type sectionHeader struct {
	offset uint64
	length uint64
}

func (h sectionHeader) end() (uint64, bool) {
	end := h.offset + h.length
	return end, end >= h.offset
}

type header struct {
	magic    [4]byte
	version  uint32
	arch     Arch
	flags    uint32
	debugID  DebugID
	sections [sectionsCount]sectionHeader
	crc      [sectionsCount]uint32
}

func (h *header) marshal(b []byte) {
	copy(b[0:4], h.magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.version)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.arch))
	binary.LittleEndian.PutUint32(b[12:16], h.flags)
	copy(b[16:32], h.debugID.UUID[:])
	binary.LittleEndian.PutUint32(b[32:36], h.debugID.Age)
	// 4 bytes reserved.
	off := 40
	for _, s := range h.sections {
		binary.LittleEndian.PutUint64(b[off:off+8], s.offset)
		binary.LittleEndian.PutUint64(b[off+8:off+16], s.length)
		off += 16
	}
	for _, c := range h.crc {
		binary.LittleEndian.PutUint32(b[off:off+4], c)
		off += 4
	}
	// 4 bytes reserved.
	binary.LittleEndian.PutUint32(b[headerCRCOffset:], crc32.Checksum(b[:headerCRCOffset], castagnoli))
}

// unmarshal decodes and verifies the fixed size header. The checks are
// ordered so that a newer version is reported as such even if its header
// layout differs.
func (h *header) unmarshal(b []byte) error {
	if len(b) < headerSize {
		return fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(b), headerSize)
	}
	if copy(h.magic[:], b[0:4]); !bytes.Equal(h.magic[:], magic[:]) {
		return fmt.Errorf("%w: invalid magic number %x", ErrCorruptData, h.magic)
	}
	h.version = binary.LittleEndian.Uint32(b[4:8])
	switch {
	case h.version == 0:
		return fmt.Errorf("%w: invalid version 0", ErrCorruptData)
	case h.version > currentVersion:
		return fmt.Errorf("%w: version %d, supported up to %d", ErrVersionMismatch, h.version, currentVersion)
	}
	if crc := binary.LittleEndian.Uint32(b[headerCRCOffset:headerSize]); crc != crc32.Checksum(b[:headerCRCOffset], castagnoli) {
		return fmt.Errorf("%w: header checksum mismatch", ErrCorruptData)
	}
	h.arch = Arch(binary.LittleEndian.Uint32(b[8:12]))
	h.flags = binary.LittleEndian.Uint32(b[12:16])
	copy(h.debugID.UUID[:], b[16:32])
	h.debugID.Age = binary.LittleEndian.Uint32(b[32:36])
	off := 40
	for i := range h.sections {
		h.sections[i].offset = binary.LittleEndian.Uint64(b[off : off+8])
		h.sections[i].length = binary.LittleEndian.Uint64(b[off+8 : off+16])
		off += 16
	}
	for i := range h.crc {
		h.crc[i] = binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
	}
	return nil
}

// StringRef references a byte range of the string table.
type StringRef struct {
	Offset uint32
	Length uint32
}

// NullStringRef denotes an absent string. It is distinct from the reference
// to an empty string.
var NullStringRef = StringRef{Offset: math.MaxUint32}

// IsNull reports whether the reference denotes an absent string.
func (r StringRef) IsNull() bool { return r.Offset == math.MaxUint32 }

func putStringRef(b []byte, r StringRef) {
	binary.LittleEndian.PutUint32(b[0:4], r.Offset)
	binary.LittleEndian.PutUint32(b[4:8], r.Length)
}

func readStringRef(b []byte) StringRef {
	return StringRef{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint32(b[4:8]),
	}
}

type indexEntry struct {
	address  uint64
	function uint32
}

func (e *indexEntry) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], e.address)
	binary.LittleEndian.PutUint32(b[8:12], e.function)
	// 4 bytes reserved.
}

type functionEntry struct {
	start      uint64
	end        uint64
	name       StringRef
	file       StringRef
	parent     uint32
	depth      uint16
	language   Language
	linesStart uint32
	linesCount uint32
}

func (e *functionEntry) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], e.start)
	binary.LittleEndian.PutUint64(b[8:16], e.end)
	putStringRef(b[16:24], e.name)
	putStringRef(b[24:32], e.file)
	binary.LittleEndian.PutUint32(b[32:36], e.parent)
	binary.LittleEndian.PutUint16(b[36:38], e.depth)
	binary.LittleEndian.PutUint16(b[38:40], uint16(e.language))
	binary.LittleEndian.PutUint32(b[40:44], e.linesStart)
	binary.LittleEndian.PutUint32(b[44:48], e.linesCount)
}

func (e *functionEntry) unmarshal(b []byte) {
	e.start = binary.LittleEndian.Uint64(b[0:8])
	e.end = binary.LittleEndian.Uint64(b[8:16])
	e.name = readStringRef(b[16:24])
	e.file = readStringRef(b[24:32])
	e.parent = binary.LittleEndian.Uint32(b[32:36])
	e.depth = binary.LittleEndian.Uint16(b[36:38])
	e.language = Language(binary.LittleEndian.Uint16(b[38:40]))
	e.linesStart = binary.LittleEndian.Uint32(b[40:44])
	e.linesCount = binary.LittleEndian.Uint32(b[44:48])
}

type lineEntry struct {
	address uint64
	line    uint32
	column  uint32
	file    StringRef
}

func (e *lineEntry) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], e.address)
	binary.LittleEndian.PutUint32(b[8:12], e.line)
	binary.LittleEndian.PutUint32(b[12:16], e.column)
	putStringRef(b[16:24], e.file)
}

func alignUp(n uint64) uint64 {
	return (n + sectionAlign - 1) &^ (sectionAlign - 1)
}
