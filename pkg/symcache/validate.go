package symcache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// checkSections verifies the section table of h against a buffer of the
// given size. Structural inconsistencies are reported before a short buffer.
func checkSections(h *header, data []byte) error {
	prevEnd := uint64(headerSize)
	for s := section(0); s < sectionsCount; s++ {
		sh := h.sections[s]
		end, ok := sh.end()
		switch {
		case !ok:
			return fmt.Errorf("%w: %s length overflows", ErrCorruptData, s)
		case sh.offset%sectionAlign != 0:
			return fmt.Errorf("%w: %s offset %d is not aligned", ErrCorruptData, s, sh.offset)
		case sh.offset < prevEnd:
			return fmt.Errorf("%w: %s offset %d overlaps the preceding data", ErrCorruptData, s, sh.offset)
		case sh.length%s.entrySize() != 0:
			return fmt.Errorf("%w: %s length %d is not a multiple of %d", ErrCorruptData, s, sh.length, s.entrySize())
		}
		prevEnd = end
	}
	if uint64(len(data)) < prevEnd {
		return fmt.Errorf("%w: %d bytes, sections need %d", ErrTruncated, len(data), prevEnd)
	}
	if h.sections[sectionFunctions].length/functionSize >= noFunction {
		return fmt.Errorf("%w: too many functions", ErrCorruptData)
	}
	if h.sections[sectionLines].length/lineSize > noFunction ||
		h.sections[sectionStrings].length >= noFunction {
		return fmt.Errorf("%w: section exceeds 32-bit references", ErrCorruptData)
	}
	return nil
}

func checkChecksums(h *header, sectionData func(section) []byte) error {
	for s := section(0); s < sectionsCount; s++ {
		if crc := crc32.Checksum(sectionData(s), castagnoli); crc != h.crc[s] {
			return fmt.Errorf("%w: %s checksum mismatch: %08x, expected %08x", ErrCorruptData, s, crc, h.crc[s])
		}
	}
	return nil
}

// validate checks every record once so that lookups can trust the data:
// all references are in bounds and every inline chain terminates.
func (c *Cache) validate() error {
	nf := uint32(c.NumFunctions())
	nl := uint64(c.numLines())

	var prev uint64
	for i := 0; i < c.numIndexEntries(); i++ {
		addr, fn := c.indexAddress(i), c.indexFunction(i)
		if i > 0 && addr <= prev {
			return fmt.Errorf("%w: index entry %d is out of order", ErrCorruptData, i)
		}
		if fn != noFunction && fn >= nf {
			return fmt.Errorf("%w: index entry %d references function %d of %d", ErrCorruptData, i, fn, nf)
		}
		prev = addr
	}

	for i := uint32(0); i < nf; i++ {
		fn := c.function(i)
		if fn.end < fn.start {
			return fmt.Errorf("%w: function %d has an invalid range", ErrCorruptData, i)
		}
		if !c.validString(fn.name) || !c.validString(fn.file) {
			return fmt.Errorf("%w: function %d references strings out of bounds", ErrCorruptData, i)
		}
		// Depths strictly decrease towards the root, so chains cannot loop.
		if fn.parent == noFunction {
			if fn.depth != 0 {
				return fmt.Errorf("%w: top-level function %d has depth %d", ErrCorruptData, i, fn.depth)
			}
		} else {
			if fn.parent >= nf {
				return fmt.Errorf("%w: function %d references parent %d of %d", ErrCorruptData, i, fn.parent, nf)
			}
			if p := c.function(fn.parent); uint32(fn.depth) != uint32(p.depth)+1 {
				return fmt.Errorf("%w: function %d has depth %d, parent depth %d", ErrCorruptData, i, fn.depth, p.depth)
			}
		}
		if uint64(fn.linesStart)+uint64(fn.linesCount) > nl {
			return fmt.Errorf("%w: function %d lines out of bounds", ErrCorruptData, i)
		}
		if err := c.validateLines(i, &fn); err != nil {
			return err
		}
	}

	for i := 0; i < int(nl); i++ {
		if !c.validString(readStringRef(c.lines[i*lineSize+16:])) {
			return fmt.Errorf("%w: line %d references strings out of bounds", ErrCorruptData, i)
		}
	}
	return nil
}

func (c *Cache) validateLines(i uint32, fn *functionEntry) error {
	var prev uint64
	for j := uint64(fn.linesStart); j < uint64(fn.linesStart)+uint64(fn.linesCount); j++ {
		addr := binary.LittleEndian.Uint64(c.lines[j*lineSize:])
		if j > uint64(fn.linesStart) && addr < prev {
			return fmt.Errorf("%w: lines of function %d are not sorted", ErrCorruptData, i)
		}
		prev = addr
	}
	return nil
}

func (c *Cache) validString(r StringRef) bool {
	return r.IsNull() || uint64(r.Offset)+uint64(r.Length) <= uint64(len(c.strings))
}
