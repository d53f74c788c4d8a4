package symcache

import "hash/crc32"

// layout is the fully assembled content of a cache, ready to be serialized.
type layout struct {
	header    header
	index     []indexEntry
	functions []functionEntry
	lines     []lineEntry
	strings   []byte
}

func (l *layout) sectionSize(s section) uint64 {
	switch s {
	case sectionIndex:
		return uint64(len(l.index)) * indexEntrySize
	case sectionFunctions:
		return uint64(len(l.functions)) * functionSize
	case sectionLines:
		return uint64(len(l.lines)) * lineSize
	}
	return uint64(len(l.strings))
}

// placeSections assigns every section its aligned offset and returns the
// total size of the cache.
func (l *layout) placeSections() uint64 {
	off := uint64(headerSize)
	for s := section(0); s < sectionsCount; s++ {
		off = alignUp(off)
		l.header.sections[s] = sectionHeader{offset: off, length: l.sectionSize(s)}
		off += l.header.sections[s].length
	}
	return off
}

// marshal serializes the cache into a newly allocated buffer. Sections are
// encoded first so that the header, written last, carries their checksums.
func (l *layout) marshal() []byte {
	buf := make([]byte, l.placeSections())
	for s := section(0); s < sectionsCount; s++ {
		sh := l.header.sections[s]
		b := buf[sh.offset : sh.offset+sh.length]
		switch s {
		case sectionIndex:
			for i := range l.index {
				l.index[i].marshal(b[i*indexEntrySize:])
			}
		case sectionFunctions:
			for i := range l.functions {
				l.functions[i].marshal(b[i*functionSize:])
			}
		case sectionLines:
			for i := range l.lines {
				l.lines[i].marshal(b[i*lineSize:])
			}
		case sectionStrings:
			copy(b, l.strings)
		}
		l.header.crc[s] = crc32.Checksum(b, castagnoli)
	}
	l.header.marshal(buf[:headerSize])
	return buf
}
