// Package elftest writes small little-endian ELF64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
	// Size is used instead of len(Data) for sections without file data.
	Size uint64
}

type Symbol struct {
	Name string
	Type elf.SymType
	Bind elf.SymBind
	// Section is the name of the defining section, empty for undefined symbols.
	Section string
	Value   uint64
	Size    uint64
}

type File struct {
	Machine        elf.Machine
	Sections       []Section
	Symbols        []Symbol
	DynamicSymbols []Symbol
}

// Bytes lays out the header, the section contents and the section header
// table, in this order.
func (f File) Bytes() []byte {
	sections := append([]Section{{}}, f.Sections...)
	index := func(name string) uint16 {
		if name == "" {
			return uint16(elf.SHN_UNDEF)
		}
		for i, s := range sections {
			if s.Name == name {
				return uint16(i)
			}
		}
		return uint16(elf.SHN_ABS)
	}

	type link struct{ link, info uint32 }
	links := make(map[int]link)
	addTable := func(name, strName string, typ elf.SectionType, syms []Symbol) {
		if len(syms) == 0 {
			return
		}
		symtab, strtab := encodeSymbols(syms, index)
		sections = append(sections, Section{Name: name, Type: typ, Data: symtab})
		links[len(sections)-1] = link{link: uint32(len(sections)), info: 1}
		sections = append(sections, Section{Name: strName, Type: elf.SHT_STRTAB, Data: strtab})
	}
	addTable(".symtab", ".strtab", elf.SHT_SYMTAB, f.Symbols)
	addTable(".dynsym", ".dynstr", elf.SHT_DYNSYM, f.DynamicSymbols)

	shstrtab := []byte{0}
	names := make([]uint32, len(sections)+1)
	for i, s := range sections[1:] {
		names[i+1] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.Name...), 0)
	}
	names[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	sections = append(sections, Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstrtab})

	const headerSize = 64
	offsets := make([]uint64, len(sections))
	off := uint64(headerSize)
	for i, s := range sections {
		off = align(off, 8)
		offsets[i] = off
		off += uint64(len(s.Data))
	}
	shoff := align(off, 8)

	var buf bytes.Buffer
	le := binary.LittleEndian
	w := func(v any) { _ = binary.Write(&buf, le, v) }

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w(elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(f.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	})
	for i, s := range sections {
		pad(&buf, offsets[i])
		buf.Write(s.Data)
	}
	pad(&buf, shoff)
	for i, s := range sections {
		if i == 0 {
			w(elf.Section64{})
			continue
		}
		size := s.Size
		if len(s.Data) > 0 {
			size = uint64(len(s.Data))
		}
		var entsize uint64
		if s.Type == elf.SHT_SYMTAB || s.Type == elf.SHT_DYNSYM {
			entsize = elf.Sym64Size
		}
		l := links[i]
		w(elf.Section64{
			Name:      names[i],
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Addr:      s.Addr,
			Off:       offsets[i],
			Size:      size,
			Link:      l.link,
			Info:      l.info,
			Addralign: 1,
			Entsize:   entsize,
		})
	}
	return buf.Bytes()
}

func encodeSymbols(syms []Symbol, index func(string) uint16) (symtab, strtab []byte) {
	var buf bytes.Buffer
	strtab = []byte{0}
	_ = binary.Write(&buf, binary.LittleEndian, elf.Sym64{})
	for _, s := range syms {
		name := uint32(len(strtab))
		strtab = append(append(strtab, s.Name...), 0)
		_ = binary.Write(&buf, binary.LittleEndian, elf.Sym64{
			Name:  name,
			Info:  elf.ST_INFO(s.Bind, s.Type),
			Shndx: index(s.Section),
			Value: s.Value,
			Size:  s.Size,
		})
	}
	return buf.Bytes(), strtab
}

// GNUBuildIDNote returns the contents of a .note.gnu.build-id section.
func GNUBuildIDNote(id []byte) []byte {
	return note("GNU", 3, id)
}

// GoBuildIDNote returns the contents of a .note.go.buildid section.
func GoBuildIDNote(id string) []byte {
	return note("Go", 4, []byte(id))
}

func note(name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(len(name)+1))
	_ = binary.Write(&buf, le, uint32(len(desc)))
	_ = binary.Write(&buf, le, typ)
	buf.WriteString(name)
	buf.WriteByte(0)
	pad(&buf, align(uint64(buf.Len()), 4))
	buf.Write(desc)
	pad(&buf, align(uint64(buf.Len()), 4))
	return buf.Bytes()
}

func align(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

func pad(buf *bytes.Buffer, to uint64) {
	for uint64(buf.Len()) < to {
		buf.WriteByte(0)
	}
}

type GoFunc struct {
	Name  string
	Entry uint64
}

// GoPclntab returns a Go 1.20 .gopclntab for a 64-bit little-endian binary.
// Function i ends where function i+1 starts, the last one at end. Only the
// function table is filled in: there are no files and no pc tables.
func GoPclntab(text uint64, funcs []GoFunc, end uint64) []byte {
	const (
		headerSize = 8 + 8*8
		funcSize   = 40
		go120Magic = 0xfffffff1
	)
	le := binary.LittleEndian

	var names bytes.Buffer
	nameOffsets := make([]uint32, len(funcs))
	for i, fn := range funcs {
		nameOffsets[i] = uint32(names.Len())
		names.WriteString(fn.Name)
		names.WriteByte(0)
	}
	namesOffset := uint64(headerSize)
	pclnOffset := align(namesOffset+uint64(names.Len()), 8)

	functabSize := uint64(2*len(funcs)+1) * 4
	pcln := make([]byte, functabSize+uint64(len(funcs))*funcSize)
	for i, fn := range funcs {
		funcOffset := functabSize + uint64(i)*funcSize
		le.PutUint32(pcln[8*i:], uint32(fn.Entry-text))
		le.PutUint32(pcln[8*i+4:], uint32(funcOffset))
		le.PutUint32(pcln[funcOffset:], uint32(fn.Entry-text))
		le.PutUint32(pcln[funcOffset+4:], nameOffsets[i])
	}
	le.PutUint32(pcln[8*len(funcs):], uint32(end-text))

	var buf bytes.Buffer
	header := make([]byte, headerSize)
	le.PutUint32(header[0:], go120Magic)
	header[6] = 1 // pc quantum
	header[7] = 8 // pointer size
	words := []uint64{
		uint64(len(funcs)), // functions
		0,                  // files
		text,
		namesOffset,
		pclnOffset, // cu table
		pclnOffset, // file table
		pclnOffset, // pc tables
		pclnOffset,
	}
	for i, v := range words {
		le.PutUint64(header[8+8*i:], v)
	}
	buf.Write(header)
	buf.Write(names.Bytes())
	pad(&buf, pclnOffset)
	buf.Write(pcln)
	return buf.Bytes()
}
