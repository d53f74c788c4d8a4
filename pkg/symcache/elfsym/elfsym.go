// Package elfsym builds symbol caches out of ELF symbol tables.
//
// Only function symbols are used. Go binaries also contribute the function
// ranges of .gopclntab, which survives stripping. Neither source carries line
// information, so every frame resolved from such a cache has an empty file
// and a zero line.
package elfsym

import (
	"bytes"
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/pyroscope/lidia/gosym"
	"github.com/samber/lo"

	"github.com/grafana/symcache/pkg/symcache"
)

var ErrNoBuildID = errors.New("build ID note not found")

const (
	noteGNUBuildID = 3
	noteGoBuildID  = 4
)

// Provider feeds the function symbols of an ELF file to a symcache.RecordSink.
type Provider struct {
	f       *elf.File
	arch    symcache.Arch
	debugID symcache.DebugID
	lang    symcache.Language
	logger  log.Logger
}

// New creates a provider for f. A file without a build ID note gets a zero
// debug id.
func New(f *elf.File, logger log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	id, err := ReadDebugID(f)
	if err != nil {
		if !errors.Is(err, ErrNoBuildID) {
			return nil, err
		}
		level.Debug(logger).Log("msg", "no build ID, using a zero debug id")
	}
	p := &Provider{
		f:       f,
		arch:    FileArch(f),
		debugID: id,
		logger:  logger,
	}
	if IsGo(f) {
		p.lang = symcache.LanguageGo
	}
	return p, nil
}

func (p *Provider) Arch() symcache.Arch { return p.arch }

func (p *Provider) DebugID() symcache.DebugID { return p.debugID }

func (p *Provider) Records(sink symcache.RecordSink) error {
	syms, err := Functions(p.f)
	if err != nil {
		return err
	}
	if p.lang == symcache.LanguageGo {
		gofuncs, err := goFunctions(p.f)
		if err != nil {
			level.Debug(p.logger).Log("msg", "no usable .gopclntab, using symbols only", "err", err)
		} else {
			level.Debug(p.logger).Log("msg", "read .gopclntab", "functions", len(gofuncs))
			syms = mergeFunctions(gofuncs, syms)
		}
	}
	for _, s := range syms {
		_, err := sink.AddFunction(symcache.Function{
			Start:    s.Value,
			End:      s.Value + s.Size,
			Name:     s.Name,
			Language: p.lang,
			Parent:   symcache.NoFunction,
		})
		if err != nil {
			return fmt.Errorf("symbol %s at %x: %w", s.Name, s.Value, err)
		}
	}
	level.Debug(p.logger).Log("msg", "read ELF symbols", "functions", len(syms))
	return nil
}

// Functions returns the defined function symbols of .symtab and .dynsym,
// sorted by address, one per address. Sizes are clipped so that no symbol
// extends past the next one. Symbols without a size are kept as is.
func Functions(f *elf.File) ([]elf.Symbol, error) {
	symtab, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading .symtab: %w", err)
	}
	dynsym, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading .dynsym: %w", err)
	}

	all := lo.Filter(append(symtab, dynsym...), func(s elf.Symbol, _ int) bool {
		return elf.ST_TYPE(s.Info) == elf.STT_FUNC &&
			s.Section != elf.SHN_UNDEF &&
			s.Value != 0 &&
			s.Name != "" &&
			s.Value+s.Size >= s.Value
	})
	if f.Machine == elf.EM_ARM {
		// Thumb entry points have the lowest bit set.
		for i := range all {
			all[i].Value &^= 1
		}
	}
	// Larger symbols first, so that the sized one of an alias group is kept.
	slices.SortStableFunc(all, func(a, b elf.Symbol) int {
		switch {
		case a.Value != b.Value:
			return cmp.Compare(a.Value, b.Value)
		case a.Size != b.Size:
			return cmp.Compare(b.Size, a.Size)
		}
		return 0
	})
	all = lo.UniqBy(all, func(s elf.Symbol) uint64 { return s.Value })
	clipSizes(all)
	return all, nil
}

// clipSizes shrinks the symbols, sorted by address, that extend past the
// next one.
func clipSizes(syms []elf.Symbol) {
	for i := 0; i+1 < len(syms); i++ {
		if next := syms[i+1].Value; syms[i].Size > 0 && syms[i].Value+syms[i].Size > next {
			syms[i].Size = next - syms[i].Value
		}
	}
}

// goFunctions returns the functions of the .gopclntab section of a Go
// binary, sorted by address.
func goFunctions(f *elf.File) ([]elf.Symbol, error) {
	funcs, err := gosym.GoFunctions(f)
	if err != nil {
		return nil, err
	}
	syms := make([]elf.Symbol, 0, len(funcs))
	for _, fn := range funcs {
		if fn.Sym == nil || fn.Sym.Name == "" || fn.End <= fn.Entry {
			continue
		}
		syms = append(syms, elf.Symbol{
			Name:  fn.Sym.Name,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Value: fn.Entry,
			Size:  fn.End - fn.Entry,
		})
	}
	if len(syms) == 0 {
		return nil, errors.New("empty .gopclntab function table")
	}
	slices.SortFunc(syms, func(a, b elf.Symbol) int { return cmp.Compare(a.Value, b.Value) })
	return syms, nil
}

// mergeFunctions adds to the .gopclntab functions the symbols that start
// outside of all of them, like cgo and assembly code.
func mergeFunctions(gofuncs, syms []elf.Symbol) []elf.Symbol {
	covered := func(addr uint64) bool {
		i, found := slices.BinarySearchFunc(gofuncs, addr, func(s elf.Symbol, addr uint64) int {
			return cmp.Compare(s.Value, addr)
		})
		return found || (i > 0 && addr < gofuncs[i-1].Value+gofuncs[i-1].Size)
	}
	merged := append(slices.Clone(gofuncs), lo.Filter(syms, func(s elf.Symbol, _ int) bool {
		return !covered(s.Value)
	})...)
	slices.SortStableFunc(merged, func(a, b elf.Symbol) int { return cmp.Compare(a.Value, b.Value) })
	clipSizes(merged)
	return merged
}

// FileArch maps the ELF machine to a symcache architecture.
func FileArch(f *elf.File) symcache.Arch {
	is64 := f.Class == elf.ELFCLASS64
	switch f.Machine {
	case elf.EM_386:
		return symcache.ArchX86
	case elf.EM_X86_64:
		return symcache.ArchAmd64
	case elf.EM_ARM:
		return symcache.ArchArm
	case elf.EM_AARCH64:
		return symcache.ArchArm64
	case elf.EM_PPC:
		return symcache.ArchPpc
	case elf.EM_PPC64:
		return symcache.ArchPpc64
	case elf.EM_MIPS:
		if is64 {
			return symcache.ArchMips64
		}
		return symcache.ArchMips
	case elf.EM_RISCV:
		if is64 {
			return symcache.ArchRiscv64
		}
	case elf.EM_S390:
		return symcache.ArchS390x
	}
	return symcache.ArchUnknown
}

// IsGo reports whether f was produced by the Go linker.
func IsGo(f *elf.File) bool {
	return lo.ContainsBy(f.Sections, func(s *elf.Section) bool {
		switch s.Name {
		case ".go.buildinfo", ".gopclntab", ".note.go.buildid":
			return true
		}
		return false
	})
}

// ReadDebugID derives the debug id of f from its GNU build ID, using the
// first 16 bytes with the byte order Breakpad uses for ELF modules. Binaries
// without a GNU build ID but with a Go build ID get a name based UUID of the
// latter.
func ReadDebugID(f *elf.File) (symcache.DebugID, error) {
	if desc, err := readNote(f, ".note.gnu.build-id", "GNU", noteGNUBuildID); err == nil {
		if len(desc) == 0 {
			return symcache.DebugID{}, errors.New("empty GNU build ID")
		}
		return debugIDFromBuildID(desc), nil
	} else if !errors.Is(err, ErrNoBuildID) {
		return symcache.DebugID{}, err
	}

	desc, err := readNote(f, ".note.go.buildid", "Go", noteGoBuildID)
	if err != nil {
		return symcache.DebugID{}, err
	}
	id := string(bytes.TrimRight(desc, "\x00"))
	if id == "" || id == "redacted" {
		return symcache.DebugID{}, fmt.Errorf("unusable Go build ID %q", id)
	}
	return symcache.DebugID{UUID: uuid.NewSHA1(uuid.Nil, []byte(id))}, nil
}

func debugIDFromBuildID(b []byte) symcache.DebugID {
	id := symcache.DebugIDFromBytes(b)
	u := id.UUID[:]
	slices.Reverse(u[0:4])
	slices.Reverse(u[4:6])
	slices.Reverse(u[6:8])
	return id
}

func readNote(f *elf.File, section, name string, typ uint32) ([]byte, error) {
	s := f.Section(section)
	if s == nil {
		return nil, ErrNoBuildID
	}
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", section, err)
	}
	for len(data) >= 12 {
		namesz := uint64(f.ByteOrder.Uint32(data[0:]))
		descsz := uint64(f.ByteOrder.Uint32(data[4:]))
		ntype := f.ByteOrder.Uint32(data[8:])
		nameEnd := 12 + namesz
		descStart := 12 + align4(namesz)
		descEnd := descStart + descsz
		if descEnd > uint64(len(data)) || nameEnd > uint64(len(data)) {
			return nil, fmt.Errorf("%s: truncated note", section)
		}
		noteName := string(bytes.TrimRight(data[12:nameEnd], "\x00"))
		if noteName == name && ntype == typ {
			return data[descStart:descEnd], nil
		}
		next := align4(descEnd)
		if next >= uint64(len(data)) {
			break
		}
		data = data[next:]
	}
	return nil, ErrNoBuildID
}

func align4(v uint64) uint64 { return (v + 3) &^ 3 }
