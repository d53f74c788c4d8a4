// Package symcache implements a compact, versioned binary format for fast
// address to symbol resolution.
//
// Debug information of any origin (DWARF, PDB, Breakpad, ELF symbol tables) is
// normalized into a stream of function and line records, assembled by a
// Builder and serialized into a single byte buffer. A Cache opened on top of
// that buffer resolves an instruction address to the chain of frames covering
// it, innermost inlined frame first, without copying or re-parsing the data.
//
// The buffer is validated once, when the cache is opened. Lookups never fail
// and never mutate the cache, so a single Cache can be shared by any number
// of goroutines.
package symcache

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Arch is the CPU architecture a cache was built for.
type Arch uint32

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchAmd64
	ArchArm
	ArchArm64
	ArchPpc
	ArchPpc64
	ArchMips
	ArchMips64
	ArchRiscv64
	ArchS390x
	ArchWasm32
)

var archNames = [...]string{
	ArchUnknown: "unknown",
	ArchX86:     "x86",
	ArchAmd64:   "x86_64",
	ArchArm:     "arm",
	ArchArm64:   "arm64",
	ArchPpc:     "ppc",
	ArchPpc64:   "ppc64",
	ArchMips:    "mips",
	ArchMips64:  "mips64",
	ArchRiscv64: "riscv64",
	ArchS390x:   "s390x",
	ArchWasm32:  "wasm32",
}

func (a Arch) String() string {
	if int(a) < len(archNames) {
		return archNames[a]
	}
	return "unknown"
}

// ParseArch maps common architecture spellings (Breakpad, Go, LLVM) to an Arch.
// Unrecognized names map to ArchUnknown.
func ParseArch(s string) Arch {
	switch strings.ToLower(s) {
	case "x86", "i386", "i686", "386":
		return ArchX86
	case "x86_64", "amd64", "x86-64":
		return ArchAmd64
	case "arm", "armv7", "armv7a", "armv6":
		return ArchArm
	case "arm64", "aarch64", "arm64e":
		return ArchArm64
	case "ppc", "powerpc":
		return ArchPpc
	case "ppc64", "ppc_64", "ppc64le":
		return ArchPpc64
	case "mips", "mipsle":
		return ArchMips
	case "mips64", "mips64le":
		return ArchMips64
	case "riscv64":
		return ArchRiscv64
	case "s390x":
		return ArchS390x
	case "wasm32", "wasm":
		return ArchWasm32
	}
	return ArchUnknown
}

// Language is the source language of the compilation unit a function was
// declared in. It is used downstream to pick a demangler.
type Language uint16

const (
	LanguageUnknown Language = iota
	LanguageC
	LanguageCpp
	LanguageD
	LanguageGo
	LanguageObjC
	LanguageObjCpp
	LanguageRust
	LanguageSwift
	LanguageCSharp
	LanguageAsm
)

var languageNames = [...]string{
	LanguageUnknown: "unknown",
	LanguageC:       "c",
	LanguageCpp:     "cpp",
	LanguageD:       "d",
	LanguageGo:      "go",
	LanguageObjC:    "objc",
	LanguageObjCpp:  "objcpp",
	LanguageRust:    "rust",
	LanguageSwift:   "swift",
	LanguageCSharp:  "csharp",
	LanguageAsm:     "asm",
}

func (l Language) String() string {
	if int(l) < len(languageNames) {
		return languageNames[l]
	}
	return "unknown"
}

// DebugID identifies the exact binary a cache was derived from: a UUID (or
// the leading bytes of a build ID) and an age, as used by PDB files.
type DebugID struct {
	UUID [16]byte
	Age  uint32
}

// DebugIDFromBytes builds a DebugID out of an arbitrary binary fingerprint,
// such as a GNU build ID. Fingerprints shorter than 16 bytes are zero padded,
// longer ones are truncated.
func DebugIDFromBytes(b []byte) DebugID {
	var id DebugID
	copy(id.UUID[:], b)
	return id
}

// ParseDebugID accepts the dashed form produced by DebugID.String
// ("c0bcc3f1-9827-fe65-3058-404b2831d9e6-1a") as well as the compact
// Breakpad form ("C0BCC3F19827FE653058404B2831D9E61A").
func ParseDebugID(s string) (DebugID, error) {
	var id DebugID
	s = strings.TrimSpace(s)
	if strings.Contains(s, "-") {
		// UUID followed by an optional age.
		uuidPart, agePart := s, ""
		if len(s) > 36 {
			if s[36] != '-' {
				return id, fmt.Errorf("invalid debug id %q", s)
			}
			uuidPart, agePart = s[:36], s[37:]
		}
		u, err := uuid.Parse(uuidPart)
		if err != nil {
			return id, fmt.Errorf("invalid debug id %q: %w", s, err)
		}
		id.UUID = u
		if agePart != "" {
			age, err := strconv.ParseUint(agePart, 16, 32)
			if err != nil {
				return id, fmt.Errorf("invalid debug id age %q: %w", agePart, err)
			}
			id.Age = uint32(age)
		}
		return id, nil
	}
	if len(s) < 32 || len(s) > 40 {
		return id, fmt.Errorf("invalid debug id %q: unexpected length %d", s, len(s))
	}
	if _, err := hex.Decode(id.UUID[:], []byte(s[:32])); err != nil {
		return id, fmt.Errorf("invalid debug id %q: %w", s, err)
	}
	if len(s) > 32 {
		age, err := strconv.ParseUint(s[32:], 16, 32)
		if err != nil {
			return id, fmt.Errorf("invalid debug id age %q: %w", s[32:], err)
		}
		id.Age = uint32(age)
	}
	return id, nil
}

func (id DebugID) String() string {
	s := uuid.UUID(id.UUID).String()
	if id.Age != 0 {
		s += "-" + strconv.FormatUint(uint64(id.Age), 16)
	}
	return s
}

// Breakpad returns the compact upper-case form used in Breakpad MODULE records.
func (id DebugID) Breakpad() string {
	return strings.ToUpper(hex.EncodeToString(id.UUID[:])) + strings.ToUpper(strconv.FormatUint(uint64(id.Age), 16))
}

// IsZero reports whether the debug id is unset.
func (id DebugID) IsZero() bool {
	return id == DebugID{}
}

// Frame is a single resolved frame of a lookup. An address covered by an
// inline chain resolves to one Frame per level.
//
// FunctionName and FilePath reference the cache buffer directly: they stay
// valid only as long as the buffer is neither released nor modified.
type Frame struct {
	FunctionName string
	FilePath     string
	Line         uint32
	Column       uint32
	Language     Language

	// Start and End delimit the function (or inlined call) the frame belongs to.
	Start uint64
	End   uint64
	// Depth is the inline nesting level of the frame, 0 for the outermost.
	Depth uint16
}

func (f Frame) String() string {
	if f.FilePath == "" {
		return f.FunctionName
	}
	if f.Line == 0 {
		return fmt.Sprintf("%s %s", f.FunctionName, f.FilePath)
	}
	return fmt.Sprintf("%s %s:%d", f.FunctionName, f.FilePath, f.Line)
}
