package breakpad

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grafana/symcache/pkg/symcache"
)

// UnknownName replaces missing function and symbol names.
const UnknownName = "<unknown>"

const maxLineSize = 16 << 20

var ErrMissingModule = errors.New("breakpad: missing MODULE record")

type ErrorKind int

const (
	KindModuleRecord ErrorKind = iota + 1
	KindInfoRecord
	KindFileRecord
	KindFuncRecord
	KindLineRecord
	KindPublicRecord
	KindInlineOriginRecord
	KindInlineRecord
)

var kindNames = map[ErrorKind]string{
	KindModuleRecord:       "module",
	KindInfoRecord:         "info",
	KindFileRecord:         "file",
	KindFuncRecord:         "func",
	KindLineRecord:         "line",
	KindPublicRecord:       "public",
	KindInlineOriginRecord: "inline origin",
	KindInlineRecord:       "inline",
}

func (k ErrorKind) String() string { return kindNames[k] }

// ParseError reports a malformed record.
type ParseError struct {
	// Line is the 1-based line number of the record.
	Line int
	Kind ErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("breakpad: line %d: invalid %s record: %v", e.Line, e.Kind, e.Err)
	}
	return fmt.Sprintf("breakpad: line %d: invalid %s record", e.Line, e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads a Breakpad text symbol file. STACK records are skipped.
func Parse(r io.Reader) (*SymbolFile, error) {
	p := parser{
		sf: &SymbolFile{
			Files:         make(map[uint64]string),
			InlineOrigins: make(map[uint64]string),
		},
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for s.Scan() {
		p.line++
		if err := p.parseLine(strings.TrimRight(s.Text(), "\r")); err != nil {
			return nil, err
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if !p.module {
		return nil, ErrMissingModule
	}
	return p.sf, nil
}

type parser struct {
	sf     *SymbolFile
	line   int
	module bool
	// The FUNC record line and inline records belong to.
	fn *Func
}

func (p *parser) fail(kind ErrorKind, err error) error {
	return &ParseError{Line: p.line, Kind: kind, Err: err}
}

func (p *parser) parseLine(line string) error {
	if line == "" {
		return nil
	}
	keyword, rest, _ := strings.Cut(line, " ")
	if !p.module {
		if keyword != "MODULE" {
			return ErrMissingModule
		}
		p.module = true
		m, err := parseModule(rest)
		if err != nil {
			return p.fail(KindModuleRecord, err)
		}
		if p.sf.debugID, err = symcache.ParseDebugID(m.ID); err != nil {
			return p.fail(KindModuleRecord, err)
		}
		p.sf.Module = m
		return nil
	}

	switch keyword {
	case "MODULE":
		return p.fail(KindModuleRecord, errors.New("duplicate MODULE record"))
	case "INFO":
		return p.parseInfo(rest)
	case "FILE":
		id, path, err := parseIDName(rest)
		if err != nil {
			return p.fail(KindFileRecord, err)
		}
		p.sf.Files[id] = path
	case "INLINE_ORIGIN":
		id, name, err := parseIDName(rest)
		if err != nil {
			return p.fail(KindInlineOriginRecord, err)
		}
		p.sf.InlineOrigins[id] = name
	case "FUNC":
		fn, err := parseFunc(rest)
		if err != nil {
			return p.fail(KindFuncRecord, err)
		}
		p.sf.Functions = append(p.sf.Functions, fn)
		p.fn = &p.sf.Functions[len(p.sf.Functions)-1]
	case "INLINE":
		if p.fn == nil {
			return p.fail(KindInlineRecord, errors.New("outside of a FUNC record"))
		}
		in, err := parseInline(rest)
		if err != nil {
			return p.fail(KindInlineRecord, err)
		}
		p.fn.Inlines = append(p.fn.Inlines, in)
	case "PUBLIC":
		p.fn = nil
		pub, err := parsePublic(rest)
		if err != nil {
			return p.fail(KindPublicRecord, err)
		}
		p.sf.Publics = append(p.sf.Publics, pub)
	case "STACK":
		p.fn = nil
	default:
		if p.fn == nil {
			return p.fail(KindLineRecord, errors.New("outside of a FUNC record"))
		}
		l, err := parseLineRecord(line)
		if err != nil {
			return p.fail(KindLineRecord, err)
		}
		// Empty ranges carry no information.
		if l.Size > 0 {
			p.fn.Lines = append(p.fn.Lines, l)
		}
	}
	return nil
}

// MODULE <os> <arch> <id> <name>
func parseModule(s string) (Module, error) {
	var m Module
	f := strings.SplitN(s, " ", 4)
	if len(f) < 3 {
		return m, errors.New("missing fields")
	}
	m.OS, m.Arch, m.ID = f[0], f[1], f[2]
	if len(f) == 4 {
		m.Name = f[3]
	}
	return m, nil
}

// INFO CODE_ID <code id> [<code file>]
func (p *parser) parseInfo(s string) error {
	scope, rest, _ := strings.Cut(s, " ")
	if scope != "CODE_ID" {
		return nil
	}
	id, file, _ := strings.Cut(rest, " ")
	if id == "" {
		return p.fail(KindInfoRecord, errors.New("missing code id"))
	}
	p.sf.CodeID, p.sf.CodeFile = id, file
	return nil
}

// FILE <id> <path>, INLINE_ORIGIN <id> <name>
func parseIDName(s string) (uint64, string, error) {
	idStr, name, _ := strings.Cut(s, " ")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, "", err
	}
	if name == "" {
		name = UnknownName
	}
	return id, name, nil
}

func cutMultiple(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "m "); ok {
		return rest, true
	}
	return s, false
}

// FUNC [m] <address> <size> <parameter size> [<name>]
func parseFunc(s string) (Func, error) {
	var fn Func
	s, fn.Multiple = cutMultiple(s)
	f := strings.SplitN(s, " ", 4)
	if len(f) < 3 {
		return fn, errors.New("missing fields")
	}
	var err error
	if fn.Address, err = parseHex(f[0]); err != nil {
		return fn, err
	}
	if fn.Size, err = parseHex(f[1]); err != nil {
		return fn, err
	}
	if fn.ParamSize, err = parseHex(f[2]); err != nil {
		return fn, err
	}
	fn.Name = UnknownName
	if len(f) == 4 && f[3] != "" {
		fn.Name = f[3]
	}
	return fn, nil
}

// PUBLIC [m] <address> <parameter size> [<name>]
func parsePublic(s string) (Public, error) {
	var pub Public
	s, pub.Multiple = cutMultiple(s)
	f := strings.SplitN(s, " ", 3)
	if len(f) < 2 {
		return pub, errors.New("missing fields")
	}
	var err error
	if pub.Address, err = parseHex(f[0]); err != nil {
		return pub, err
	}
	if pub.ParamSize, err = parseHex(f[1]); err != nil {
		return pub, err
	}
	pub.Name = UnknownName
	if len(f) == 3 && f[2] != "" {
		pub.Name = f[2]
	}
	return pub, nil
}

// <address> <size> <line> <file id>
func parseLineRecord(s string) (LineRecord, error) {
	var l LineRecord
	f := strings.Fields(s)
	if len(f) != 4 {
		return l, fmt.Errorf("expected 4 fields, got %d", len(f))
	}
	var err error
	if l.Address, err = parseHex(f[0]); err != nil {
		return l, err
	}
	if l.Size, err = parseHex(f[1]); err != nil {
		return l, err
	}
	line, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return l, err
	}
	// Some producers emit negative line numbers for compiler generated code.
	if line > 0 && line <= 1<<32-1 {
		l.Line = uint32(line)
	}
	if l.FileID, err = strconv.ParseUint(f[3], 10, 64); err != nil {
		return l, err
	}
	return l, nil
}

// INLINE <depth> <call line> <call file id> <origin id> (<address> <size>)+
func parseInline(s string) (Inline, error) {
	var in Inline
	f := strings.Fields(s)
	if len(f) < 6 || (len(f)-4)%2 != 0 {
		return in, errors.New("unexpected number of fields")
	}
	var err error
	if in.Depth, err = strconv.ParseUint(f[0], 10, 16); err != nil {
		return in, err
	}
	callLine, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return in, err
	}
	in.CallLine = uint32(callLine)
	if in.CallFileID, err = strconv.ParseUint(f[2], 10, 64); err != nil {
		return in, err
	}
	if in.OriginID, err = strconv.ParseUint(f[3], 10, 64); err != nil {
		return in, err
	}
	for i := 4; i < len(f); i += 2 {
		var r Range
		if r.Address, err = parseHex(f[i]); err != nil {
			return in, err
		}
		if r.Size, err = parseHex(f[i+1]); err != nil {
			return in, err
		}
		in.Ranges = append(in.Ranges, r)
	}
	return in, nil
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
