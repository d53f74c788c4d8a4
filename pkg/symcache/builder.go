package symcache

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// maxDepthLimit is the deepest inline nesting the format can represent.
const maxDepthLimit = math.MaxUint16

type pendingFunction struct {
	Function
	depth uint16
}

type pendingLine struct {
	Line
	seq int
}

// Builder accumulates the records of a single binary and assembles them into
// a symbol cache.
//
// A Builder is not safe for concurrent use. Records may be added in any
// order, but a parent must be added before the functions inlined into it.
type Builder struct {
	opt     options
	logger  log.Logger
	arch    Arch
	debugID DebugID

	functions []pendingFunction
	lines     []pendingLine
	finished  bool
}

// NewBuilder starts a build session for the binary identified by arch and id.
func NewBuilder(arch Arch, id DebugID, opts ...Option) *Builder {
	o := applyOptions(opts)
	return &Builder{
		opt:     o,
		logger:  log.With(o.logger, "component", "symcache-builder", "debug_id", id.String()),
		arch:    arch,
		debugID: id,
	}
}

// AddFunction adds a function record. The returned reference is used as the
// parent of inlined functions and to attach line records.
func (b *Builder) AddFunction(fn Function) (FunctionRef, error) {
	if b.finished {
		return NoFunction, ErrBuilderFinished
	}
	if fn.End < fn.Start {
		return NoFunction, fmt.Errorf("%w: function %q [0x%x, 0x%x)", ErrInvalidRange, fn.Name, fn.Start, fn.End)
	}
	if uint64(len(b.functions)) >= uint64(NoFunction) {
		return NoFunction, fmt.Errorf("%w: functions", ErrTooManyRecords)
	}
	var depth int
	if fn.Parent != NoFunction {
		if int64(fn.Parent) >= int64(len(b.functions)) {
			return NoFunction, fmt.Errorf("%w: parent %d of function %q", ErrInvalidFunctionRef, fn.Parent, fn.Name)
		}
		depth = int(b.functions[fn.Parent].depth) + 1
		if depth > b.opt.maxInlineDepth {
			return NoFunction, fmt.Errorf("%w: function %q at depth %d, max %d", ErrInlineDepthExceeded, fn.Name, depth, b.opt.maxInlineDepth)
		}
	}
	ref := FunctionRef(len(b.functions))
	b.functions = append(b.functions, pendingFunction{Function: fn, depth: uint16(depth)})
	return ref, nil
}

// AddLine adds a line record to a previously added function.
func (b *Builder) AddLine(l Line) error {
	if b.finished {
		return ErrBuilderFinished
	}
	if l.Function == NoFunction || int64(l.Function) >= int64(len(b.functions)) {
		return fmt.Errorf("%w: line at 0x%x references function %d", ErrInvalidFunctionRef, l.Address, l.Function)
	}
	if uint64(len(b.lines)) >= math.MaxUint32 {
		return fmt.Errorf("%w: lines", ErrTooManyRecords)
	}
	b.lines = append(b.lines, pendingLine{Line: l, seq: len(b.lines)})
	return nil
}

// Finish assembles the records and returns the serialized cache. The builder
// cannot be used afterwards, whether Finish succeeds or not.
func (b *Builder) Finish() ([]byte, error) {
	if b.finished {
		return nil, ErrBuilderFinished
	}
	b.finished = true
	start := time.Now()
	l, err := b.assemble()
	b.functions, b.lines = nil, nil
	if err != nil {
		b.opt.metrics.observeBuild(time.Since(start).Seconds(), 0, 0, err)
		level.Debug(b.logger).Log("msg", "symbol cache build failed", "err", err)
		return nil, err
	}
	data := l.marshal()
	b.opt.metrics.observeBuild(time.Since(start).Seconds(), len(data), len(l.functions), nil)
	level.Debug(b.logger).Log(
		"msg", "symbol cache built",
		"arch", b.arch,
		"functions", len(l.functions),
		"lines", len(l.lines),
		"index_entries", len(l.index),
		"strings_bytes", len(l.strings),
		"size", len(data),
		"duration", time.Since(start),
	)
	return data, nil
}

type aliasKey struct {
	start, end uint64
	parent     FunctionRef
}

func (b *Builder) assemble() (*layout, error) {
	n := len(b.functions)

	// Functions with the same range and parent are aliases of each other:
	// the first one added wins. Parents always precede their children, so
	// parent references can be resolved in a single pass.
	winner := make([]FunctionRef, n)
	parents := make([]FunctionRef, n)
	seen := make(map[aliasKey]FunctionRef, n)
	var aliases int
	for i := range b.functions {
		fn := &b.functions[i]
		p := fn.Parent
		if p != NoFunction {
			p = winner[p]
		}
		parents[i] = p
		k := aliasKey{start: fn.Start, end: fn.End, parent: p}
		if w, ok := seen[k]; ok {
			winner[i] = w
			aliases++
			continue
		}
		seen[k] = FunctionRef(i)
		winner[i] = FunctionRef(i)
	}
	if aliases > 0 {
		level.Debug(b.logger).Log("msg", "merged aliased functions", "count", aliases)
	}

	order := make([]FunctionRef, 0, n-aliases)
	for i := range b.functions {
		if winner[i] == FunctionRef(i) {
			order = append(order, FunctionRef(i))
		}
	}
	// Inlined functions go before their enclosing function at shared addresses.
	slices.SortFunc(order, func(x, y FunctionRef) int {
		fx, fy := &b.functions[x], &b.functions[y]
		if c := cmp.Compare(fx.Start, fy.Start); c != 0 {
			return c
		}
		if c := cmp.Compare(fy.depth, fx.depth); c != 0 {
			return c
		}
		return cmp.Compare(x, y)
	})

	if err := b.checkOverlaps(order, parents); err != nil {
		return nil, err
	}

	position := make([]uint32, n)
	for pos, ref := range order {
		position[ref] = uint32(pos)
	}
	for i := range b.functions {
		position[i] = position[winner[i]]
	}

	l := &layout{
		header: header{
			magic:   magic,
			version: currentVersion,
			arch:    b.arch,
			debugID: b.debugID,
		},
		functions: make([]functionEntry, len(order)),
	}

	// Lines are grouped by function and sorted by address. At a repeated
	// address the first line added wins.
	slices.SortFunc(b.lines, func(x, y pendingLine) int {
		if c := cmp.Compare(position[x.Function], position[y.Function]); c != 0 {
			return c
		}
		if c := cmp.Compare(x.Address, y.Address); c != 0 {
			return c
		}
		return cmp.Compare(x.seq, y.seq)
	})

	strs := NewInterner()
	l.lines = make([]lineEntry, 0, len(b.lines))
	for i := 0; i < len(b.lines); i++ {
		ln := &b.lines[i]
		fn := &l.functions[position[ln.Function]]
		if fn.linesCount > 0 && l.lines[len(l.lines)-1].address == ln.Address {
			continue
		}
		if fn.linesCount == 0 {
			fn.linesStart = uint32(len(l.lines))
		}
		fn.linesCount++
		e := lineEntry{
			address: ln.Address,
			line:    ln.Line.Line,
			column:  ln.Column,
			file:    NullStringRef,
		}
		if ln.File != "" {
			e.file = strs.InternString(ln.File)
		}
		l.lines = append(l.lines, e)
	}

	for pos, ref := range order {
		fn := &b.functions[ref]
		e := &l.functions[pos]
		e.start = fn.Start
		e.end = fn.End
		e.depth = fn.depth
		e.language = fn.Language
		e.name = strs.InternString(fn.Name)
		e.file = NullStringRef
		if fn.File != "" {
			e.file = strs.InternString(fn.File)
		}
		e.parent = noFunction
		if p := parents[ref]; p != NoFunction {
			e.parent = position[p]
		}
	}
	if strs.overflow {
		return nil, fmt.Errorf("%w: string table exceeds 4GB", ErrTooManyRecords)
	}
	l.strings = strs.Table()
	l.index = buildIndex(l.functions)
	return l, nil
}

// checkOverlaps verifies that any two functions with intersecting ranges are
// related through their inline chain. order must be sorted by start address.
func (b *Builder) checkOverlaps(order []FunctionRef, parents []FunctionRef) error {
	// At most one inline chain is active at any address, so the active set
	// stays bounded by the maximum inline depth.
	active := make([]FunctionRef, 0, 16)
	for _, ref := range order {
		fn := &b.functions[ref]
		if fn.Start == fn.End {
			continue
		}
		active = slices.DeleteFunc(active, func(a FunctionRef) bool {
			return b.functions[a].End <= fn.Start
		})
		for _, a := range active {
			if isAncestor(parents, a, ref) || isAncestor(parents, ref, a) {
				continue
			}
			other := &b.functions[a]
			return fmt.Errorf("%w: %q [0x%x, 0x%x) and %q [0x%x, 0x%x)", ErrOverlappingRanges,
				other.Name, other.Start, other.End, fn.Name, fn.Start, fn.End)
		}
		active = append(active, ref)
	}
	return nil
}

// isAncestor reports whether a is on the inline chain of f.
func isAncestor(parents []FunctionRef, a, f FunctionRef) bool {
	for p := parents[f]; p != NoFunction; p = parents[p] {
		if p == a {
			return true
		}
	}
	return false
}
