// Package breakpad reads Breakpad text symbol files and feeds them to a
// symbol cache builder.
package breakpad

import (
	"fmt"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/symcache/pkg/symcache"
)

type Module struct {
	OS   string
	Arch string
	ID   string
	Name string
}

type SymbolFile struct {
	Module   Module
	CodeID   string
	CodeFile string

	Files         map[uint64]string
	InlineOrigins map[uint64]string
	Functions     []Func
	Publics       []Public

	debugID symcache.DebugID
}

type Func struct {
	Multiple  bool
	Address   uint64
	Size      uint64
	ParamSize uint64
	Name      string
	Lines     []LineRecord
	Inlines   []Inline
}

type LineRecord struct {
	Address uint64
	Size    uint64
	Line    uint32
	FileID  uint64
}

// Inline describes a call inlined into a FUNC record, or into the inline
// record of depth Depth-1 preceding it.
type Inline struct {
	Depth      uint64
	CallLine   uint32
	CallFileID uint64
	OriginID   uint64
	Ranges     []Range
}

type Range struct {
	Address uint64
	Size    uint64
}

type Public struct {
	Multiple  bool
	Address   uint64
	ParamSize uint64
	Name      string
}

// Provider streams the records of a symbol file into a symcache.RecordSink.
type Provider struct {
	sf     *SymbolFile
	logger log.Logger
}

func NewProvider(sf *SymbolFile, logger log.Logger) *Provider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Provider{sf: sf, logger: logger}
}

func (p *Provider) Arch() symcache.Arch { return symcache.ParseArch(p.sf.Module.Arch) }

func (p *Provider) DebugID() symcache.DebugID { return p.sf.debugID }

// inlineNode is a function added for one range of an INLINE record.
type inlineNode struct {
	ref        symcache.FunctionRef
	start, end uint64
	depth      uint64
}

func (p *Provider) Records(sink symcache.RecordSink) error {
	funcs := slices.Clone(p.sf.Functions)
	slices.SortStableFunc(funcs, func(a, b Func) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})

	starts := make(map[uint64]struct{}, len(funcs))
	var (
		prev    *Func
		dropped int
		nodes   []inlineNode
	)
	for i := range funcs {
		fn := &funcs[i]
		// Overlapping FUNC records can't be represented: the first one wins.
		// Records with the same range are aliases and merged by the builder.
		if prev != nil && fn.Address < prev.Address+prev.Size &&
			(fn.Address != prev.Address || fn.Size != prev.Size) {
			dropped++
			continue
		}
		prev = fn
		starts[fn.Address] = struct{}{}

		var err error
		if nodes, err = p.addFunc(sink, fn, nodes[:0]); err != nil {
			return fmt.Errorf("FUNC %x %s: %w", fn.Address, fn.Name, err)
		}
	}

	for _, pub := range p.sf.Publics {
		if _, ok := starts[pub.Address]; ok {
			continue
		}
		_, err := sink.AddFunction(symcache.Function{
			Start:  pub.Address,
			End:    pub.Address,
			Name:   pub.Name,
			Parent: symcache.NoFunction,
		})
		if err != nil {
			return fmt.Errorf("PUBLIC %x %s: %w", pub.Address, pub.Name, err)
		}
	}

	if dropped > 0 {
		level.Debug(p.logger).Log("msg", "dropped overlapping FUNC records", "count", dropped)
	}
	return nil
}

func (p *Provider) addFunc(sink symcache.RecordSink, fn *Func, nodes []inlineNode) ([]inlineNode, error) {
	var file string
	if len(fn.Lines) > 0 {
		file = p.sf.Files[fn.Lines[0].FileID]
	}
	ref, err := sink.AddFunction(symcache.Function{
		Start:  fn.Address,
		End:    fn.Address + fn.Size,
		Name:   fn.Name,
		File:   file,
		Parent: symcache.NoFunction,
	})
	if err != nil {
		return nodes, err
	}

	for _, in := range fn.Inlines {
		name, ok := p.sf.InlineOrigins[in.OriginID]
		if !ok {
			name = UnknownName
		}
		for _, r := range in.Ranges {
			parent := ref
			if in.Depth > 0 {
				parent = enclosing(nodes, in.Depth-1, r.Address, ref)
			}
			child, err := sink.AddFunction(symcache.Function{
				Start:  r.Address,
				End:    r.Address + r.Size,
				Name:   name,
				Parent: parent,
			})
			if err != nil {
				return nodes, err
			}
			nodes = append(nodes, inlineNode{ref: child, start: r.Address, end: r.Address + r.Size, depth: in.Depth})
			// The call site is a line of the enclosing function.
			err = sink.AddLine(symcache.Line{
				Address:  r.Address,
				Function: parent,
				Line:     in.CallLine,
				File:     p.sf.Files[in.CallFileID],
			})
			if err != nil {
				return nodes, err
			}
		}
	}

	// Line records describe the innermost inlined call.
	for _, l := range fn.Lines {
		owner, depth := ref, uint64(0)
		for _, n := range nodes {
			if n.start <= l.Address && l.Address < n.end && (owner == ref || n.depth+1 > depth) {
				owner, depth = n.ref, n.depth+1
			}
		}
		err = sink.AddLine(symcache.Line{
			Address:  l.Address,
			Function: owner,
			Line:     l.Line,
			File:     p.sf.Files[l.FileID],
		})
		if err != nil {
			return nodes, err
		}
	}
	return nodes, nil
}

// enclosing returns the most recent inline node of the given depth covering
// addr, or fallback.
func enclosing(nodes []inlineNode, depth, addr uint64, fallback symcache.FunctionRef) symcache.FunctionRef {
	for i := len(nodes) - 1; i >= 0; i-- {
		n := &nodes[i]
		if n.depth == depth && n.start <= addr && addr < n.end {
			return n.ref
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if nodes[i].depth == depth {
			return nodes[i].ref
		}
	}
	return fallback
}
