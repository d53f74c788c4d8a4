package symcache

import "math"

// FunctionRef identifies a function added to a Builder.
type FunctionRef uint32

// NoFunction is the parent of top-level functions.
const NoFunction FunctionRef = math.MaxUint32

// Function is a normalized function record: either a standalone function or
// a call inlined into its parent.
type Function struct {
	// Start and End delimit the half-open address range [Start, End).
	// A zero length function is a symbol marker: it covers the addresses
	// from Start up to the next known symbol.
	Start uint64
	End   uint64

	Name string
	// File is the declaring source file, empty if unknown.
	File     string
	Language Language

	// Parent is the function this one was inlined into, or NoFunction.
	Parent FunctionRef
}

// Line maps an address of a function to a source line.
type Line struct {
	Address  uint64
	Function FunctionRef
	Line     uint32
	// Column is zero when unknown.
	Column uint32
	// File overrides the function file for this line when set.
	File string
}

// RecordSink receives normalized records. Builder implements it.
type RecordSink interface {
	AddFunction(Function) (FunctionRef, error)
	AddLine(Line) error
}

// Provider is an adapter over a native debug information format.
// It streams the records of one binary into a RecordSink.
type Provider interface {
	Arch() Arch
	DebugID() DebugID
	Records(RecordSink) error
}
