package symcache

import (
	"container/heap"
	"slices"
)

// buildIndex partitions the address space covered by the function table into
// ranges, each mapped to the innermost function covering it. Addresses not
// covered by any function map to noFunction.
//
// Top-level zero length functions are markers: a marker covers the addresses
// from its start up to the start of the next unrelated function, unless a
// sized function already covers its start. The ranges of its own inlined
// children do not end it. The last marker extends to the end of the address
// space.
//
// functions must be sorted by start address, with deeper functions first at
// equal start addresses.
func buildIndex(functions []functionEntry) []indexEntry {
	boundaries := make([]uint64, 0, 2*len(functions))
	var markers []uint32
	for i := range functions {
		fn := &functions[i]
		switch {
		case fn.end > fn.start:
			boundaries = append(boundaries, fn.start, fn.end)
		case fn.parent == noFunction:
			markers = append(markers, uint32(i))
		}
	}
	slices.Sort(boundaries)
	boundaries = slices.Compact(boundaries)

	ranges := make([]indexEntry, 0, len(boundaries)+1)
	// A virtual gap covering the addresses before the first function.
	ranges = append(ranges, indexEntry{address: 0, function: noFunction})
	h := &coverHeap{functions: functions}
	next := 0
	for _, b := range boundaries {
		for ; next < len(functions) && functions[next].start <= b; next++ {
			if functions[next].end > functions[next].start {
				heap.Push(h, uint32(next))
			}
		}
		for h.Len() > 0 && functions[h.refs[0]].end <= b {
			heap.Pop(h)
		}
		cur := uint32(noFunction)
		if h.Len() > 0 {
			cur = h.refs[0]
		}
		ranges = appendRange(ranges, b, cur)
	}

	if len(markers) > 0 {
		ranges = fillMarkers(ranges, functions, markers)
	}
	// Drop leading gaps: lookups below the first entry resolve to nothing.
	for len(ranges) > 0 && ranges[0].function == noFunction {
		ranges = ranges[1:]
	}
	return ranges
}

func appendRange(ranges []indexEntry, address uint64, fn uint32) []indexEntry {
	if n := len(ranges); n > 0 {
		last := &ranges[n-1]
		if last.address == address {
			last.function = fn
			if n > 1 && ranges[n-2].function == fn {
				return ranges[:n-1]
			}
			return ranges
		}
		if last.function == fn {
			return ranges
		}
	}
	return append(ranges, indexEntry{address: address, function: fn})
}

// fillMarkers assigns the gaps of the partition to the markers they contain.
// A marker with inlined children resumes once its children end.
func fillMarkers(ranges []indexEntry, functions []functionEntry, markers []uint32) []indexEntry {
	out := make([]indexEntry, 0, len(ranges)+len(markers))
	active := uint32(noFunction)
	m := 0
	for i, r := range ranges {
		out = appendRange(out, r.address, r.function)
		if r.function != noFunction {
			active = noFunction
			if root := rootFunction(functions, r.function); functions[root].end == functions[root].start {
				active = root
			}
			continue
		}
		limit := ^uint64(0)
		hasLimit := i+1 < len(ranges)
		if hasLimit {
			limit = ranges[i+1].address
		}
		// Markers before the gap are shadowed by sized functions.
		for m < len(markers) && functions[markers[m]].start < r.address {
			m++
		}
		if active != noFunction {
			out = appendRange(out, r.address, active)
		}
		for m < len(markers) {
			start := functions[markers[m]].start
			if hasLimit && start >= limit {
				break
			}
			out = appendRange(out, start, markers[m])
			active = markers[m]
			m++
		}
	}
	return out
}

func rootFunction(functions []functionEntry, i uint32) uint32 {
	for functions[i].parent != noFunction {
		i = functions[i].parent
	}
	return i
}

// coverHeap orders the functions covering the current address, innermost
// first. Functions that no longer cover it are removed lazily.
type coverHeap struct {
	functions []functionEntry
	refs      []uint32
}

func (h *coverHeap) Len() int { return len(h.refs) }

func (h *coverHeap) Less(i, j int) bool {
	a, b := &h.functions[h.refs[i]], &h.functions[h.refs[j]]
	if a.depth != b.depth {
		return a.depth > b.depth
	}
	// Sibling ranges never overlap; the later start is the narrower one.
	return a.start > b.start
}

func (h *coverHeap) Swap(i, j int) { h.refs[i], h.refs[j] = h.refs[j], h.refs[i] }

func (h *coverHeap) Push(x any) { h.refs = append(h.refs, x.(uint32)) }

func (h *coverHeap) Pop() any {
	n := len(h.refs)
	x := h.refs[n-1]
	h.refs = h.refs[:n-1]
	return x
}
