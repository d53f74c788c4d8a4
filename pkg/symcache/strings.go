package symcache

import (
	"bytes"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/swiss"
)

// Interner deduplicates byte strings into a single contiguous table.
//
// Strings are stored as raw bytes: file paths are not guaranteed to be valid
// UTF-8 on every platform. Interning the same bytes twice yields the same
// reference until Reset is called.
type Interner struct {
	buf []byte
	// Hash buckets. Collisions are resolved by comparing the stored bytes.
	refs *swiss.Map[uint64, []StringRef]
	// Set when the table no longer fits 32-bit offsets.
	overflow bool
}

func NewInterner() *Interner {
	return &Interner{refs: swiss.NewMap[uint64, []StringRef](64)}
}

// Intern returns the reference of b, adding it to the table if needed.
func (in *Interner) Intern(b []byte) StringRef {
	h := xxhash.Sum64(b)
	bucket, _ := in.refs.Get(h)
	for _, r := range bucket {
		if bytes.Equal(in.Bytes(r), b) {
			return r
		}
	}
	if uint64(len(in.buf))+uint64(len(b)) >= math.MaxUint32 {
		in.overflow = true
		return NullStringRef
	}
	r := StringRef{Offset: uint32(len(in.buf)), Length: uint32(len(b))}
	in.buf = append(in.buf, b...)
	in.refs.Put(h, append(bucket, r))
	return r
}

// InternString is Intern for strings.
func (in *Interner) InternString(s string) StringRef {
	return in.Intern([]byte(s))
}

// Bytes returns the content referenced by r. The null reference and
// references outside of the table yield nil.
func (in *Interner) Bytes(r StringRef) []byte {
	if r.IsNull() {
		return nil
	}
	end := uint64(r.Offset) + uint64(r.Length)
	if end > uint64(len(in.buf)) {
		return nil
	}
	return in.buf[r.Offset:end]
}

// Len returns the size of the table in bytes.
func (in *Interner) Len() int { return len(in.buf) }

// Table returns the string table. The slice is shared with the interner.
func (in *Interner) Table() []byte { return in.buf }

// Reset empties the table. References issued before are invalidated.
func (in *Interner) Reset() {
	in.buf = in.buf[:0]
	in.overflow = false
	in.refs.Clear()
}
