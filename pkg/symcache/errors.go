package symcache

import "errors"

// Errors returned when opening a cache.
var (
	// ErrCorruptData is returned when a structural invariant of the format
	// does not hold: bad magic, a checksum mismatch, an offset or a reference
	// out of bounds, inconsistent section sizes.
	ErrCorruptData = errors.New("corrupt symcache data")
	// ErrVersionMismatch is returned for caches written by a newer format
	// version than this package supports.
	ErrVersionMismatch = errors.New("unsupported symcache version")
	// ErrTruncated is returned when the buffer is shorter than the header
	// declares.
	ErrTruncated = errors.New("truncated symcache data")
)

// Errors returned while building a cache.
var (
	ErrOverlappingRanges   = errors.New("overlapping function ranges")
	ErrInlineDepthExceeded = errors.New("inline depth exceeded")
	ErrInvalidRange        = errors.New("invalid address range")
	ErrInvalidFunctionRef  = errors.New("invalid function reference")
	ErrBuilderFinished     = errors.New("builder already finished")
	ErrTooManyRecords      = errors.New("too many records")
)
