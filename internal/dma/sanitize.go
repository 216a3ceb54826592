//go:build linux

package dma

import (
	"unsafe"

	"driftio/internal/iomgr"

	"github.com/negrel/assert"
)

// Alignments are always powers of two.
func IsAligned(v uint64, align uint64) bool {
	assert.Equal(align & (align - 1), uint64(0), "alignment must be a power of two")
	return v & (align - 1) == 0
}

func AlignDown(v uint64, align uint64) uint64 {
	assert.Equal(align & (align - 1), uint64(0), "alignment must be a power of two")
	return v &^ (align - 1)
}

func AlignUp(v uint64, align uint64) uint64 {
	return AlignDown(v + align - 1, align)
}

// Memory-address alignment of a buffer's first byte.
func IsBufAligned(buf []byte, align uint64) bool {
	if len(buf) == 0 {
		return false
	}
	return IsAligned(uint64(uintptr(unsafe.Pointer(&buf[0]))), align)
}

// Given an ordered list of memory-aligned scatter/gather segments, ensures it
// respects the ring's linked-chain segment limit by trimming to the largest
// prefix that fits, then trimming the last kept segment's length down to a
// multiple of diskAlign so the truncated request stays aligned. Segments are
// never reordered and never grow.
//
// Returns the trimmed list and the total byte length it covers. A list within
// the limit comes back untouched with its full length. A zero total after
// trimming means the caller handed us nothing usable (caller error).
func SanitizeIovecs(segs [][]byte, diskAlign uint64) ([][]byte, uint64) {
	if len(segs) <= iomgr.OP_MAX_OPS {
		var total uint64
		for _, s := range segs {
			total += uint64(len(s))
		}
		return segs, total
	}

	segs = segs[:iomgr.OP_MAX_OPS]
	var total uint64
	for _, s := range segs[:len(segs)-1] {
		total += uint64(len(s))
	}

	last := uint64(len(segs[len(segs)-1]))
	last = AlignDown(last, diskAlign)
	if last == 0 {
		segs = segs[:len(segs)-1]
	} else {
		segs[len(segs)-1] = segs[len(segs)-1][:last]
	}
	total += last

	// holds because every segment before the last has an aligned length
	// (caller precondition) and we just aligned the last
	assert.True(IsAligned(total, diskAlign), "sanitized length must stay aligned")

	return segs, total
}
