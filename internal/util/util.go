package util

import (
	c "driftio/internal"
)

// splitmix64
func Hash(val uint64) uint64 {
	x := val
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x =  x ^ (x >> 31)
	return x
}

// Fills buf with a deterministic pattern derived from seed. Used by tests to
// stamp recognizable data into DMA slabs without dragging in a PRNG per call.
func FillPattern(buf []byte, seed uint64) {
	var word [c.LEN_U64]byte
	for i := range buf {
		if i % c.LEN_U64 == 0 {
			c.Bin.PutUint64(word[:], Hash(seed + uint64(i) / c.LEN_U64))
		}
		buf[i] = word[i % c.LEN_U64]
	}
}
