// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U64 	= 0x08

// Default DMA alignments for memory buffers and on-disk offsets/lengths.
// mmap-ed slabs always land on a page boundary (check using: `getconf PAGESIZE`,
// basically always 0x1000 (4096)), and 4096 satisfies O_DIRECT everywhere we
// care about. Per-descriptor values may override these at open time.
const ALIGN_MEM			= uint64(0x1000)
const ALIGN_DISK_READ	= uint64(0x1000)
const ALIGN_DISK_WRITE	= uint64(0x1000)

// This is an alias for endianness effectively, so we only define endianness in one place (here).
// For debugging big endian is easier to visualize, but for "prod" LittleEndian is faster (usually) (probably)
var Bin = binary.BigEndian
