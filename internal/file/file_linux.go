//go:build linux

// Async file objects over one open descriptor.
//
// Three variants share the File interface and get picked once, at open time,
// from what backs the fd: block devices skip size-change scheduling entirely,
// append-challenged filesystems (XFS and friends, where a size-changing op
// serializes against every other outstanding AIO on the file) get the
// admission scheduler, everything else goes straight through to the dma layer.
package file

import (
	"fmt"

	c "driftio/internal"
	"driftio/internal/dma"
	"driftio/internal/future"
	"driftio/internal/iomgr"

	"golang.org/x/sys/unix"
)

var ErrClosed = fmt.Errorf("file: descriptor closed")
var ErrAlignment = fmt.Errorf("file: position, length or buffer not DMA-aligned")
var ErrQueueFull = fmt.Errorf("file: pending operation queue full")

// Every operation returns immediately with a pending result; callers suspend
// by waiting on the future. Alignment violations and closed descriptors fail
// the future without ever reaching the queue or the kernel.
type File interface {
	ReadDMA(pos uint64, buf []byte) *future.Future[int]
	ReadVDMA(pos uint64, segs [][]byte) *future.Future[int]
	WriteDMA(pos uint64, buf []byte) *future.Future[int]
	WriteVDMA(pos uint64, segs [][]byte) *future.Future[int]
	ReadBulk(pos uint64, n uint64) *future.Future[*dma.BulkBuf]
	Truncate(n uint64) *future.Future[struct{}]
	Flush() *future.Future[struct{}]
	Allocate(pos uint64, n uint64) *future.Future[struct{}]
	Discard(pos uint64, n uint64) *future.Future[struct{}]
	Stat() *future.Future[unix.Stat_t]
	Size() *future.Future[uint64]
	Close() *future.Future[struct{}]
}

// Construction surface, consumed once at Open. Zero values mean
// "detect or default" - there is no global state behind this.
type Options struct {
	MemAlign	uint64
	ReadAlign	uint64
	WriteAlign	uint64

	// Cap on concurrently in-flight size-changing ops. 0 = filesystem default.
	MaxSizeChangingOps	int

	// Whether fsync excludes all other I/O on this filesystem. Set by
	// detection, overridable for filesystems we have no table entry for.
	FsyncIsExclusive	bool

	// Sloppy size: Size() returns a cached hint instead of the precise
	// logical size. SloppySizeHint doubles as the initial hint and the
	// granularity the hint grows in (0 = 1 MiB).
	SloppySize		bool
	SloppySizeHint	uint64

	// Cap on queued-but-not-dispatched ops for append-challenged files.
	// 0 = unbounded. Overflow fails the op with ErrQueueFull.
	MaxPending	int
}

func (o *Options) fillDefaults() {
	if o.MemAlign == 0 { o.MemAlign = c.ALIGN_MEM }
	if o.ReadAlign == 0 { o.ReadAlign = c.ALIGN_DISK_READ }
	if o.WriteAlign == 0 { o.WriteAlign = c.ALIGN_DISK_WRITE }
	if o.MaxSizeChangingOps == 0 { o.MaxSizeChangingOps = 1 }
}

// Opens path with O_DIRECT and picks the variant for whatever backs it.
func Open(path string, opts Options) (File, error) {
	opts.fillDefaults()

	fd, err := unix.Open(path, iomgr.F_OPEN_MODE, iomgr.F_OPEN_PERM)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}

	desc, err := dma.NewDesc(fd, iomgr.F_OPEN_MODE, st.Dev,
		opts.MemAlign, opts.ReadAlign, opts.WriteAlign)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if st.Mode & unix.S_IFMT == unix.S_IFBLK {
		return newBlockdev(desc)
	}

	var sfs unix.Statfs_t
	if err := unix.Fstatfs(fd, &sfs); err != nil {
		desc.Release()
		return nil, err
	}

	// Locking rules differ per filesystem; this table mirrors observed
	// kernel behavior. Anything unknown gets the plain posix variant and
	// with it no size-change protection.
	switch sfs.Type {
	case unix.XFS_SUPER_MAGIC:
		// ftruncate blocks and is blocked by AIO on XFS, and fsync takes
		// the same lock - the worst case, everything serializes
		opts.FsyncIsExclusive = true
		return newAppendChallenged(desc, uint64(st.Size), opts), nil
	case unix.EXT4_SUPER_MAGIC:
		return newAppendChallenged(desc, uint64(st.Size), opts), nil
	case unix.NFS_SUPER_MAGIC:
		return newAppendChallenged(desc, uint64(st.Size), opts), nil
	default:
		return newPosix(desc), nil
	}
}

// Admission-side alignment gate. Caller errors surface here, before anything
// is queued; the dma layer only asserts.
func alignOK(d *dma.Desc, pos uint64, segs [][]byte, diskAlign uint64) bool {
	if !dma.IsAligned(pos, diskAlign) {
		return false
	}
	for _, s := range segs {
		if len(s) == 0 || !dma.IsAligned(uint64(len(s)), diskAlign) {
			return false
		}
		if !dma.IsBufAligned(s, d.MemAlign) {
			return false
		}
	}
	return true
}
