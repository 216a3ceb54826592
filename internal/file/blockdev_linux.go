//go:build linux

package file

import (
	"unsafe"

	"driftio/internal/dma"
	"driftio/internal/future"

	"golang.org/x/sys/unix"
)

// _IO(0x12, 119)
const _BLKDISCARD = 0x1277

// Block devices have a fixed size and no append hazard, so no scheduler:
// reads and writes go straight to the ring, size-shaping ops degrade to
// no-ops or the device ioctl.
type blockdevFile struct {
	desc	*dma.Desc
	size	uint64 // fixed, captured at open
}

func newBlockdev(desc *dma.Desc) (*blockdevFile, error) {
	size, err := unix.Seek(desc.Fd, 0, unix.SEEK_END)
	if err != nil {
		desc.Release()
		return nil, err
	}
	return &blockdevFile{desc: desc, size: uint64(size)}, nil
}

func (f *blockdevFile) ReadDMA(pos uint64, buf []byte) *future.Future[int] {
	if !alignOK(f.desc, pos, [][]byte{buf}, f.desc.ReadAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.Read(pos, buf)
}

func (f *blockdevFile) ReadVDMA(pos uint64, segs [][]byte) *future.Future[int] {
	if !alignOK(f.desc, pos, segs, f.desc.ReadAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.ReadV(pos, segs)
}

func (f *blockdevFile) WriteDMA(pos uint64, buf []byte) *future.Future[int] {
	if !alignOK(f.desc, pos, [][]byte{buf}, f.desc.WriteAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.Write(pos, buf)
}

func (f *blockdevFile) WriteVDMA(pos uint64, segs [][]byte) *future.Future[int] {
	if !alignOK(f.desc, pos, segs, f.desc.WriteAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.WriteV(pos, segs)
}

func (f *blockdevFile) ReadBulk(pos uint64, n uint64) *future.Future[*dma.BulkBuf] {
	return f.desc.ReadBulk(pos, n)
}

// Devices dont resize.
func (f *blockdevFile) Truncate(n uint64) *future.Future[struct{}] {
	return future.Resolved(struct{}{})
}

func (f *blockdevFile) Allocate(pos uint64, n uint64) *future.Future[struct{}] {
	return future.Resolved(struct{}{})
}

func (f *blockdevFile) Discard(pos uint64, n uint64) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	go func() {
		rng := [2]uint64{pos, n}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.desc.Fd),
			_BLKDISCARD, uintptr(unsafe.Pointer(&rng[0])))
		if errno != 0 {
			pr.Fail(errno)
		} else {
			pr.Resolve(struct{}{})
		}
	}()
	return fut
}

func (f *blockdevFile) Flush() *future.Future[struct{}] {
	return f.desc.Sync()
}

func (f *blockdevFile) Stat() *future.Future[unix.Stat_t] {
	return f.desc.Stat()
}

func (f *blockdevFile) Size() *future.Future[uint64] {
	return future.Resolved(f.size)
}

func (f *blockdevFile) Close() *future.Future[struct{}] {
	if err := f.desc.Release(); err != nil {
		return future.Failed[struct{}](err)
	}
	return future.Resolved(struct{}{})
}
