//go:build linux

package file

import (
	"driftio/internal/dma"
	"driftio/internal/future"

	"golang.org/x/sys/unix"
)

// Plain variant for filesystems without the append hazard: every call goes
// straight to the dma layer, the kernel is free to run them all concurrently.
type posixFile struct {
	desc *dma.Desc
}

func newPosix(desc *dma.Desc) *posixFile {
	return &posixFile{desc: desc}
}

func (f *posixFile) ReadDMA(pos uint64, buf []byte) *future.Future[int] {
	if !alignOK(f.desc, pos, [][]byte{buf}, f.desc.ReadAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.Read(pos, buf)
}

func (f *posixFile) ReadVDMA(pos uint64, segs [][]byte) *future.Future[int] {
	if !alignOK(f.desc, pos, segs, f.desc.ReadAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.ReadV(pos, segs)
}

func (f *posixFile) WriteDMA(pos uint64, buf []byte) *future.Future[int] {
	if !alignOK(f.desc, pos, [][]byte{buf}, f.desc.WriteAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.Write(pos, buf)
}

func (f *posixFile) WriteVDMA(pos uint64, segs [][]byte) *future.Future[int] {
	if !alignOK(f.desc, pos, segs, f.desc.WriteAlign) {
		return future.Failed[int](ErrAlignment)
	}
	return f.desc.WriteV(pos, segs)
}

func (f *posixFile) ReadBulk(pos uint64, n uint64) *future.Future[*dma.BulkBuf] {
	return f.desc.ReadBulk(pos, n)
}

func (f *posixFile) Truncate(n uint64) *future.Future[struct{}] {
	return f.desc.Truncate(n)
}

func (f *posixFile) Flush() *future.Future[struct{}] {
	return f.desc.Sync()
}

func (f *posixFile) Allocate(pos uint64, n uint64) *future.Future[struct{}] {
	return f.desc.Allocate(pos, n)
}

func (f *posixFile) Discard(pos uint64, n uint64) *future.Future[struct{}] {
	return f.desc.Discard(pos, n)
}

func (f *posixFile) Stat() *future.Future[unix.Stat_t] {
	return f.desc.Stat()
}

func (f *posixFile) Size() *future.Future[uint64] {
	fut, pr := future.Make[uint64]()
	go func() {
		st, err := f.desc.Stat().Wait()
		if err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(uint64(st.Size))
		}
	}()
	return fut
}

func (f *posixFile) Close() *future.Future[struct{}] {
	if err := f.desc.Release(); err != nil {
		return future.Failed[struct{}](err)
	}
	return future.Resolved(struct{}{})
}
