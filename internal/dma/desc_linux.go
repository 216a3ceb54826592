//go:build linux

package dma

import (
	"sync/atomic"

	"driftio/internal/iomgr"

	"golang.org/x/sys/unix"
)

// Descriptor resource: one open kernel fd plus its DMA alignments, possibly
// shared by several file objects through Dup. The ring manager travels with
// the fd; the last Release tears both down.
type Desc struct {
	Fd			int
	DeviceId	uint64
	Flags		int
	MemAlign	uint64
	ReadAlign	uint64
	WriteAlign	uint64

	mgr		*iomgr.IoMgr
	refs	*atomic.Int32
}

func NewDesc(fd int, flags int, deviceId uint64, memAlign, readAlign, writeAlign uint64) (*Desc, error) {
	mgr, err := iomgr.CreateIoMgr()
	if err != nil { return nil, err }

	refs := &atomic.Int32{}
	refs.Store(1)

	return &Desc{
		Fd: 		fd,
		DeviceId: 	deviceId,
		Flags: 		flags,
		MemAlign: 	memAlign,
		ReadAlign: 	readAlign,
		WriteAlign: writeAlign,
		mgr: 		mgr,
		refs: 		refs,
	}, nil
}

// Clone sharing the same fd, ring and refcount. Each clone must be Released.
func (d *Desc) Dup() *Desc {
	d.refs.Add(1)
	clone := *d
	return &clone
}

// Drops one reference. The final release closes the kernel fd and shuts the
// ring down; the close error (if any) surfaces here and the descriptor is
// considered closed regardless - never re-close.
func (d *Desc) Release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	d.mgr.Close()
	return unix.Close(d.Fd)
}
