//go:build linux

package dma

import (
	"errors"
	"fmt"
	"sync/atomic"

	"driftio/internal/future"
	"driftio/internal/iomgr"

	"github.com/negrel/assert"
	"golang.org/x/sys/unix"
)

// A short read's probe came back with data - the original short read was a
// real I/O error ending on a block boundary, not EOF.
var ErrShortProbe = fmt.Errorf("dma: short read not at end-of-file")

// Nothing usable left after sanitization - the caller handed in an empty or
// sub-alignment operation.
var ErrEmptyOp = fmt.Errorf("dma: empty operation")

// All positions, lengths and buffer addresses passed into this layer must
// already be multiples of the relevant alignment; nothing here relaxes that
// contract. The append-challenged scheduler (or direct callers for
// non-challenged files) checks before calling in, these asserts are the
// debug-build backstop.

func (d *Desc) submit(op *iomgr.Op) *future.Future[int] {
	fut, pr := future.Make[int]()
	d.mgr.Submit(op)
	go func() {
		<- op.Ch
		res := atomic.LoadInt32(&op.Res)
		if res < 0 {
			pr.Fail(unix.Errno(-res))
		} else {
			pr.Resolve(int(res))
		}
	}()
	return fut
}

// Same, for ops where the byte count carries no information.
func (d *Desc) submitUnit(op *iomgr.Op) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	d.mgr.Submit(op)
	go func() {
		<- op.Ch
		res := atomic.LoadInt32(&op.Res)
		if res < 0 {
			pr.Fail(unix.Errno(-res))
		} else {
			pr.Resolve(struct{}{})
		}
	}()
	return fut
}

func (d *Desc) Read(pos uint64, buf []byte) *future.Future[int] {
	assert.True(IsAligned(pos, d.ReadAlign), "read pos unaligned")
	assert.True(IsAligned(uint64(len(buf)), d.ReadAlign), "read len unaligned")
	assert.True(IsBufAligned(buf, d.MemAlign), "read buffer unaligned")

	op := &iomgr.Op{}
	op.PrepareSlice(iomgr.OpRead, d.Fd, buf, pos)
	return d.submit(op)
}

func (d *Desc) Write(pos uint64, buf []byte) *future.Future[int] {
	assert.True(IsAligned(pos, d.WriteAlign), "write pos unaligned")
	assert.True(IsAligned(uint64(len(buf)), d.WriteAlign), "write len unaligned")
	assert.True(IsBufAligned(buf, d.MemAlign), "write buffer unaligned")

	op := &iomgr.Op{}
	op.PrepareSlice(iomgr.OpWrite, d.Fd, buf, pos)
	return d.submit(op)
}

func (d *Desc) ReadV(pos uint64, segs [][]byte) *future.Future[int] {
	return d.vectored(iomgr.OpRead, pos, segs, d.ReadAlign)
}

func (d *Desc) WriteV(pos uint64, segs [][]byte) *future.Future[int] {
	return d.vectored(iomgr.OpWrite, pos, segs, d.WriteAlign)
}

func (d *Desc) vectored(code iomgr.OpCode, pos uint64, segs [][]byte, diskAlign uint64) *future.Future[int] {
	assert.True(IsAligned(pos, diskAlign), "vectored pos unaligned")

	segs, total := SanitizeIovecs(segs, diskAlign)
	if total == 0 {
		return future.Failed[int](ErrEmptyOp)
	}

	op := &iomgr.Op{}
	op.Prepare(code, d.Fd)
	off := pos
	for _, s := range segs {
		assert.True(IsBufAligned(s, d.MemAlign), "vectored segment unaligned")
		op.AddSeg(s, off)
		off += uint64(len(s))
	}
	return d.submit(op)
}

func (d *Desc) Sync() *future.Future[struct{}] {
	op := &iomgr.Op{}
	op.Prepare(iomgr.OpSync, d.Fd)
	op.Count = 1
	return d.submitUnit(op)
}

// Reserves disk space for [pos, pos+n) without moving eof (KEEP_SIZE mode).
func (d *Desc) Allocate(pos uint64, n uint64) *future.Future[struct{}] {
	assert.Less(n, uint64(1) << 32, "allocate length must fit the op encoding")

	op := &iomgr.Op{}
	op.Prepare(iomgr.OpAllocate, d.Fd)
	op.Offs[0] = pos
	op.Lens[0] = uint32(n)
	op.Count = 1
	return d.submitUnit(op)
}

// ftruncate, fstat and hole punching never go through the ring (the ring's op
// surface has no truncate class); they run on offload goroutines against the
// raw fd instead.

func (d *Desc) Truncate(n uint64) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	go func() {
		if err := unix.Ftruncate(d.Fd, int64(n)); err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(struct{}{})
		}
	}()
	return fut
}

func (d *Desc) Stat() *future.Future[unix.Stat_t] {
	fut, pr := future.Make[unix.Stat_t]()
	go func() {
		var st unix.Stat_t
		if err := unix.Fstat(d.Fd, &st); err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(st)
		}
	}()
	return fut
}

func (d *Desc) Discard(pos uint64, n uint64) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	go func() {
		err := unix.Fallocate(d.Fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
			int64(pos), int64(n))
		if err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(struct{}{})
		}
	}()
	return fut
}

// Owned buffer handed back by ReadBulk. Data aliases the slab; Free returns
// the slab to the kernel and must only run once nobody reads Data anymore.
type BulkBuf struct {
	Data	[]byte
	raw		[]byte
}

func (b *BulkBuf) Free() error {
	if b.raw == nil {
		return nil
	}
	raw := b.raw
	b.raw = nil
	b.Data = nil
	return iomgr.DeallocSlab(raw)
}

// Allocates an aligned slab covering [pos, pos+n), reads into it, and trims
// the result to the requested window. pos and n need not be aligned - the
// request is widened outward to alignment boundaries. A zero-length Data on
// a nonzero request means pos is at or past end-of-file.
func (d *Desc) ReadBulk(pos uint64, n uint64) *future.Future[*BulkBuf] {
	start := AlignDown(pos, d.ReadAlign)
	size := AlignUp(pos + n, d.ReadAlign) - start

	fut, pr := future.Make[*BulkBuf]()
	if size == 0 {
		pr.Resolve(&BulkBuf{})
		return fut
	}

	raw, err := iomgr.AllocSlab(int(size))
	if err != nil {
		pr.Fail(err)
		return fut
	}

	go func() {
		got, err := d.readMaybeEOF(start, raw)
		if err != nil {
			iomgr.DeallocSlab(raw)
			pr.Fail(err)
			return
		}

		front := pos - start
		if uint64(got) <= front {
			iomgr.DeallocSlab(raw)
			pr.Resolve(&BulkBuf{})
			return
		}
		data := raw[front:got]
		if uint64(len(data)) > n {
			data = data[:n]
		}
		pr.Resolve(&BulkBuf{Data: data, raw: raw})
	}()
	return fut
}

// Disambiguates a short read. Short reads caused by I/O errors always stop on
// a hardware-block-aligned address, so one probe read from the next aligned
// offset settles it: a zero-length success or EINVAL there means the original
// read simply hit end-of-file; data means the short read was a real failure.
// No fstat round trip on the common path.
func (d *Desc) readMaybeEOF(pos uint64, buf []byte) (int, error) {
	n, err := d.Read(pos, buf).Wait()
	if err != nil {
		return 0, err
	}
	if n == len(buf) {
		return n, nil
	}

	probeAt := pos + AlignUp(uint64(n), d.ReadAlign)
	pbuf, err := iomgr.AllocSlab(int(d.ReadAlign))
	if err != nil {
		return 0, err
	}
	defer iomgr.DeallocSlab(pbuf)

	pn, perr := d.Read(probeAt, pbuf).Wait()
	switch {
	case perr == nil && pn == 0:
		return n, nil
	case errors.Is(perr, unix.EINVAL):
		return n, nil
	case perr != nil:
		return 0, perr
	default:
		return 0, ErrShortProbe
	}
}
