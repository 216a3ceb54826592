//go:build linux

package file

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"driftio/internal/dma"
	"driftio/internal/future"
	"driftio/internal/util"

	"github.com/negrel/assert"
	"golang.org/x/sys/unix"
)

type opcode uint8

const (
	opInvalid opcode = iota
	opRead
	opWrite
	opTruncate
	opFlush
)

// One queued logical operation: kind/pos/len drive admission classification,
// run is the type-erased kernel work, finish hands the outcome to the one
// caller future this op will ever resolve.
type pendingOp struct {
	code	opcode
	pos		uint64
	n		uint64

	run		func() (int64, error)
	finish	func(int64, error)

	// captured at dispatch so completion decrements what dispatch incremented
	sizeChanging	bool
	exclusive		bool
}

type doneMsg struct {
	op	*pendingOp // nil marks the final descriptor close
	res	int64
	err	error
}

const (
	stOpen = iota
	stDraining	// close requested, queue still emptying
	stClosing	// queue empty, kernel close in flight
	stClosed
)

const REQ_HINT = 0x10 // initial pending-queue capacity

// Append-challenged variant. On XFS-class filesystems a write that moves eof
// is blocked by (and blocks) every other concurrent AIO op on the file, and
// ftruncate joins the same lock party, so ops pass an admission gate before
// reaching the ring: size-changing ops are admitted strictly in queue order
// and capped, exclusive ops run truly alone, everything else flows freely.
//
// The gatekeeper goroutine is the queue's single owner - requests and
// completions reach it as messages, nothing mutates its state from outside
// (same ownership shape as the ring manager's ringlord).
type acFile struct {
	desc	*dma.Desc
	log		slog.Logger

	// gatekeeper-owned, untouched by anyone else
	q				util.Queue[*pendingOp]
	committedSize	uint64 // size as of completed kernel ops
	curSz			int    // size-changing ops in flight
	curNonSz		int    // everything else in flight
	exclusive		bool   // an op is in flight that must run alone
	state			int

	// written only by the gatekeeper, readable anywhere
	logicalSize	atomic.Uint64 // size as promised to callers
	sloppyHint	atomic.Uint64

	maxSzOps		int
	fsyncExclusive	bool
	sloppy			bool
	hintGran		uint64
	maxPending		int

	reqCh		chan *pendingOp // unbuffered: a send is a rendezvous with the gatekeeper
	doneCh		chan doneMsg
	closeCh		chan struct{}
	drainingCh	chan struct{} // closed by Close, before the gatekeeper hears of it
	closeOnce	sync.Once
	completed	*future.Future[struct{}]
	completedPr	future.Promise[struct{}]
}

func newAppendChallenged(desc *dma.Desc, size uint64, opts Options) *acFile {
	f := &acFile{
		desc: 			desc,
		log: 			*slog.With("src", "acFile", "fd", desc.Fd),
		q: 				util.CreateQueue[*pendingOp](REQ_HINT),
		committedSize: 	size,
		maxSzOps: 		opts.MaxSizeChangingOps,
		fsyncExclusive: opts.FsyncIsExclusive,
		sloppy: 		opts.SloppySize,
		hintGran: 		opts.SloppySizeHint,
		maxPending: 	opts.MaxPending,
		reqCh: 			make(chan *pendingOp),
		doneCh: 		make(chan doneMsg, REQ_HINT),
		closeCh: 		make(chan struct{}, 1),
		drainingCh: 	make(chan struct{}),
	}
	if f.hintGran == 0 {
		f.hintGran = 1 << 20
	}
	f.logicalSize.Store(size)
	f.sloppyHint.Store(max(size, opts.SloppySizeHint))
	f.completed, f.completedPr = future.Make[struct{}]()

	go f.gatekeeper()
	return f
}

// ---- admission ----

func (f *acFile) mustRunAlone(op *pendingOp) bool {
	return op.code == opTruncate || (op.code == opFlush && f.fsyncExclusive)
}

func (f *acFile) isSizeChanging(op *pendingOp) bool {
	return (op.code == opWrite && op.pos + op.n > f.logicalSize.Load()) ||
		op.code == opTruncate
}

func (f *acFile) mayDispatch(op *pendingOp) bool {
	if f.exclusive {
		return false
	}
	if f.mustRunAlone(op) {
		return f.curSz == 0 && f.curNonSz == 0
	}
	if f.isSizeChanging(op) {
		return f.curSz < f.maxSzOps
	}
	return true
}

// Pops and dispatches from the front while the head is admissible. The head
// is never skipped: a blocked exclusive or size-changing head stalls all
// later ops until completions re-trigger this loop (edge-triggered, no
// polling anywhere).
func (f *acFile) processQueue() {
	for f.q.Cnt() > 0 && f.mayDispatch(f.q.Peek()) {
		op := f.q.Pop()
		if op.code == opFlush {
			op = f.coalesceFlushes(op)
		}
		f.dispatch(op)
	}
}

// The one queue optimization we do: a contiguous run of queued flushes
// collapses into a single kernel fsync that resolves every waiter. Nothing
// is reordered and nothing size-changing is touched.
func (f *acFile) coalesceFlushes(op *pendingOp) *pendingOp {
	if f.q.Cnt() == 0 || f.q.Peek().code != opFlush {
		return op
	}
	finishers := []func(int64, error){op.finish}
	for f.q.Cnt() > 0 && f.q.Peek().code == opFlush {
		finishers = append(finishers, f.q.Pop().finish)
	}
	merged := &pendingOp{code: opFlush, run: op.run}
	merged.finish = func(res int64, err error) {
		for _, fin := range finishers {
			fin(res, err)
		}
	}
	return merged
}

func (f *acFile) dispatch(op *pendingOp) {
	op.sizeChanging = f.isSizeChanging(op)
	op.exclusive = f.mustRunAlone(op)

	if op.exclusive {
		assert.Equal(f.curSz, 0, "exclusive op dispatched with size-changing ops in flight")
		assert.Equal(f.curNonSz, 0, "exclusive op dispatched with ops in flight")
		f.exclusive = true
	}
	if op.sizeChanging {
		f.curSz++
		assert.LessOrEqual(f.curSz, f.maxSzOps, "size-changing in-flight cap breached")
	} else {
		f.curNonSz++
	}

	// The logical size is promised to callers the moment the op is admitted,
	// before the kernel has seen anything.
	switch op.code {
	case opWrite:
		if end := op.pos + op.n; end > f.logicalSize.Load() {
			f.logicalSize.Store(end)
			f.bumpHint(end)
		}
	case opTruncate:
		f.logicalSize.Store(op.n)
		if op.n < f.committedSize {
			// shrink: nothing in flight (truncate runs alone), so there is
			// no kernel ordering left to wait out
			f.committedSize = op.n
		}
		f.bumpHint(op.n)
	}

	go func() {
		res, err := op.run()
		f.doneCh <- doneMsg{op: op, res: res, err: err}
	}()
}

func (f *acFile) bumpHint(v uint64) {
	if !f.sloppy {
		return
	}
	if v > f.sloppyHint.Load() {
		f.sloppyHint.Store(dma.AlignUp(v, f.hintGran))
	}
}

// ---- completion / lifecycle ----

func (f *acFile) commitSize(size uint64) {
	f.committedSize = max(f.committedSize, size)
}

func (f *acFile) complete(d doneMsg) {
	if d.op == nil {
		// the kernel close finished - terminal state, resolve exactly once
		f.state = stClosed
		if d.err != nil {
			f.log.Warn("descriptor close failed", "err", d.err)
			f.completedPr.Fail(d.err)
		} else {
			f.completedPr.Resolve(struct{}{})
		}
		return
	}

	op := d.op
	if op.exclusive {
		f.exclusive = false
	}
	if op.sizeChanging {
		f.curSz--
		assert.GreaterOrEqual(f.curSz, 0, "size-changing counter underflow")
	} else {
		f.curNonSz--
		assert.GreaterOrEqual(f.curNonSz, 0, "non-size-changing counter underflow")
	}

	// Committed size only ever moves on genuine kernel completion. A failed
	// op still unblocked its counters above, so one failure never wedges the
	// queue for its siblings.
	if d.err == nil {
		switch {
		case op.code == opTruncate:
			f.committedSize = op.n
		case op.sizeChanging:
			f.commitSize(op.pos + uint64(d.res))
		}
	}

	// With sloppy size off, a size-changing op that fell short of its promise
	// (short write, or outright failure) gives the promise back - unless a
	// later admission already raised the logical size past it, in which case
	// that op will reconcile for itself.
	if !f.sloppy && op.sizeChanging {
		promised := op.pos + op.n
		if op.code == opTruncate {
			promised = op.n
		}
		short := d.err != nil || (op.code == opWrite && uint64(d.res) < op.n)
		if short && f.logicalSize.Load() == promised {
			f.logicalSize.Store(f.committedSize)
		}
	}

	op.finish(d.res, d.err)

	f.processQueue()
	f.maybeQuit()
}

func (f *acFile) maybeQuit() {
	if f.state != stDraining {
		return
	}
	if f.q.Cnt() > 0 || f.curSz > 0 || f.curNonSz > 0 || f.exclusive {
		return
	}
	f.state = stClosing
	go func() {
		err := f.desc.Release()
		f.doneCh <- doneMsg{op: nil, err: err}
	}()
}

func (f *acFile) accept(op *pendingOp) {
	select {
	case <-f.drainingCh:
		// a request that rendezvoused while Close was landing; the state
		// transition may still be in flight but the verdict is already final
		op.finish(0, ErrClosed)
		return
	default:
	}
	if f.state != stOpen {
		op.finish(0, ErrClosed)
		return
	}
	if f.maxPending > 0 && f.q.Cnt() >= f.maxPending {
		op.finish(0, ErrQueueFull)
		return
	}
	f.q.Push(op)
	f.processQueue()
}

func (f *acFile) gatekeeper() {
	for f.state != stClosed {
		select {
		case op := <-f.reqCh:
			f.accept(op)
		case d := <-f.doneCh:
			f.complete(d)
		case <-f.closeCh:
			if f.state == stOpen {
				f.state = stDraining
				f.log.Debug("draining", "pending", f.q.Cnt())
				f.maybeQuit()
			}
		}
	}
}

// Hands an op to the gatekeeper, or fails it with ErrClosed if the file has
// begun draining. reqCh being unbuffered means an op is either seen by the
// gatekeeper or rejected here - never parked where nobody will find it.
// drainingCh is checked first so an op issued after Close returned can never
// win the rendezvous race against the close message.
func (f *acFile) submit(op *pendingOp) {
	select {
	case <-f.drainingCh:
		op.finish(0, ErrClosed)
		return
	default:
	}
	select {
	case f.reqCh <- op:
	case <-f.drainingCh:
		op.finish(0, ErrClosed)
	}
}

// ---- public surface ----

func (f *acFile) ReadDMA(pos uint64, buf []byte) *future.Future[int] {
	if !alignOK(f.desc, pos, [][]byte{buf}, f.desc.ReadAlign) {
		return future.Failed[int](ErrAlignment)
	}
	fut, pr := future.Make[int]()
	op := &pendingOp{code: opRead, pos: pos, n: uint64(len(buf))}
	op.run = func() (int64, error) {
		n, err := f.desc.Read(pos, buf).Wait()
		return int64(n), err
	}
	op.finish = intFinisher(pr)
	f.submit(op)
	return fut
}

func (f *acFile) ReadVDMA(pos uint64, segs [][]byte) *future.Future[int] {
	if !alignOK(f.desc, pos, segs, f.desc.ReadAlign) {
		return future.Failed[int](ErrAlignment)
	}
	segs, total := dma.SanitizeIovecs(segs, f.desc.ReadAlign)
	if total == 0 {
		return future.Failed[int](dma.ErrEmptyOp)
	}
	fut, pr := future.Make[int]()
	op := &pendingOp{code: opRead, pos: pos, n: total}
	op.run = func() (int64, error) {
		n, err := f.desc.ReadV(pos, segs).Wait()
		return int64(n), err
	}
	op.finish = intFinisher(pr)
	f.submit(op)
	return fut
}

func (f *acFile) WriteDMA(pos uint64, buf []byte) *future.Future[int] {
	if !alignOK(f.desc, pos, [][]byte{buf}, f.desc.WriteAlign) {
		return future.Failed[int](ErrAlignment)
	}
	fut, pr := future.Make[int]()
	op := &pendingOp{code: opWrite, pos: pos, n: uint64(len(buf))}
	op.run = func() (int64, error) {
		n, err := f.desc.Write(pos, buf).Wait()
		return int64(n), err
	}
	op.finish = intFinisher(pr)
	f.submit(op)
	return fut
}

func (f *acFile) WriteVDMA(pos uint64, segs [][]byte) *future.Future[int] {
	if !alignOK(f.desc, pos, segs, f.desc.WriteAlign) {
		return future.Failed[int](ErrAlignment)
	}
	// sanitize before admission so the optimistic size bump matches what the
	// kernel will actually be asked to write
	segs, total := dma.SanitizeIovecs(segs, f.desc.WriteAlign)
	if total == 0 {
		return future.Failed[int](dma.ErrEmptyOp)
	}
	fut, pr := future.Make[int]()
	op := &pendingOp{code: opWrite, pos: pos, n: total}
	op.run = func() (int64, error) {
		n, err := f.desc.WriteV(pos, segs).Wait()
		return int64(n), err
	}
	op.finish = intFinisher(pr)
	f.submit(op)
	return fut
}

func (f *acFile) ReadBulk(pos uint64, n uint64) *future.Future[*dma.BulkBuf] {
	fut, pr := future.Make[*dma.BulkBuf]()
	var out *dma.BulkBuf
	op := &pendingOp{code: opRead, pos: pos, n: n}
	op.run = func() (int64, error) {
		b, err := f.desc.ReadBulk(pos, n).Wait()
		if err != nil {
			return 0, err
		}
		out = b
		return int64(len(b.Data)), nil
	}
	op.finish = func(res int64, err error) {
		if err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(out)
		}
	}
	f.submit(op)
	return fut
}

func (f *acFile) Truncate(n uint64) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	op := &pendingOp{code: opTruncate, pos: n, n: n}
	op.run = func() (int64, error) {
		_, err := f.desc.Truncate(n).Wait()
		return 0, err
	}
	op.finish = unitFinisher(pr)
	f.submit(op)
	return fut
}

func (f *acFile) Flush() *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	op := &pendingOp{code: opFlush}
	op.run = func() (int64, error) {
		_, err := f.desc.Sync().Wait()
		return 0, err
	}
	op.finish = unitFinisher(pr)
	f.submit(op)
	return fut
}

// fallocate/hole-punch keep the size fixed, so they ride the queue as
// ordinary non-size-changing ops.

func (f *acFile) Allocate(pos uint64, n uint64) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	op := &pendingOp{code: opRead, pos: pos, n: n}
	op.run = func() (int64, error) {
		_, err := f.desc.Allocate(pos, n).Wait()
		return 0, err
	}
	op.finish = unitFinisher(pr)
	f.submit(op)
	return fut
}

func (f *acFile) Discard(pos uint64, n uint64) *future.Future[struct{}] {
	fut, pr := future.Make[struct{}]()
	op := &pendingOp{code: opRead, pos: pos, n: n}
	op.run = func() (int64, error) {
		_, err := f.desc.Discard(pos, n).Wait()
		return 0, err
	}
	op.finish = unitFinisher(pr)
	f.submit(op)
	return fut
}

// Metadata read, no ordering hazard - bypasses the queue.
func (f *acFile) Stat() *future.Future[unix.Stat_t] {
	return f.desc.Stat()
}

// The size promised to callers: advanced the moment an extending op is
// admitted, not when it completes. With sloppy size enabled this is the
// cached hint instead.
func (f *acFile) Size() *future.Future[uint64] {
	if f.sloppy {
		return future.Resolved(f.sloppyHint.Load())
	}
	return future.Resolved(f.logicalSize.Load())
}

// Stops admission and resolves once every already-accepted op has genuinely
// finished and the descriptor is closed. Safe to call more than once; all
// calls share the same completion future. drainingCh closes here, not in the
// gatekeeper, so rejection is in force the moment Close returns.
func (f *acFile) Close() *future.Future[struct{}] {
	f.closeOnce.Do(func() {
		close(f.drainingCh)
		f.closeCh <- struct{}{}
	})
	return f.completed
}

func intFinisher(pr future.Promise[int]) func(int64, error) {
	return func(res int64, err error) {
		if err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(int(res))
		}
	}
}

func unitFinisher(pr future.Promise[struct{}]) func(int64, error) {
	return func(res int64, err error) {
		if err != nil {
			pr.Fail(err)
		} else {
			pr.Resolve(struct{}{})
		}
	}
}
