// One-shot promise/future pair used to hand a pending result back to a caller.
//
// This is the same shape as a completion channel on a disk op (res + Ch),
// just typed: the resolving side owns the Promise and touches it exactly once,
// the waiting side owns the Future. A Future is single-consumer - exactly one
// goroutine may call Wait/Ready on it.
package future

type outcome[T any] struct {
	val	T
	err	error
}

type Promise[T any] struct {
	ch	chan<- outcome[T]
}

type Future[T any] struct {
	ch		chan outcome[T]
	out		outcome[T]
	settled	bool
}

func Make[T any]() (*Future[T], Promise[T]) {
	ch := make(chan outcome[T], 1)
	return &Future[T]{ch: ch}, Promise[T]{ch: ch}
}

func (p Promise[T]) Resolve(val T) {
	p.ch <- outcome[T]{val: val}
}

func (p Promise[T]) Fail(err error) {
	p.ch <- outcome[T]{err: err}
}

// Blocks until the promise side settles. Safe to call repeatedly.
func (f *Future[T]) Wait() (T, error) {
	if !f.settled {
		f.out = <-f.ch
		f.settled = true
	}
	return f.out.val, f.out.err
}

// Non-blocking probe. True once the result is available.
func (f *Future[T]) Ready() bool {
	if f.settled {
		return true
	}
	select {
	case f.out = <-f.ch:
		f.settled = true
		return true
	default:
		return false
	}
}

// Already-settled futures, for failing fast without touching a queue.
func Resolved[T any](val T) *Future[T] {
	f, pr := Make[T]()
	pr.Resolve(val)
	return f
}

func Failed[T any](err error) *Future[T] {
	f, pr := Make[T]()
	pr.Fail(err)
	return f
}
