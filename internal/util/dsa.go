package util

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// growable ring-buffer queue (FIFO). Starts small and doubles when full,
// so pushing never panics - callers that want a hard cap check Cnt() first.
type Queue[T any] struct {
	data	[]T
	head	int // next slot to write to
	cnt 	int
}

func CreateQueue[T any](size int) Queue[T] {
	if size < 1 { size = 1 }
	return Queue[T] {
		head: 	0,
		cnt: 	0,
		data: 	make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) grow() {
	data := make([]T, len(q.data) * 2)
	for i := range q.cnt {
		data[i] = q.data[mod(q.head - q.cnt + i, len(q.data))]
	}
	q.data = data
	q.head = q.cnt
}

func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) { q.grow() }
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

func (q *Queue[T]) Pop() T {
	if q.cnt == 0 { panic("queue underflow") }
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	return q.data[i]
}

// Front element without consuming it.
func (q *Queue[T]) Peek() T {
	if q.cnt == 0 { panic("queue underflow") }
	i := mod((q.head - q.cnt), len(q.data))
	return q.data[i]
}
