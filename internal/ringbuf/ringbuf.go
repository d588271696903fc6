// Package ringbuf provides a growable double-ended ring buffer. Capacity is
// always a power of two so index wrapping is a bitwise mask instead of a modulo.
//
// The zero value is an empty deque ready to use. A Deque is not safe for
// concurrent use; callers serialise access.
package ringbuf

// minCapacity is the smallest backing array allocated on first push.
const minCapacity = 8

// Deque is a FIFO/LIFO ring buffer supporting O(1) amortized push-back,
// pop-back, pop-front and O(1) peeks at both ends.
type Deque[T any] struct {
	buf  []T
	head int // index of the front element
	n    int
}

// New creates a deque with room for at least capacity elements before the
// first grow. capacity is rounded up to the next power of two.
func New[T any](capacity int) *Deque[T] {
	c := nextPow2(capacity)
	if c < minCapacity {
		c = minCapacity
	}
	return &Deque[T]{buf: make([]T, c)}
}

// Len returns the number of elements in the deque.
func (d *Deque[T]) Len() int { return d.n }

// Cap returns the size of the backing array.
func (d *Deque[T]) Cap() int { return len(d.buf) }

// PushBack appends v at the back, growing the buffer when full.
func (d *Deque[T]) PushBack(v T) {
	if d.n == len(d.buf) {
		d.resize(len(d.buf) * 2)
	}
	d.buf[(d.head+d.n)&d.mask()] = v
	d.n++
}

// PopBack removes and returns the back element.
// Returns false if the deque is empty.
func (d *Deque[T]) PopBack() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	i := (d.head + d.n - 1) & d.mask()
	v := d.buf[i]
	d.buf[i] = zero
	d.n--
	d.shrink()
	return v, true
}

// PopFront removes and returns the front element.
// Returns false if the deque is empty.
func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) & d.mask()
	d.n--
	d.shrink()
	return v, true
}

// Front returns the front element without removing it.
func (d *Deque[T]) Front() (T, bool) {
	if d.n == 0 {
		var zero T
		return zero, false
	}
	return d.buf[d.head], true
}

// Back returns the back element without removing it.
func (d *Deque[T]) Back() (T, bool) {
	if d.n == 0 {
		var zero T
		return zero, false
	}
	return d.buf[(d.head+d.n-1)&d.mask()], true
}

// At returns the i-th element counting from the front. It panics if i is out
// of range, like a slice index.
func (d *Deque[T]) At(i int) T {
	if i < 0 || i >= d.n {
		panic("ringbuf: index out of range")
	}
	return d.buf[(d.head+i)&d.mask()]
}

func (d *Deque[T]) mask() int { return len(d.buf) - 1 }

// resize copies the live elements into a new array of size c, front first.
func (d *Deque[T]) resize(c int) {
	if c < minCapacity {
		c = minCapacity
	}
	nb := make([]T, c)
	if d.n > 0 {
		if d.head+d.n <= len(d.buf) {
			copy(nb, d.buf[d.head:d.head+d.n])
		} else {
			k := copy(nb, d.buf[d.head:])
			copy(nb[k:], d.buf[:d.n-k])
		}
	}
	d.buf = nb
	d.head = 0
}

// shrink halves the buffer once it is a quarter full, so a burst does not pin
// memory for the lifetime of the deque.
func (d *Deque[T]) shrink() {
	if len(d.buf) > minCapacity && d.n <= len(d.buf)/4 {
		d.resize(len(d.buf) / 2)
	}
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
