package movement

import "sync/atomic"

// slot is a single-value mailbox between a network goroutine and the tick. Store overwrites
// any unread value; Take empties the slot.
type slot[T any] struct {
	v atomic.Pointer[T]
}

func (s *slot[T]) Store(value T) {
	s.v.Store(&value)
}

func (s *slot[T]) Take() (T, bool) {
	p := s.v.Swap(nil)
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}
