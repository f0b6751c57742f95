package engine

import "sync"

// Observable is read-only access to a changing value. Subscribers always
// receive the current value first, then every later change. A slow
// subscriber only misses intermediate values, never the latest one.
type Observable[T any] interface {
	Get() T
	Subscribe() (<-chan T, func())
}

// Value is a mutable Observable.
type Value[T comparable] struct {
	mu   sync.Mutex
	v    T
	subs map[int]chan T
	next int
}

func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[int]chan T)}
}

func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and notifies subscribers. It returns false when v equals
// the current value.
func (o *Value[T]) Set(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.v == v {
		return false
	}
	o.v = v
	for _, ch := range o.subs {
		deliver(ch, v)
	}
	return true
}

func (o *Value[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.next
	o.next++
	ch := make(chan T, 1)
	ch <- o.v
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// deliver replaces any unread value in ch with v. Callers hold the lock,
// so nothing else sends on ch concurrently.
func deliver[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
