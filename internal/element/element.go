// internal/element/element.go
package element

import "sync"

// Value is the set of raw Modbus value kinds.
type Value interface {
	~uint16 | ~bool
}

// Slot is a single addressable value on a device.
// Reads update the current value; writes consume the pending "next write" value.
// A slot is shared by every task that touches its address.
type Slot[T Value] struct {
	addr uint16

	mu    sync.Mutex
	value T
	valid bool
	next  *T

	invalidations uint64
	onInvalidate  func()
}

// Register is a 16-bit holding or input register.
type Register = Slot[uint16]

// Coil is a coil or discrete input.
type Coil = Slot[bool]

func NewRegister(addr uint16) *Register { return &Register{addr: addr} }
func NewCoil(addr uint16) *Coil         { return &Coil{addr: addr} }

func (s *Slot[T]) Address() uint16 { return s.addr }

// Value returns the last value read and whether it is current.
func (s *Slot[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.valid
}

// SetValue stores a freshly read value.
func (s *Slot[T]) SetValue(v T) {
	s.mu.Lock()
	s.value = v
	s.valid = true
	s.mu.Unlock()
}

// SetNextWrite queues a value for the next write task bound to this slot.
func (s *Slot[T]) SetNextWrite(v T) {
	s.mu.Lock()
	s.next = &v
	s.mu.Unlock()
}

// TakeNextWrite returns and clears the pending write value.
func (s *Slot[T]) TakeNextWrite() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		var zero T
		return zero, false
	}
	v := *s.next
	s.next = nil
	return v, true
}

// HasNextWrite reports a pending write value without consuming it.
func (s *Slot[T]) HasNextWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next != nil
}

// OnInvalidate registers a callback fired on every Invalidate call.
func (s *Slot[T]) OnInvalidate(fn func()) {
	s.mu.Lock()
	s.onInvalidate = fn
	s.mu.Unlock()
}

// Invalidate marks the value stale. Safe to call repeatedly.
func (s *Slot[T]) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.invalidations++
	fn := s.onInvalidate
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Invalidations counts Invalidate calls.
func (s *Slot[T]) Invalidations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations
}
