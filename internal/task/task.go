// internal/task/task.go
package task

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Element is one addressable value slot on a device.
// Elements are owned by the registration layer; tasks only reference them.
// Invalidate MUST be idempotent.
type Element interface {
	Address() uint16
	Invalidate()
}

// Task is a scheduled unit of work.
// The set of kinds is closed: *Read, *Write and *Wait.
type Task interface {
	// Device is the owning device identity; empty for *Wait.
	Device() string
	// Elements is the ordered set of bound elements; empty for *Wait.
	Elements() []Element
	String() string

	isTask()
}

// ---- READ / WRITE ----

// span is the contiguous address range shared by Read and Write.
type span struct {
	device   string
	unit     uint8
	fc       Function
	start    uint16
	quantity uint16
	elements []Element
}

func newSpan(device string, unit uint8, fc Function, elements []Element) (span, error) {
	if device == "" {
		return span{}, errors.New("task: device required")
	}
	if len(elements) == 0 {
		return span{}, fmt.Errorf("task: %s on %s: at least one element required", fc, device)
	}

	els := slices.Clone(elements)
	slices.SortFunc(els, func(a, b Element) int {
		return int(a.Address()) - int(b.Address())
	})
	for i := 1; i < len(els); i++ {
		if els[i].Address() == els[i-1].Address() {
			return span{}, fmt.Errorf("task: %s on %s: duplicate address %d", fc, device, els[i].Address())
		}
	}

	start := els[0].Address()
	qty := uint32(els[len(els)-1].Address()) - uint32(start) + 1
	if qty > uint32(fc.MaxQuantity()) {
		return span{}, fmt.Errorf("task: %s on %s: quantity %d exceeds %d", fc, device, qty, fc.MaxQuantity())
	}

	return span{
		device:   device,
		unit:     unit,
		fc:       fc,
		start:    start,
		quantity: uint16(qty),
		elements: els,
	}, nil
}

func (s *span) Device() string       { return s.device }
func (s *span) Elements() []Element  { return s.elements }
func (s *span) Unit() uint8          { return s.unit }
func (s *span) Function() Function   { return s.fc }
func (s *span) StartAddress() uint16 { return s.start }
func (s *span) Quantity() uint16     { return s.quantity }

func (s *span) String() string {
	return fmt.Sprintf("%s[%s unit=%d addr=%d qty=%d]", s.fc, s.device, s.unit, s.start, s.quantity)
}

// Read reads a contiguous range from a device.
type Read struct{ span }

// NewRead builds a read task. Gaps between element addresses are read and discarded.
func NewRead(device string, unit uint8, fc Function, elements ...Element) (*Read, error) {
	if !fc.IsRead() {
		return nil, fmt.Errorf("task: %s is not a read function", fc)
	}
	s, err := newSpan(device, unit, fc, elements)
	if err != nil {
		return nil, err
	}
	return &Read{span: s}, nil
}

func (*Read) isTask() {}

// Write writes the pending values of its elements.
type Write struct{ span }

// NewWrite builds a write task. FC 5 and 6 take exactly one element.
func NewWrite(device string, unit uint8, fc Function, elements ...Element) (*Write, error) {
	if !fc.IsWrite() {
		return nil, fmt.Errorf("task: %s is not a write function", fc)
	}
	s, err := newSpan(device, unit, fc, elements)
	if err != nil {
		return nil, err
	}
	return &Write{span: s}, nil
}

func (*Write) isTask() {}

// ---- WAIT ----

// Wait delays the read batch so reads finish just before the read deadline.
type Wait struct {
	Duration time.Duration
}

func NewWait(d time.Duration) *Wait {
	return &Wait{Duration: d}
}

func (*Wait) Device() string      { return "" }
func (*Wait) Elements() []Element { return nil }
func (w *Wait) String() string    { return fmt.Sprintf("Wait[%s]", w.Duration) }
func (*Wait) isTask()             {}
