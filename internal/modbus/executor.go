// internal/modbus/executor.go
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tamzrod/modbus-bridge/internal/element"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// Executor runs read and write tasks over one bridge connection.
// It serializes requests because it mutates the slave id per task.
type Executor struct {
	mu   sync.Mutex
	conn *conn
}

// New creates an executor for the configured transport.
func New(cfg Config) (*Executor, error) {
	c, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Executor{conn: c}, nil
}

func newExecutor(client Client) *Executor {
	return &Executor{conn: &conn{
		client:  client,
		setUnit: func(uint8) {},
		close:   func() error { return nil },
	}}
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.close()
}

// Execute runs one task and returns the number of requests performed.
// A write without pending values performs none.
func (e *Executor) Execute(ctx context.Context, t task.Task) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		n   int
		err error
	)
	switch t := t.(type) {
	case *task.Read:
		e.conn.setUnit(t.Unit())
		n, err = e.read(t)
	case *task.Write:
		e.conn.setUnit(t.Unit())
		n, err = e.write(t)
	default:
		return 0, fmt.Errorf("modbus: cannot execute %s", t)
	}

	if err != nil {
		if !isException(err) {
			// Transport failure: drop the connection, goburrow redials on next use.
			_ = e.conn.close()
		}
		return n, fmt.Errorf("modbus: %s: %w", t, err)
	}
	return n, nil
}

// ---- reads ----

func (e *Executor) read(r *task.Read) (int, error) {
	start, qty := r.StartAddress(), r.Quantity()
	cli := e.conn.client

	if r.Function().IsBit() {
		coils, err := slotsOf[bool](r.Elements())
		if err != nil {
			return 0, err
		}

		var raw []byte
		if r.Function() == task.ReadCoils {
			raw, err = cli.ReadCoils(start, qty)
		} else {
			raw, err = cli.ReadDiscreteInputs(start, qty)
		}
		if err != nil {
			return 0, err
		}
		if len(raw) < (int(qty)+7)/8 {
			return 0, errors.New("short read-bits payload")
		}

		bits := unpackBits(raw, int(qty))
		for _, c := range coils {
			c.SetValue(bits[c.Address()-start])
		}
		return 1, nil
	}

	regs, err := slotsOf[uint16](r.Elements())
	if err != nil {
		return 0, err
	}

	var raw []byte
	if r.Function() == task.ReadHoldingRegisters {
		raw, err = cli.ReadHoldingRegisters(start, qty)
	} else {
		raw, err = cli.ReadInputRegisters(start, qty)
	}
	if err != nil {
		return 0, err
	}
	if len(raw) < 2*int(qty) {
		return 0, errors.New("short read-registers payload")
	}

	values := unpackRegisters(raw)
	for _, reg := range regs {
		reg.SetValue(values[reg.Address()-start])
	}
	return 1, nil
}

// ---- writes ----

func (e *Executor) write(w *task.Write) (int, error) {
	if w.Function().IsBit() {
		coils, err := slotsOf[bool](w.Elements())
		if err != nil {
			return 0, err
		}
		return writeRuns(pending(coils), func(addr uint16, vals []bool) error {
			if w.Function() == task.WriteSingleCoil {
				v := uint16(0x0000)
				if vals[0] {
					v = 0xFF00
				}
				_, err := e.conn.client.WriteSingleCoil(addr, v)
				return err
			}
			_, err := e.conn.client.WriteMultipleCoils(addr, uint16(len(vals)), packBits(vals))
			return err
		})
	}

	regs, err := slotsOf[uint16](w.Elements())
	if err != nil {
		return 0, err
	}
	return writeRuns(pending(regs), func(addr uint16, vals []uint16) error {
		if w.Function() == task.WriteSingleRegister {
			_, err := e.conn.client.WriteSingleRegister(addr, vals[0])
			return err
		}
		_, err := e.conn.client.WriteMultipleRegisters(addr, uint16(len(vals)), packRegisters(vals))
		return err
	})
}

type pendingValue[T element.Value] struct {
	addr  uint16
	value T
}

// pending consumes the next-write values of the slots, in address order.
func pending[T element.Value](slots []*element.Slot[T]) []pendingValue[T] {
	var out []pendingValue[T]
	for _, s := range slots {
		if v, ok := s.TakeNextWrite(); ok {
			out = append(out, pendingValue[T]{addr: s.Address(), value: v})
		}
	}
	return out
}

// writeRuns issues one request per contiguous run of pending values.
func writeRuns[T element.Value](p []pendingValue[T], send func(addr uint16, vals []T) error) (int, error) {
	n := 0
	for i := 0; i < len(p); {
		j := i + 1
		for j < len(p) && p[j].addr == p[j-1].addr+1 {
			j++
		}
		vals := make([]T, 0, j-i)
		for _, pv := range p[i:j] {
			vals = append(vals, pv.value)
		}
		if err := send(p[i].addr, vals); err != nil {
			return n, err
		}
		n++
		i = j
	}
	return n, nil
}

// slotsOf asserts every element is a slot of kind T.
func slotsOf[T element.Value](els []task.Element) ([]*element.Slot[T], error) {
	out := make([]*element.Slot[T], 0, len(els))
	for _, el := range els {
		s, ok := el.(*element.Slot[T])
		if !ok {
			return nil, fmt.Errorf("element at %d has kind %T", el.Address(), el)
		}
		out = append(out, s)
	}
	return out, nil
}

// ---- helpers (pure geometry) ----

func unpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		out[i] = data[byteIdx]&(1<<(i%8)) != 0
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// Modbus register memory order (BIG-ENDIAN)
func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
