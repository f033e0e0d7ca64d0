// internal/modbus/executor_test.go
package modbus

import (
	"context"
	"errors"
	"testing"

	gm "github.com/goburrow/modbus"

	"github.com/tamzrod/modbus-bridge/internal/element"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// ---- fake client ----

type call struct {
	fc       string
	address  uint16
	quantity uint16
	value    uint16
	payload  []byte
}

type fakeClient struct {
	calls []call
	bits  []byte
	regs  []byte
	err   error
}

func (f *fakeClient) record(c call) error {
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeClient) ReadCoils(a, q uint16) ([]byte, error) {
	return f.bits, f.record(call{fc: "rc", address: a, quantity: q})
}
func (f *fakeClient) ReadDiscreteInputs(a, q uint16) ([]byte, error) {
	return f.bits, f.record(call{fc: "rdi", address: a, quantity: q})
}
func (f *fakeClient) ReadHoldingRegisters(a, q uint16) ([]byte, error) {
	return f.regs, f.record(call{fc: "rhr", address: a, quantity: q})
}
func (f *fakeClient) ReadInputRegisters(a, q uint16) ([]byte, error) {
	return f.regs, f.record(call{fc: "rir", address: a, quantity: q})
}
func (f *fakeClient) WriteSingleCoil(a, v uint16) ([]byte, error) {
	return nil, f.record(call{fc: "wsc", address: a, value: v})
}
func (f *fakeClient) WriteSingleRegister(a, v uint16) ([]byte, error) {
	return nil, f.record(call{fc: "wsr", address: a, value: v})
}
func (f *fakeClient) WriteMultipleCoils(a, q uint16, p []byte) ([]byte, error) {
	return nil, f.record(call{fc: "wmc", address: a, quantity: q, payload: p})
}
func (f *fakeClient) WriteMultipleRegisters(a, q uint16, p []byte) ([]byte, error) {
	return nil, f.record(call{fc: "wmr", address: a, quantity: q, payload: p})
}

func registers(addrs ...uint16) ([]*element.Register, []task.Element) {
	regs := make([]*element.Register, 0, len(addrs))
	els := make([]task.Element, 0, len(addrs))
	for _, a := range addrs {
		r := element.NewRegister(a)
		regs = append(regs, r)
		els = append(els, r)
	}
	return regs, els
}

// ---- reads ----

func TestExecute_ReadHoldingRegisters(t *testing.T) {
	cli := &fakeClient{regs: []byte{0x00, 0x01, 0xAB, 0xCD, 0x12, 0x34}}
	e := newExecutor(cli)

	regs, els := registers(100, 102)
	rd, err := task.NewRead("meter0", 1, task.ReadHoldingRegisters, els...)
	if err != nil {
		t.Fatalf("NewRead err=%v", err)
	}

	n, err := e.Execute(context.Background(), rd)
	if err != nil || n != 1 {
		t.Fatalf("Execute n=%d err=%v want 1/nil", n, err)
	}
	if c := cli.calls[0]; c.fc != "rhr" || c.address != 100 || c.quantity != 3 {
		t.Fatalf("unexpected request %+v", c)
	}
	if v, ok := regs[0].Value(); !ok || v != 0x0001 {
		t.Fatalf("reg 100=%#x ok=%v", v, ok)
	}
	if v, ok := regs[1].Value(); !ok || v != 0x1234 {
		t.Fatalf("reg 102=%#x ok=%v", v, ok)
	}
}

func TestExecute_ReadCoils(t *testing.T) {
	cli := &fakeClient{bits: []byte{0b0000_0101}}
	e := newExecutor(cli)

	c0, c1, c2 := element.NewCoil(0), element.NewCoil(1), element.NewCoil(2)
	rd, _ := task.NewRead("relay", 3, task.ReadCoils, c0, c1, c2)

	if _, err := e.Execute(context.Background(), rd); err != nil {
		t.Fatalf("Execute err=%v", err)
	}
	for i, want := range []bool{true, false, true} {
		got, ok := []*element.Coil{c0, c1, c2}[i].Value()
		if !ok || got != want {
			t.Fatalf("coil %d=%v ok=%v want %v", i, got, ok, want)
		}
	}
}

func TestExecute_ShortPayloadFails(t *testing.T) {
	cli := &fakeClient{regs: []byte{0x00}}
	e := newExecutor(cli)

	_, els := registers(0, 1)
	rd, _ := task.NewRead("meter0", 1, task.ReadInputRegisters, els...)
	if _, err := e.Execute(context.Background(), rd); err == nil {
		t.Fatalf("expected error on short payload")
	}
}

func TestExecute_KindMismatch(t *testing.T) {
	e := newExecutor(&fakeClient{})
	rd, _ := task.NewRead("meter0", 1, task.ReadHoldingRegisters, element.NewCoil(0))
	if _, err := e.Execute(context.Background(), rd); err == nil {
		t.Fatalf("expected error for coil in a register task")
	}
}

// ---- writes ----

func TestExecute_WriteWithoutPendingDoesNothing(t *testing.T) {
	cli := &fakeClient{}
	e := newExecutor(cli)

	_, els := registers(10, 11)
	wr, _ := task.NewWrite("meter0", 1, task.WriteMultipleRegisters, els...)

	n, err := e.Execute(context.Background(), wr)
	if err != nil || n != 0 {
		t.Fatalf("Execute n=%d err=%v want 0/nil", n, err)
	}
	if len(cli.calls) != 0 {
		t.Fatalf("requests=%d want 0", len(cli.calls))
	}
}

func TestExecute_WriteSplitsContiguousRuns(t *testing.T) {
	cli := &fakeClient{}
	e := newExecutor(cli)

	regs, els := registers(10, 11, 12, 13)
	regs[0].SetNextWrite(1)
	regs[1].SetNextWrite(2)
	regs[3].SetNextWrite(4)
	wr, _ := task.NewWrite("meter0", 1, task.WriteMultipleRegisters, els...)

	n, err := e.Execute(context.Background(), wr)
	if err != nil || n != 2 {
		t.Fatalf("Execute n=%d err=%v want 2/nil", n, err)
	}

	first, second := cli.calls[0], cli.calls[1]
	if first.address != 10 || first.quantity != 2 || string(first.payload) != "\x00\x01\x00\x02" {
		t.Fatalf("first run %+v", first)
	}
	if second.address != 13 || second.quantity != 1 || string(second.payload) != "\x00\x04" {
		t.Fatalf("second run %+v", second)
	}
	for _, r := range regs {
		if r.HasNextWrite() {
			t.Fatalf("register %d still pending", r.Address())
		}
	}
}

func TestExecute_WriteSingleCoil(t *testing.T) {
	cli := &fakeClient{}
	e := newExecutor(cli)

	c := element.NewCoil(7)
	c.SetNextWrite(true)
	wr, _ := task.NewWrite("relay", 2, task.WriteSingleCoil, c)

	if n, err := e.Execute(context.Background(), wr); err != nil || n != 1 {
		t.Fatalf("Execute n=%d err=%v", n, err)
	}
	if got := cli.calls[0]; got.fc != "wsc" || got.address != 7 || got.value != 0xFF00 {
		t.Fatalf("unexpected request %+v", got)
	}
}

// ---- errors ----

func TestExecute_TransportErrorClosesConnection(t *testing.T) {
	cli := &fakeClient{err: errors.New("i/o timeout")}
	e := newExecutor(cli)
	closed := 0
	e.conn.close = func() error { closed++; return nil }

	_, els := registers(0)
	rd, _ := task.NewRead("meter0", 1, task.ReadHoldingRegisters, els...)
	if _, err := e.Execute(context.Background(), rd); err == nil {
		t.Fatalf("expected error")
	}
	if closed != 1 {
		t.Fatalf("close calls=%d want=1", closed)
	}

	// An exception response keeps the connection.
	cli.err = &gm.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}
	_, err := e.Execute(context.Background(), rd)
	if err == nil {
		t.Fatalf("expected error")
	}
	if closed != 1 {
		t.Fatalf("close calls=%d want=1 after exception", closed)
	}
	if code := ErrorCode(err); code != 2 {
		t.Fatalf("ErrorCode=%d want=2", code)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	cli := &fakeClient{}
	e := newExecutor(cli)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, els := registers(0)
	rd, _ := task.NewRead("meter0", 1, task.ReadHoldingRegisters, els...)
	if _, err := e.Execute(ctx, rd); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if len(cli.calls) != 0 {
		t.Fatalf("no request expected")
	}
}

func TestErrorCode(t *testing.T) {
	if ErrorCode(nil) != 0 {
		t.Fatalf("nil must map to 0")
	}
	if ErrorCode(errors.New("x")) != 1 {
		t.Fatalf("generic error must map to 1")
	}
}

func TestDial_UnsupportedTransport(t *testing.T) {
	if _, err := New(Config{Transport: "udp", Endpoint: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(Config{Transport: "tcp"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
