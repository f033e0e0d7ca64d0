// internal/worker/helpers_test.go
package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/element"
	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// ---- fake executor ----

type fakeExecutor struct {
	mu    sync.Mutex
	calls []task.Task
	fail  map[string]bool

	delay   time.Duration
	block   chan struct{} // writes block until closed
	started chan task.Task
}

func (f *fakeExecutor) Execute(ctx context.Context, t task.Task) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	fail := f.fail[t.Device()]
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- t:
		default:
		}
	}
	if _, ok := t.(*task.Write); ok && f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		return 0, errors.New("device unreachable")
	}
	return 1, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) snapshot() []task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Task(nil), f.calls...)
}

// ---- fake health observer ----

type fakeHealth struct {
	mu        sync.Mutex
	failed    map[string]bool
	tooShort  []bool
	forgotten []string
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{failed: map[string]bool{}}
}

func (f *fakeHealth) SetCommunicationFailed(device string, failed bool, err error) {
	f.mu.Lock()
	f.failed[device] = failed
	f.mu.Unlock()
}

func (f *fakeHealth) SetCycleTimeTooShort(v bool) {
	f.mu.Lock()
	f.tooShort = append(f.tooShort, v)
	f.mu.Unlock()
}

func (f *fakeHealth) Forget(device string) {
	f.mu.Lock()
	delete(f.failed, device)
	f.forgotten = append(f.forgotten, device)
	f.mu.Unlock()
}

func (f *fakeHealth) isFailed(device string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.failed[device]
	return v, ok
}

// ---- log capture ----

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func testLogger(buf *syncBuffer) logx.Logger {
	return logx.NewWriter(logx.Config{Level: "debug"}, buf)
}

// ---- tasks ----

func newRead(t *testing.T, device string, addr uint16) (*task.Read, *element.Register) {
	t.Helper()
	reg := element.NewRegister(addr)
	r, err := task.NewRead(device, 1, task.ReadHoldingRegisters, reg)
	if err != nil {
		t.Fatalf("NewRead err=%v", err)
	}
	return r, reg
}

func newWrite(t *testing.T, device string, addr uint16) (*task.Write, *element.Register) {
	t.Helper()
	reg := element.NewRegister(addr)
	reg.SetNextWrite(1)
	w, err := task.NewWrite(device, 1, task.WriteMultipleRegisters, reg)
	if err != nil {
		t.Fatalf("NewWrite err=%v", err)
	}
	return w, reg
}

func newProtocol(t *testing.T, tasks ...task.Task) *task.Protocol {
	t.Helper()
	p, err := task.NewProtocol(tasks...)
	if err != nil {
		t.Fatalf("NewProtocol err=%v", err)
	}
	return p
}

// ---- timing ----

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// passActive reports whether a read pass is still running.
func passActive(h *WaitHandler) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passActive
}

// waitPassDone blocks until the worker reported the current read pass as finished.
func waitPassDone(t *testing.T, w *Worker) {
	t.Helper()
	eventually(t, 2*time.Second, func() bool { return !passActive(w.wait) }, "read pass finished")
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
