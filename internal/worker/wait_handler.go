// internal/worker/wait_handler.go
package worker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/task"
)

const defaultWaitWindow = 10

// WaitHandler aligns the end of a read pass with the read deadline.
//
// It keeps a window of recent cycle intervals and spare times, an estimate of
// the read pass duration and the number of cycles the last pass took. The
// sizing itself is delegated to a WaitStrategy.
//
// The handler also owns the active-wait slot: the wait the worker is
// sleeping on, and the cancel func that preempts it.
type WaitHandler struct {
	mu       sync.Mutex
	now      func() time.Time
	strategy WaitStrategy
	window   int

	readCount    int
	lastDeadline time.Time
	intervals    []time.Duration
	spares       []time.Duration
	busy         time.Duration
	lastWait     time.Duration

	passActive     bool
	passStart      time.Time
	passCycles     int
	lastPassCycles int
	finished       bool
	finishedAt     time.Time
	defectiveSeen  bool
	tooShort       bool

	activeMu    sync.Mutex
	active      *task.Wait
	cancel      context.CancelFunc
	activeStart time.Time
	activeFor   time.Duration

	// A preempted wait resumes with what it had left, not its full duration.
	resumeWait *task.Wait
	resumeFor  time.Duration
}

// NewWaitHandler builds a handler. A nil strategy disables waits.
func NewWaitHandler(strategy WaitStrategy, window int) *WaitHandler {
	if window <= 0 {
		window = defaultWaitWindow
	}
	return &WaitHandler{
		now:      time.Now,
		strategy: strategy,
		window:   window,
	}
}

// Resize updates the read task count. The pass estimate scales with the
// count, and recorded spare times shrink by the added work.
func (h *WaitHandler) Resize(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if count == h.readCount {
		return
	}
	old := h.readCount
	h.readCount = count

	if old > 0 && h.busy > 0 {
		perTask := h.busy / time.Duration(old)
		busy := perTask * time.Duration(count)
		if delta := busy - h.busy; delta > 0 {
			for i := range h.spares {
				h.spares[i] -= delta
			}
		}
		h.busy = busy
	}

	if h.requiredCyclesLocked() > 1 {
		h.tooShort = true
	}
}

// OnReadDeadline records the checkpoint and updates the verdict.
func (h *WaitHandler) OnReadDeadline() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !h.lastDeadline.IsZero() {
		h.intervals = push(h.intervals, now.Sub(h.lastDeadline), h.window)
	}
	h.lastDeadline = now

	switch {
	case h.finished:
		// Fast failures of defective devices make spare time look larger than it is.
		if !h.defectiveSeen {
			h.spares = push(h.spares, now.Sub(h.finishedAt), h.window)
		}
		h.finished = false
	case h.passActive:
		h.passCycles++
	}
	h.defectiveSeen = false

	h.tooShort = h.lastPassCycles > 1 ||
		(h.passActive && h.passCycles > 1) ||
		h.requiredCyclesLocked() > 1
}

// GetWait starts a read pass and returns the wait to run before it, or nil.
func (h *WaitHandler) GetWait() *task.Wait {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.finished = false
	if h.readCount == 0 {
		h.passActive = false
		return nil
	}
	h.passActive = true
	h.passStart = h.now()
	h.passCycles = 1

	if h.strategy == nil || h.requiredCyclesLocked() > 1 {
		h.lastWait = 0
		return nil
	}

	stats := h.statsLocked()
	d := h.strategy.NextWait(stats)
	// Never plan a wait the pass cannot absorb within one period.
	if stats.Period > 0 {
		if limit := stats.Period - stats.ReadBusy; d > limit {
			d = limit
		}
	}
	if d <= 0 {
		h.lastWait = 0
		return nil
	}
	h.lastWait = d
	return task.NewWait(d)
}

// OnAllFinished is called when the worker drained both queues.
func (h *WaitHandler) OnAllFinished() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.passActive {
		return
	}
	now := h.now()
	h.passActive = false
	h.finished = true
	h.finishedAt = now
	h.lastPassCycles = h.passCycles

	if !h.defectiveSeen {
		busy := now.Sub(h.passStart) - h.lastWait
		if busy < 0 {
			busy = 0
		}
		if h.busy == 0 {
			h.busy = busy
		} else {
			h.busy = (3*h.busy + busy) / 4
		}
	}

	if h.passCycles > 1 {
		// The pass overran: restart alignment from zero.
		h.lastWait = 0
		h.spares = h.spares[:0]
	}
}

// MarkDefectiveDeviceSeen flags the current cycle as containing a fast failure.
func (h *WaitHandler) MarkDefectiveDeviceSeen() {
	h.mu.Lock()
	h.defectiveSeen = true
	h.mu.Unlock()
}

// IsCycleTimeTooShort is the latest verdict.
func (h *WaitHandler) IsCycleTimeTooShort() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tooShort
}

// Stats returns the current strategy input.
func (h *WaitHandler) Stats() WaitStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *WaitHandler) statsLocked() WaitStats {
	s := WaitStats{
		LastWait: h.lastWait,
		ReadBusy: h.busy,
	}
	if len(h.intervals) > 0 {
		s.Period = slices.Min(h.intervals)
	}
	if len(h.spares) > 0 {
		s.Spare = slices.Min(h.spares)
		s.HasSpare = true
	}
	return s
}

// requiredCyclesLocked estimates how many cycles one read pass needs.
func (h *WaitHandler) requiredCyclesLocked() int {
	if len(h.intervals) == 0 || h.busy <= 0 {
		return 1
	}
	period := slices.Min(h.intervals)
	if period <= 0 {
		return 1
	}
	return int((h.busy + period - 1) / period)
}

// ---- active wait slot ----

// activate stores w as the active wait. It returns the context its sleep
// observes and how long to sleep.
func (h *WaitHandler) activate(parent context.Context, w *task.Wait) (context.Context, time.Duration) {
	ctx, cancel := context.WithCancel(parent)

	h.activeMu.Lock()
	defer h.activeMu.Unlock()

	d := w.Duration
	if h.resumeWait == w {
		d = h.resumeFor
		h.resumeWait = nil
	}
	h.active = w
	h.cancel = cancel
	h.activeStart = h.now()
	h.activeFor = d
	return ctx, d
}

// deactivate clears the slot if it still holds w.
func (h *WaitHandler) deactivate(w *task.Wait) {
	h.activeMu.Lock()
	defer h.activeMu.Unlock()
	if h.active != w {
		return
	}
	h.cancel()
	h.active = nil
	h.cancel = nil
}

// preempt cancels the active wait, clears the slot and returns the wait
// with the time it has left. Its next activation sleeps only that long.
func (h *WaitHandler) preempt() (*task.Wait, time.Duration) {
	h.activeMu.Lock()
	defer h.activeMu.Unlock()
	w := h.active
	if w == nil {
		return nil, 0
	}
	h.cancel()

	left := h.activeFor - h.now().Sub(h.activeStart)
	if left < 0 {
		left = 0
	}
	h.resumeWait = w
	h.resumeFor = left

	h.active = nil
	h.cancel = nil
	return w, left
}

// ActiveWait returns the wait currently executing, or nil.
func (h *WaitHandler) ActiveWait() *task.Wait {
	h.activeMu.Lock()
	defer h.activeMu.Unlock()
	return h.active
}

func push(ring []time.Duration, v time.Duration, size int) []time.Duration {
	ring = append(ring, v)
	if len(ring) > size {
		ring = ring[len(ring)-size:]
	}
	return ring
}
