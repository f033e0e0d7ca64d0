// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// Executor is the transport collaborator.
// It returns the number of sub-operations performed, or an error.
type Executor interface {
	Execute(ctx context.Context, t task.Task) (int, error)
}

// HealthObserver receives device health and the cycle verdict.
// The worker writes it and never reads it back.
type HealthObserver interface {
	SetCommunicationFailed(device string, failed bool, err error)
	SetCycleTimeTooShort(tooShort bool)
	Forget(device string)
}

// Config is the worker runtime config.
type Config struct {
	BridgeID      string
	ProbeInterval time.Duration
	Strategy      WaitStrategy // nil: no waits
	WaitWindow    int
	Log           logx.Logger
}

// Worker schedules all Modbus tasks of one bridge.
//
// Write tasks run as early as possible after the write deadline; read tasks
// run as late as possible before the read deadline. One goroutine executes
// tasks; the two deadline callbacks only fill queues and signal it.
type Worker struct {
	log    logx.Logger
	exec   Executor
	health HealthObserver

	defective *DefectiveDevices
	tasks     *TasksManager
	wait      *WaitHandler

	// checkpointMu serializes OnReadDeadline and OnWriteDeadline.
	checkpointMu sync.Mutex

	// mu guards both queues. Lock order: mu -> WaitHandler locks.
	mu           sync.Mutex
	writeQueue   []*task.Write
	readQueue    []task.Task
	signal       chan struct{}
	readOverlap  *rate.Limiter
	writeOverlap *rate.Limiter

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, exec Executor, health HealthObserver) *Worker {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BridgeID != "" {
		log = log.With(logx.String("bridge", cfg.BridgeID))
	}
	if health == nil {
		health = nopHealth{}
	}

	defective := NewDefectiveDevices()
	return &Worker{
		log:       log,
		exec:      exec,
		health:    health,
		defective: defective,
		tasks:     NewTasksManager(defective, cfg.ProbeInterval),
		wait:      NewWaitHandler(cfg.Strategy, cfg.WaitWindow),
		signal:    make(chan struct{}, 1),

		// First overlap is always logged; then at most one per minute.
		readOverlap:  rate.NewLimiter(rate.Every(time.Minute), 1),
		writeOverlap: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// ---- lifecycle ----

// Start runs the worker loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop cancels the loop, including an active wait, and waits for it to exit.
// An in-flight read or write still runs to completion.
func (w *Worker) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		st, ok := w.next(ctx)
		if !ok {
			return
		}
		w.execute(ctx, st)
	}
}

// ---- checkpoints ----

// OnReadDeadline is called once per cycle at the point read results must be current.
func (w *Worker) OnReadDeadline() {
	w.checkpointMu.Lock()
	defer w.checkpointMu.Unlock()

	// The handler adapts to the number of tasks and the cycles they need.
	w.wait.Resize(w.tasks.CountReadTasks())
	w.wait.OnReadDeadline()
	w.health.SetCycleTimeTooShort(w.wait.IsCycleTimeTooShort())

	w.mu.Lock()
	if len(w.readQueue) > 0 {
		pending := len(w.readQueue)
		w.mu.Unlock()
		// The read pass spans multiple cycles; continue it.
		if w.readOverlap.Allow() {
			w.log.Info("previous read queue is not empty on read deadline", logx.Int("pending", pending))
		}
		return
	}

	if wt := w.wait.GetWait(); wt != nil {
		w.readQueue = append(w.readQueue, wt)
	}
	w.readQueue = append(w.readQueue, w.tasks.NextReadTasks()...)
	w.mu.Unlock()

	w.release()
}

// OnWriteDeadline is called once per cycle at the point writes must be issued.
func (w *Worker) OnWriteDeadline() {
	w.checkpointMu.Lock()
	defer w.checkpointMu.Unlock()

	w.mu.Lock()

	// An active wait is interrupted now and scheduled again after the writes.
	preempted, left := w.wait.preempt()

	if len(w.writeQueue) > 0 {
		pending := len(w.writeQueue)
		if preempted != nil {
			w.pushReadFrontLocked(preempted)
		}
		w.mu.Unlock()
		if w.writeOverlap.Allow() {
			w.log.Warn("previous write queue is not empty on write deadline", logx.Int("pending", pending))
		}
		return
	}

	w.writeQueue = append(w.writeQueue, w.tasks.NextWriteTasks()...)
	if preempted != nil {
		w.pushReadFrontLocked(preempted)
	}
	w.mu.Unlock()

	if preempted != nil {
		w.log.Debug("wait preempted by write deadline",
			logx.Duration("wait", preempted.Duration),
			logx.Duration("left", left),
		)
	}
	w.release()
}

func (w *Worker) pushReadFrontLocked(t task.Task) {
	w.readQueue = append([]task.Task{t}, w.readQueue...)
}

// release wakes the worker if it is blocked on empty queues.
func (w *Worker) release() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// ---- loop ----

// next pops the next task: writes first, then reads. If both queues are
// empty the wait handler is told and the loop blocks until a checkpoint
// signals. For a wait task the returned step carries the context preemption
// cancels and the time left to sleep.
func (w *Worker) next(ctx context.Context) (step, bool) {
	for {
		w.mu.Lock()
		if t := w.popLocked(); t != nil {
			st := step{task: t}
			if wt, ok := t.(*task.Wait); ok {
				// Activated under mu so a concurrent write deadline always sees it.
				st.waitCtx, st.waitFor = w.wait.activate(ctx, wt)
			}
			w.mu.Unlock()
			return st, true
		}
		w.wait.OnAllFinished()
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return step{}, false
		case <-w.signal:
		}
	}
}

func (w *Worker) popLocked() task.Task {
	if len(w.writeQueue) > 0 {
		t := w.writeQueue[0]
		w.writeQueue[0] = nil
		w.writeQueue = w.writeQueue[1:]
		return t
	}
	if len(w.readQueue) > 0 {
		t := w.readQueue[0]
		w.readQueue[0] = nil
		w.readQueue = w.readQueue[1:]
		return t
	}
	return nil
}

// step is one popped task ready to execute.
type step struct {
	task    task.Task
	waitCtx context.Context
	waitFor time.Duration
}

func (w *Worker) execute(ctx context.Context, st step) {
	switch t := st.task.(type) {
	case *task.Wait:
		sleep(st.waitCtx, st.waitFor)
		w.wait.deactivate(t)

	case *task.Read, *task.Write:
		if ctx.Err() != nil {
			return
		}
		n, err := w.exec.Execute(ctx, t)
		if err != nil && ctx.Err() != nil {
			// stopping; the device is not to blame
			return
		}
		if err != nil {
			w.log.Warn("task execution failed", logx.String("device", t.Device()), logx.String("task", t.String()), logx.Err(err))
			w.markDefective(t.Device(), true, err)

			for _, e := range t.Elements() {
				e.Invalidate()
			}
			return
		}
		if n > 0 {
			w.markDefective(t.Device(), false, nil)
		}
	}
}

// sleep blocks for d or until ctx is cancelled. Cancellation is the normal
// preemption path and is not an error.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// markDefective updates the defective set, the observer and the wait handler.
func (w *Worker) markDefective(device string, defective bool, err error) {
	if device == "" {
		return
	}
	if defective {
		if w.defective.MarkDefective(device) {
			w.log.Warn("device marked defective", logx.String("device", device))
		}
		w.wait.MarkDefectiveDeviceSeen()
	} else if since, ok := w.defective.Since(device); ok && w.defective.MarkHealthy(device) {
		w.log.Info("device recovered",
			logx.String("device", device),
			logx.Duration("defective_for", time.Since(since)),
		)
	}
	w.health.SetCommunicationFailed(device, defective, err)
}

// ---- registration ----

// AddProtocol registers (or replaces) the tasks of a source.
func (w *Worker) AddProtocol(sourceID string, p *task.Protocol) error {
	if sourceID == "" {
		return errors.New("worker: source id required")
	}
	if p == nil {
		return errors.New("worker: protocol required")
	}
	w.tasks.AddProtocol(sourceID, p)
	return nil
}

// RemoveProtocol unregisters a source. Its devices leave the defective set
// and the observer unless another source still references them.
func (w *Worker) RemoveProtocol(sourceID string) {
	p := w.tasks.RemoveProtocol(sourceID)
	if p == nil {
		return
	}
	for _, d := range p.Devices() {
		if w.tasks.HasDevice(d) {
			continue
		}
		w.defective.MarkHealthy(d)
		w.health.Forget(d)
	}
}

// ---- observability ----

// Defective returns the devices currently marked defective.
func (w *Worker) Defective() []string { return w.defective.List() }

// IsDefective reports whether the device is currently marked defective.
func (w *Worker) IsDefective(device string) bool { return w.defective.IsDefective(device) }

// IsCycleTimeTooShort is the latest wait handler verdict.
func (w *Worker) IsCycleTimeTooShort() bool { return w.wait.IsCycleTimeTooShort() }

// ActiveWait returns the wait currently executing, or nil.
func (w *Worker) ActiveWait() *task.Wait { return w.wait.ActiveWait() }

// WaitStats returns the inputs of the last wait calculation.
func (w *Worker) WaitStats() WaitStats { return w.wait.Stats() }

// QueueLen returns the number of queued write and read tasks.
func (w *Worker) QueueLen() (writes, reads int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writeQueue), len(w.readQueue)
}

type nopHealth struct{}

func (nopHealth) SetCommunicationFailed(string, bool, error) {}
func (nopHealth) SetCycleTimeTooShort(bool)                  {}
func (nopHealth) Forget(string)                              {}
