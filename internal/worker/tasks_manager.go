// internal/worker/tasks_manager.go
package worker

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/tamzrod/modbus-bridge/internal/task"
)

// TasksManager owns the registered protocols and selects the next batches.
//
// Tasks of defective devices are skipped. At most one task per defective
// device is let through per probe interval so recovery is detected.
type TasksManager struct {
	mu        sync.Mutex
	protocols map[string]*task.Protocol
	order     []string // source ids, registration order

	defective *DefectiveDevices
	probes    *catrate.Limiter // nil: probe every batch
}

// NewTasksManager builds a selector. probeInterval <= 0 probes defective devices every batch.
func NewTasksManager(defective *DefectiveDevices, probeInterval time.Duration) *TasksManager {
	m := &TasksManager{
		protocols: make(map[string]*task.Protocol),
		defective: defective,
	}
	if probeInterval > 0 {
		m.probes = catrate.NewLimiter(map[time.Duration]int{probeInterval: 1})
	}
	return m
}

// AddProtocol registers a source. An existing registration for the same id is replaced.
func (m *TasksManager) AddProtocol(sourceID string, p *task.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.protocols[sourceID]; !ok {
		m.order = append(m.order, sourceID)
	}
	m.protocols[sourceID] = p
}

// RemoveProtocol unregisters a source and returns its protocol, if any.
func (m *TasksManager) RemoveProtocol(sourceID string) *task.Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.protocols[sourceID]
	if !ok {
		return nil
	}
	delete(m.protocols, sourceID)
	for i, id := range m.order {
		if id == sourceID {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return p
}

// HasDevice reports whether any registered protocol references the device.
func (m *TasksManager) HasDevice(device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.protocols {
		for _, d := range p.Devices() {
			if d == device {
				return true
			}
		}
	}
	return false
}

// CountReadTasks returns the number of registered read tasks.
func (m *TasksManager) CountReadTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.protocols {
		n += len(p.Reads())
	}
	return n
}

// NextReadTasks returns the next read batch.
func (m *TasksManager) NextReadTasks() []task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel := m.newSelection("")
	var out []task.Task
	for _, id := range m.order {
		for _, r := range m.protocols[id].Reads() {
			if sel.admit(r.Device()) {
				out = append(out, r)
			}
		}
	}
	return out
}

// NextWriteTasks returns the next write batch.
func (m *TasksManager) NextWriteTasks() []*task.Write {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel := m.newSelection(":w")
	var out []*task.Write
	for _, id := range m.order {
		for _, w := range m.protocols[id].Writes() {
			if sel.admit(w.Device()) {
				out = append(out, w)
			}
		}
	}
	return out
}

// ---- per-batch probe decisions ----

type selection struct {
	m      *TasksManager
	kind   string          // probe category suffix: reads and writes are probed independently
	probed map[string]bool // device -> probe already granted (true) or denied (false)
}

func (m *TasksManager) newSelection(kind string) *selection {
	return &selection{m: m, kind: kind, probed: make(map[string]bool)}
}

// admit decides whether a task of the device joins the batch.
// Healthy devices always pass; a defective device passes once, if its probe is due.
func (s *selection) admit(device string) bool {
	if s.m.defective == nil || !s.m.defective.IsDefective(device) {
		return true
	}
	if _, decided := s.probed[device]; decided {
		return false
	}
	_, ok := s.m.probes.Allow(device + s.kind)
	s.probed[device] = ok
	return ok
}
