// internal/worker/defective.go
package worker

import (
	"sort"
	"sync"
	"time"
)

// DefectiveDevices tracks devices whose most recent operation failed.
// Mark operations are idempotent.
type DefectiveDevices struct {
	mu    sync.RWMutex
	since map[string]time.Time
	now   func() time.Time
}

func NewDefectiveDevices() *DefectiveDevices {
	return &DefectiveDevices{
		since: make(map[string]time.Time),
		now:   time.Now,
	}
}

// MarkDefective adds the device. Returns true if it was healthy before.
func (d *DefectiveDevices) MarkDefective(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.since[id]; ok {
		return false
	}
	d.since[id] = d.now()
	return true
}

// MarkHealthy removes the device. Returns true if it was defective before.
func (d *DefectiveDevices) MarkHealthy(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.since[id]; !ok {
		return false
	}
	delete(d.since, id)
	return true
}

func (d *DefectiveDevices) IsDefective(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.since[id]
	return ok
}

// Since returns when the device became defective.
func (d *DefectiveDevices) Since(id string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.since[id]
	return t, ok
}

// List returns the defective devices, sorted.
func (d *DefectiveDevices) List() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.since))
	for id := range d.since {
		out = append(out, id)
	}
	d.mu.RUnlock()

	sort.Strings(out)
	return out
}
