// internal/bridge/bridge.go
package bridge

import (
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// Registrar accepts and drops device protocols. *worker.Worker implements it.
type Registrar interface {
	AddProtocol(sourceID string, p *task.Protocol) error
	RemoveProtocol(sourceID string)
}

// Tracker is told about devices as soon as they are registered.
type Tracker interface {
	Register(device string)
}

// Bridge keeps the registered devices in line with the configured ones.
// Every device registers as its own source.
type Bridge struct {
	mu      sync.RWMutex
	devices map[string]*Device

	reg     Registrar
	tracker Tracker
	log     logx.Logger
}

// New creates an empty bridge. tracker may be nil.
func New(reg Registrar, tracker Tracker, log logx.Logger) *Bridge {
	return &Bridge{
		devices: make(map[string]*Device),
		reg:     reg,
		tracker: tracker,
		log:     log,
	}
}

// Apply registers new and changed devices and removes the ones no longer configured.
// Devices whose request geometry is unchanged keep their slots, and with them
// their last values; setpoint and target changes apply without re-registering.
// All devices are built before anything is registered; a build error changes nothing.
func (b *Bridge) Apply(devices []config.DeviceConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := make(map[string]*Device, len(devices))
	register := make(map[string]bool)
	for _, dc := range devices {
		cur, ok := b.devices[dc.ID]
		switch {
		case ok && reflect.DeepEqual(cur.cfg, dc):
			wanted[dc.ID] = cur
		case ok && sameGeometry(cur.cfg, dc):
			wanted[dc.ID] = cur.reconfigured(dc)
		default:
			d, err := BuildDevice(dc)
			if err != nil {
				return err
			}
			wanted[dc.ID] = d
			register[dc.ID] = true
		}
	}

	for id := range b.devices {
		if _, ok := wanted[id]; !ok {
			b.reg.RemoveProtocol(id)
			delete(b.devices, id)
			b.log.Info("device removed", logx.String("device", id))
		}
	}

	for _, dc := range devices {
		d := wanted[dc.ID]
		cur, existed := b.devices[dc.ID]
		if cur == d {
			continue
		}
		if !register[dc.ID] {
			b.devices[dc.ID] = d
			b.log.Info("device reconfigured",
				logx.String("device", dc.ID),
				logx.Int("targets", len(dc.Targets)),
			)
			continue
		}

		if err := b.reg.AddProtocol(dc.ID, d.protocol); err != nil {
			return err
		}
		b.devices[dc.ID] = d
		if b.tracker != nil {
			b.tracker.Register(dc.ID)
		}

		msg := "device added"
		if existed {
			msg = "device updated"
		}
		b.log.Info(msg,
			logx.String("device", dc.ID),
			logx.Uint8("unit_id", dc.UnitID),
			logx.Int("reads", len(d.protocol.Reads())),
			logx.Int("writes", len(d.protocol.Writes())),
			logx.Int("targets", len(dc.Targets)),
		)
	}

	return nil
}

// sameGeometry compares everything that shapes the registered tasks.
func sameGeometry(a, b config.DeviceConfig) bool {
	span := func(x, y config.SpanConfig) bool {
		return x.FC == y.FC && x.Address == y.Address && x.Quantity == y.Quantity
	}
	return a.ID == b.ID &&
		a.UnitID == b.UnitID &&
		slices.EqualFunc(a.Reads, b.Reads, span) &&
		slices.EqualFunc(a.Writes, b.Writes, span)
}

// Device returns a registered device.
func (b *Bridge) Device(id string) (*Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[id]
	return d, ok
}

// Devices lists registered device ids, sorted.
func (b *Bridge) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.devices))
	for id := range b.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
