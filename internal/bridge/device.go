// internal/bridge/device.go
package bridge

import (
	"fmt"
	"slices"

	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/element"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// Device is one configured Modbus device: its value slots and its tasks.
// Reads and writes touching the same table and address share one slot.
type Device struct {
	ID     string
	UnitID uint8

	coils    map[uint16]*element.Coil
	discrete map[uint16]*element.Coil
	holding  map[uint16]*element.Register
	input    map[uint16]*element.Register

	protocol *task.Protocol
	cfg      config.DeviceConfig
}

// BuildDevice turns a validated device config into slots and a protocol.
func BuildDevice(dc config.DeviceConfig) (*Device, error) {
	d := &Device{
		ID:       dc.ID,
		UnitID:   dc.UnitID,
		coils:    make(map[uint16]*element.Coil),
		discrete: make(map[uint16]*element.Coil),
		holding:  make(map[uint16]*element.Register),
		input:    make(map[uint16]*element.Register),
		cfg:      dc,
	}

	tasks := make([]task.Task, 0, len(dc.Reads)+len(dc.Writes))

	for i, r := range dc.Reads {
		fc := task.Function(r.FC)
		rd, err := task.NewRead(dc.ID, dc.UnitID, fc, d.elements(fc, r)...)
		if err != nil {
			return nil, fmt.Errorf("bridge: device %q read %d: %w", dc.ID, i, err)
		}
		tasks = append(tasks, rd)
	}
	for i, w := range dc.Writes {
		fc := task.Function(w.FC)
		wr, err := task.NewWrite(dc.ID, dc.UnitID, fc, d.elements(fc, w)...)
		if err != nil {
			return nil, fmt.Errorf("bridge: device %q write %d: %w", dc.ID, i, err)
		}
		tasks = append(tasks, wr)
	}

	p, err := task.NewProtocol(tasks...)
	if err != nil {
		return nil, fmt.Errorf("bridge: device %q: %w", dc.ID, err)
	}
	d.protocol = p
	d.armSetpoints()
	return d, nil
}

// reconfigured returns a device sharing d's slots and protocol under a config
// that differs only in setpoints or targets. Changed setpoints are re-armed.
func (d *Device) reconfigured(dc config.DeviceConfig) *Device {
	nd := *d
	nd.cfg = dc
	if !slices.EqualFunc(d.cfg.Writes, dc.Writes, func(a, b config.SpanConfig) bool {
		return slices.Equal(a.Values, b.Values)
	}) {
		nd.armSetpoints()
	}
	return &nd
}

// ---- setpoints ----

// armSetpoints queues the configured write values. A slot that is invalidated
// later (failed write, failed read, device lost) queues its setpoint again, so
// the device gets it re-asserted once communication is back.
func (d *Device) armSetpoints() {
	for _, w := range d.cfg.Writes {
		bits := task.Function(w.FC).IsBit()
		for i := uint16(0); i < w.Quantity; i++ {
			addr := w.Address + i
			set := int(i) < len(w.Values)
			switch {
			case bits && set:
				arm(d.coils[addr], w.Values[i] != 0)
			case bits:
				disarm(d.coils[addr])
			case set:
				arm(d.holding[addr], w.Values[i])
			default:
				disarm(d.holding[addr])
			}
		}
	}
}

func arm[T element.Value](s *element.Slot[T], v T) {
	s.SetNextWrite(v)
	s.OnInvalidate(func() {
		if !s.HasNextWrite() {
			s.SetNextWrite(v)
		}
	})
}

func disarm[T element.Value](s *element.Slot[T]) {
	s.OnInvalidate(nil)
	s.TakeNextWrite()
}

func (d *Device) elements(fc task.Function, s config.SpanConfig) []task.Element {
	out := make([]task.Element, 0, s.Quantity)
	for i := uint16(0); i < s.Quantity; i++ {
		addr := s.Address + i
		switch fc {
		case task.ReadCoils, task.WriteSingleCoil, task.WriteMultipleCoils:
			out = append(out, slot(d.coils, addr, element.NewCoil))
		case task.ReadDiscreteInputs:
			out = append(out, slot(d.discrete, addr, element.NewCoil))
		case task.ReadHoldingRegisters, task.WriteSingleRegister, task.WriteMultipleRegisters:
			out = append(out, slot(d.holding, addr, element.NewRegister))
		case task.ReadInputRegisters:
			out = append(out, slot(d.input, addr, element.NewRegister))
		}
	}
	return out
}

func slot[T element.Value](table map[uint16]*element.Slot[T], addr uint16, mk func(uint16) *element.Slot[T]) *element.Slot[T] {
	s, ok := table[addr]
	if !ok {
		s = mk(addr)
		table[addr] = s
	}
	return s
}

func (d *Device) Protocol() *task.Protocol { return d.protocol }

// Targets are the servers the device's read values are copied to.
func (d *Device) Targets() []config.TargetConfig { return d.cfg.Targets }

func (d *Device) Coil(addr uint16) (*element.Coil, bool) {
	c, ok := d.coils[addr]
	return c, ok
}

func (d *Device) DiscreteInput(addr uint16) (*element.Coil, bool) {
	c, ok := d.discrete[addr]
	return c, ok
}

func (d *Device) HoldingRegister(addr uint16) (*element.Register, bool) {
	r, ok := d.holding[addr]
	return r, ok
}

func (d *Device) InputRegister(addr uint16) (*element.Register, bool) {
	r, ok := d.input[addr]
	return r, ok
}
