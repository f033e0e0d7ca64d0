// internal/config/validate.go
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Modbus request limits per function code.
var maxQuantity = map[uint8]uint16{
	1:  2000,
	2:  2000,
	3:  125,
	4:  125,
	5:  1,
	6:  1,
	15: 1968,
	16: 123,
}

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
// Zero values are legal wherever Normalize supplies a default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}

	// ------------------------------------------------------------
	// BRIDGE
	// ------------------------------------------------------------

	b := cfg.Bridge
	if b.Endpoint == "" {
		return errors.New("bridge: endpoint is required")
	}
	switch strings.ToLower(b.Transport) {
	case "", "tcp":
	case "rtu":
		if b.BaudRate < 0 || b.DataBits < 0 || b.StopBits < 0 {
			return errors.New("bridge: serial settings must not be negative")
		}
		switch strings.ToUpper(b.Parity) {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("bridge: parity %q must be N, E or O", b.Parity)
		}
	default:
		return fmt.Errorf("bridge: unsupported transport %q", b.Transport)
	}
	if b.TimeoutMs < 0 {
		return errors.New("bridge: timeout_ms must not be negative")
	}

	// ------------------------------------------------------------
	// CYCLE / WORKER
	// ------------------------------------------------------------

	c := cfg.Cycle
	if c.PeriodMs < 0 || c.WriteOffsetMs < 0 {
		return errors.New("cycle: durations must not be negative")
	}
	period := c.PeriodMs
	if period == 0 {
		period = defaultPeriodMs
	}
	if c.WriteOffsetMs >= period {
		return fmt.Errorf("cycle: write_offset_ms %d must be below period_ms %d", c.WriteOffsetMs, period)
	}

	w := cfg.Worker
	if w.ProbeIntervalMs < 0 || w.WaitMarginMs < 0 || w.WaitWindow < 0 {
		return errors.New("worker: settings must not be negative")
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	seen := make(map[string]struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if d.ID == "" {
			return errors.New("device: id is required")
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("device %q: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}

		if len(d.Reads) == 0 && len(d.Writes) == 0 {
			return fmt.Errorf("device %q: no reads or writes", d.ID)
		}

		for i, r := range d.Reads {
			if r.FC < 1 || r.FC > 4 {
				return fmt.Errorf("device %q: read %d: unsupported fc %d", d.ID, i, r.FC)
			}
			if len(r.Values) > 0 {
				return fmt.Errorf("device %q: read %d: values are only allowed on writes", d.ID, i)
			}
			if err := validateSpan(r); err != nil {
				return fmt.Errorf("device %q: read %d: %w", d.ID, i, err)
			}
		}
		for i, wr := range d.Writes {
			switch wr.FC {
			case 5, 6, 15, 16:
			default:
				return fmt.Errorf("device %q: write %d: unsupported fc %d", d.ID, i, wr.FC)
			}
			if err := validateSpan(wr); err != nil {
				return fmt.Errorf("device %q: write %d: %w", d.ID, i, err)
			}
			if err := validateValues(wr); err != nil {
				return fmt.Errorf("device %q: write %d: %w", d.ID, i, err)
			}
		}

		for i, t := range d.Targets {
			if t.Endpoint == "" {
				return fmt.Errorf("device %q: target %d: endpoint is required", d.ID, i)
			}
			if t.TimeoutMs < 0 {
				return fmt.Errorf("device %q: target %d: timeout_ms must not be negative", d.ID, i)
			}
			for fc := range t.Offsets {
				if fc < 1 || fc > 4 {
					return fmt.Errorf("device %q: target %d: offset for unsupported fc %d", d.ID, i, fc)
				}
			}
		}
	}

	return validateTargetOverlap(cfg.Devices)
}

func validateValues(s SpanConfig) error {
	if len(s.Values) == 0 {
		return nil
	}
	if len(s.Values) != int(s.Quantity) {
		return fmt.Errorf("%d values for quantity %d", len(s.Values), s.Quantity)
	}
	if s.FC == 5 || s.FC == 15 {
		for _, v := range s.Values {
			if v > 1 {
				return fmt.Errorf("coil value %d must be 0 or 1", v)
			}
		}
	}
	return nil
}

// validateTargetOverlap rejects two reads landing on the same target addresses.
func validateTargetOverlap(devices []DeviceConfig) error {
	type span struct {
		start  uint32
		end    uint32
		device string
	}

	// key = endpoint | unit_id | destination table
	spans := make(map[string][]span)

	for _, d := range devices {
		for ti, t := range d.Targets {
			for _, r := range d.Reads {
				table := "registers"
				if r.FC == 1 || r.FC == 2 {
					table = "coils"
				}

				start := uint32(t.Offset(r.FC)) + uint32(r.Address)
				end := start + uint32(r.Quantity) - 1
				if end > 0xFFFF {
					return fmt.Errorf(
						"device %q: target %d: fc %d range %d-%d exceeds the address space",
						d.ID, ti, r.FC, start, end,
					)
				}

				key := fmt.Sprintf("%s|%d|%s", t.Endpoint, t.UnitID, table)
				for _, s := range spans[key] {
					// overlap check (inclusive)
					if !(end < s.start || start > s.end) {
						return fmt.Errorf(
							"target overlap: endpoint=%s unit_id=%d %s range=%d-%d overlaps with device=%s range=%d-%d",
							t.Endpoint, t.UnitID, table, start, end, s.device, s.start, s.end,
						)
					}
				}
				spans[key] = append(spans[key], span{start: start, end: end, device: d.ID})
			}
		}
	}

	return nil
}

func validateSpan(s SpanConfig) error {
	if s.Quantity == 0 {
		return errors.New("quantity must be > 0")
	}
	if limit := maxQuantity[s.FC]; s.Quantity > limit {
		return fmt.Errorf("quantity %d exceeds %d for fc %d", s.Quantity, limit, s.FC)
	}
	if uint32(s.Address)+uint32(s.Quantity) > 1<<16 {
		return fmt.Errorf("range %d+%d exceeds the address space", s.Address, s.Quantity)
	}
	return nil
}
