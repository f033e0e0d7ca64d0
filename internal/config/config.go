// internal/config/config.go
package config

import (
	"time"
)

type Config struct {
	Bridge  BridgeConfig   `yaml:"bridge"`
	Cycle   CycleConfig    `yaml:"cycle"`
	Worker  WorkerConfig   `yaml:"worker"`
	Logging LoggingConfig  `yaml:"logging"`
	Report  ReportConfig   `yaml:"report"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ---- BRIDGE (TRANSPORT) ----

type BridgeConfig struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // tcp | rtu
	Endpoint  string `yaml:"endpoint"`  // host:port or serial device
	TimeoutMs int    `yaml:"timeout_ms"`

	// RTU only
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

// ---- CYCLE ----

type CycleConfig struct {
	PeriodMs      int `yaml:"period_ms"`
	WriteOffsetMs int `yaml:"write_offset_ms"`
}

// ---- WORKER ----

type WorkerConfig struct {
	ProbeIntervalMs int `yaml:"probe_interval_ms"`
	WaitMarginMs    int `yaml:"wait_margin_ms"`
	WaitWindow      int `yaml:"wait_window"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type ReportConfig struct {
	Schedule string `yaml:"schedule"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID      string         `yaml:"id"`
	UnitID  uint8          `yaml:"unit_id"`
	Reads   []SpanConfig   `yaml:"reads"`
	Writes  []SpanConfig   `yaml:"writes"`
	Targets []TargetConfig `yaml:"targets"`
}

// SpanConfig is one contiguous request geometry.
type SpanConfig struct {
	FC       uint8  `yaml:"fc"`
	Address  uint16 `yaml:"address"`
	Quantity uint16 `yaml:"quantity"`

	// Writes only: setpoints, one per address (coils: 0 or 1).
	Values []uint16 `yaml:"values"`
}

// ---- TARGET ----

// TargetConfig is a Modbus TCP server the device's read values are copied to.
// Coils and discrete inputs land in coils, holding and input registers in
// holding registers, each at offset + source address.
type TargetConfig struct {
	Endpoint  string         `yaml:"endpoint"`
	UnitID    uint8          `yaml:"unit_id"`
	TimeoutMs int            `yaml:"timeout_ms"`
	Offsets   map[int]uint16 `yaml:"offsets"` // per read FC; missing FC => 0
}

func (t TargetConfig) Timeout() time.Duration { return ms(t.TimeoutMs) }

// Offset returns the destination offset of a read function code.
func (t TargetConfig) Offset(fc uint8) uint16 {
	if t.Offsets == nil {
		return 0
	}
	return t.Offsets[int(fc)]
}

// ---- DURATIONS ----

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (b BridgeConfig) Timeout() time.Duration       { return ms(b.TimeoutMs) }
func (c CycleConfig) Period() time.Duration         { return ms(c.PeriodMs) }
func (c CycleConfig) WriteOffset() time.Duration    { return ms(c.WriteOffsetMs) }
func (w WorkerConfig) ProbeInterval() time.Duration { return ms(w.ProbeIntervalMs) }
func (w WorkerConfig) WaitMargin() time.Duration    { return ms(w.WaitMarginMs) }
