// internal/config/normalize.go
package config

import "strings"

const (
	defaultTimeoutMs       = 1000
	defaultPeriodMs        = 1000
	defaultProbeIntervalMs = 10_000
	defaultWaitMarginMs    = 30
	defaultWaitWindow      = 10
	defaultBaudRate        = 9600
	defaultDataBits        = 8
	defaultStopBits        = 1
	defaultLevel           = "info"
	defaultSchedule        = "@every 1m"
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	b := &cfg.Bridge
	b.Transport = strings.ToLower(b.Transport)
	if b.Transport == "" {
		b.Transport = "tcp"
	}
	if b.ID == "" {
		b.ID = b.Endpoint
	}
	if b.TimeoutMs == 0 {
		b.TimeoutMs = defaultTimeoutMs
	}
	if b.Transport == "rtu" {
		if b.BaudRate == 0 {
			b.BaudRate = defaultBaudRate
		}
		if b.DataBits == 0 {
			b.DataBits = defaultDataBits
		}
		if b.StopBits == 0 {
			b.StopBits = defaultStopBits
		}
		b.Parity = strings.ToUpper(b.Parity)
		if b.Parity == "" {
			b.Parity = "N"
		}
	}

	c := &cfg.Cycle
	if c.PeriodMs == 0 {
		c.PeriodMs = defaultPeriodMs
	}
	if c.WriteOffsetMs == 0 {
		c.WriteOffsetMs = c.PeriodMs / 3
	}

	w := &cfg.Worker
	if w.ProbeIntervalMs == 0 {
		w.ProbeIntervalMs = defaultProbeIntervalMs
	}
	if w.WaitMarginMs == 0 {
		w.WaitMarginMs = defaultWaitMarginMs
	}
	if w.WaitWindow == 0 {
		w.WaitWindow = defaultWaitWindow
	}

	for di := range cfg.Devices {
		d := &cfg.Devices[di]
		for ti := range d.Targets {
			if d.Targets[ti].TimeoutMs == 0 {
				d.Targets[ti].TimeoutMs = b.TimeoutMs
			}
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLevel
	}
	if cfg.Report.Schedule == "" {
		cfg.Report.Schedule = defaultSchedule
	}
}
