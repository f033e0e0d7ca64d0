// cmd/bridge/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/tamzrod/modbus-bridge/internal/bridge"
	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/cycle"
	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/modbus"
	"github.com/tamzrod/modbus-bridge/internal/report"
	"github.com/tamzrod/modbus-bridge/internal/status"
	"github.com/tamzrod/modbus-bridge/internal/worker"
	"github.com/tamzrod/modbus-bridge/internal/writer"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bridge <config.yaml>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "bridge:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config.Normalize(cfg)

	log := logx.New(logx.Config{Level: cfg.Logging.Level, Console: cfg.Logging.Console}).
		With(logx.String("bridge", cfg.Bridge.ID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Transport + health
	// --------------------

	exec, err := modbus.New(modbus.Config{
		Transport: cfg.Bridge.Transport,
		Endpoint:  cfg.Bridge.Endpoint,
		Timeout:   cfg.Bridge.Timeout(),
		BaudRate:  cfg.Bridge.BaudRate,
		DataBits:  cfg.Bridge.DataBits,
		Parity:    cfg.Bridge.Parity,
		StopBits:  cfg.Bridge.StopBits,
	})
	if err != nil {
		return err
	}
	defer exec.Close()

	board := status.NewBoard(log, modbus.ErrorCode)

	// --------------------
	// Worker + devices
	// --------------------

	w := worker.New(worker.Config{
		ProbeInterval: cfg.Worker.ProbeInterval(),
		Strategy:      worker.MarginStrategy{Margin: cfg.Worker.WaitMargin()},
		WaitWindow:    cfg.Worker.WaitWindow,
		Log:           log,
	}, exec, board)

	b := bridge.New(w, board, log)
	if err := b.Apply(cfg.Devices); err != nil {
		return err
	}

	w.Start(ctx)
	defer w.Stop()

	go func() {
		if err := b.Watch(ctx, cfgPath, bridge.DefaultDebounce); err != nil {
			log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	// --------------------
	// Target replication
	// --------------------

	wr := writer.New(b, log)
	defer wr.Close()
	go wr.Run(ctx)

	// --------------------
	// Health report
	// --------------------

	rep, err := report.New(cfg.Report.Schedule, w, board, log)
	if err != nil {
		return err
	}
	rep.Start()
	defer rep.Stop()

	// --------------------
	// Cycle clock (blocks)
	// --------------------

	clock, err := cycle.New(cfg.Cycle.Period(), cfg.Cycle.WriteOffset(), log, w, wr)
	if err != nil {
		return err
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}
	log.Info("bridge started",
		logx.String("transport", cfg.Bridge.Transport),
		logx.String("endpoint", cfg.Bridge.Endpoint),
		logx.Int("devices", len(cfg.Devices)),
	)

	clock.Run(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("bridge stopping", logx.Int("cycles", int(clock.Cycles())))
	return nil
}
