// Virtual pin host assembly
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package host wires the virtual pin chip and every config module into one
// printer object tree and runs it.
package host

import (
	"context"
	"fmt"

	"klipper-vpin/pkg/buttons"
	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/endstop"
	"klipper-vpin/pkg/gpiomirror"
	"klipper-vpin/pkg/history"
	"klipper-vpin/pkg/idle"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/macro"
	"klipper-vpin/pkg/metrics"
	"klipper-vpin/pkg/mqttbridge"
	"klipper-vpin/pkg/pauseresume"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/runout"
	"klipper-vpin/pkg/statusapi"
	"klipper-vpin/pkg/vpin"
)

// Options replaces the parts of the host that touch the outside world.
// Zero values select the real implementations.
type Options struct {
	Clock      reactor.Clock
	MQTTClient mqttbridge.ClientFactory
	GPIOLine   gpiomirror.Opener
	Observer   Observer
}

// Host owns the reactor and the printer object tree.
type Host struct {
	reactor *reactor.Reactor
	printer *printer.Printer
	chip    *vpin.Chip
	metrics *metrics.HostMetrics
	history *history.Recorder
	log     *log.Logger
}

// New builds a host with every module factory registered. No config is
// loaded yet.
func New(opts Options) (*Host, error) {
	clock := opts.Clock
	if clock == nil {
		clock = reactor.NewSystemClock()
	}
	r := reactor.NewWithClock(clock)
	p := printer.New(r)
	hm := metrics.NewHostMetrics()
	rec := history.Register(p)
	observers := fanout{hm, rec}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}

	chip, err := vpin.Register(p, observers)
	if err != nil {
		return nil, fmt.Errorf("virtual pins: %w", err)
	}
	macro.Register(p)
	buttons.Register(p)
	idle.Register(p)
	pauseresume.Register(p)
	runout.Register(p, observers)
	endstop.Register(p)
	metrics.Register(p, hm)
	statusapi.Register(p, func(script string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		hm.GCodeCommandsTotal.Inc(metrics.Labels{"result": result})
	})
	mqttbridge.Register(p, opts.MQTTClient)
	gpiomirror.Register(p, opts.GPIOLine)

	return &Host{
		reactor: r,
		printer: p,
		chip:    chip,
		metrics: hm,
		history: rec,
		log:     log.GetLogger("host"),
	}, nil
}

// Printer returns the object tree.
func (h *Host) Printer() *printer.Printer { return h.printer }

// Reactor returns the event loop.
func (h *Host) Reactor() *reactor.Reactor { return h.reactor }

// Chip returns the virtual pin chip.
func (h *Host) Chip() *vpin.Chip { return h.chip }

// Metrics returns the host metrics.
func (h *Host) Metrics() *metrics.HostMetrics { return h.metrics }

// History returns the pin history recorder.
func (h *Host) History() *history.Recorder { return h.history }

// Load builds every section of cfg.
func (h *Host) Load(cfg *config.Config) error {
	if err := h.printer.Load(cfg); err != nil {
		return err
	}
	h.log.Info("loaded %d objects", len(h.printer.ObjectNames()))
	return nil
}

// LoadFile parses and loads the config file at path.
func (h *Host) LoadFile(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return h.Load(cfg)
}

// Start sends the connect and ready events.
func (h *Host) Start() error {
	return h.printer.Start()
}

// Run starts the host and dispatches events until ctx is done or the
// printer shuts down.
func (h *Host) Run(ctx context.Context) error {
	stopped := make(chan string, 1)
	h.printer.RegisterEventHandler(printer.EventShutdown, func() error {
		_, msg := h.printer.State()
		select {
		case stopped <- msg:
		default:
		}
		return nil
	})
	if err := h.Start(); err != nil {
		return err
	}
	h.reactor.Run()
	defer func() {
		h.reactor.End()
		h.reactor.Wait()
	}()

	select {
	case <-ctx.Done():
		h.log.Info("stopping: %v", context.Cause(ctx))
		h.printer.InvokeShutdown("host stopped")
		return nil
	case msg := <-stopped:
		return fmt.Errorf("shutdown: %s", msg)
	}
}
