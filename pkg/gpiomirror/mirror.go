// Package gpiomirror copies the level of a real GPIO line into a virtual
// pin, so a physical switch can stand in for a virtual one:
//
//	[gpio_mirror lane1]
//	chip: gpiochip0
//	line: 17
//	pin: pin1          # virtual pin, default: the section name
//	#invert: False
//	#pull: none        # none, up or down
//	#debounce: 0       # seconds, applied by the kernel
package gpiomirror

import (
	"fmt"
	"sync"
	"time"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/vpin"
)

// Line is an open GPIO line.
type Line interface {
	Value() (int, error)
	Close() error
}

// LineRequest describes the line a mirror watches.
type LineRequest struct {
	Chip     string
	Offset   int
	Pull     string
	Debounce time.Duration
}

// Opener requests a line and calls onEdge with the raw level after every
// edge. onEdge may be called from any goroutine.
type Opener func(req LineRequest, onEdge func(level int)) (Line, error)

// Mirror is a [gpio_mirror NAME] section.
type Mirror struct {
	p       *printer.Printer
	name    string
	pinName string
	req     LineRequest
	invert  bool
	open    Opener
	log     *log.Logger

	mu    sync.Mutex
	pin   *vpin.VirtualPin
	line  Line
	edges uint64
}

// New builds a [gpio_mirror NAME] section. open may be nil to use the
// GPIO character device.
func New(p *printer.Printer, sec *config.Section, open Opener) (*Mirror, error) {
	chip, err := sec.Get("chip", "gpiochip0")
	if err != nil {
		return nil, err
	}
	offset, err := sec.GetIntWithBounds("line", config.IntBounds{MinVal: config.Int(0)})
	if err != nil {
		return nil, err
	}
	pinName, err := sec.Get("pin", sec.ShortName())
	if err != nil {
		return nil, err
	}
	invert, err := sec.GetBool("invert", false)
	if err != nil {
		return nil, err
	}
	pull, err := sec.GetChoice("pull", []string{"none", "up", "down"}, "none")
	if err != nil {
		return nil, err
	}
	debounce, err := sec.GetFloatWithBounds("debounce", config.FloatBounds{MinVal: config.Float(0)}, 0)
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = openCdevLine
	}
	m := &Mirror{
		p:       p,
		name:    sec.GetName(),
		pinName: pinName,
		req: LineRequest{
			Chip:     chip,
			Offset:   offset,
			Pull:     pull,
			Debounce: time.Duration(debounce * float64(time.Second)),
		},
		invert: invert,
		open:   open,
		log:    log.GetLogger("gpio_mirror"),
	}
	p.RegisterEventHandler(printer.EventConnect, m.resolvePin)
	p.RegisterEventHandler(printer.EventReady, m.start)
	p.RegisterEventHandler(printer.EventShutdown, m.Close)
	return m, nil
}

// GetName returns the section name.
func (m *Mirror) GetName() string { return m.name }

func (m *Mirror) resolvePin() error {
	pin, err := vpin.LoadPin(m.p, m.pinName)
	if err != nil {
		return config.WrapError(m.name, "pin", err)
	}
	m.mu.Lock()
	m.pin = pin
	m.mu.Unlock()
	return nil
}

func (m *Mirror) start() error {
	line, err := m.open(m.req, m.onEdge)
	if err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}
	level, err := line.Value()
	if err != nil {
		_ = line.Close()
		return fmt.Errorf("%s: read %s line %d: %w", m.name, m.req.Chip, m.req.Offset, err)
	}
	m.mu.Lock()
	m.line = line
	pin := m.pin
	m.mu.Unlock()
	pin.SetValue(m.logical(level))
	m.log.Info("%s line %d mirrored to %s", m.req.Chip, m.req.Offset, pin.FullName())
	return nil
}

func (m *Mirror) logical(level int) bool {
	return (level != 0) != m.invert
}

func (m *Mirror) onEdge(level int) {
	m.mu.Lock()
	m.edges++
	pin := m.pin
	m.mu.Unlock()
	value := m.logical(level)
	c := m.p.Reactor().RegisterAsyncCallback(func(eventtime float64) interface{} {
		pin.SetValue(value)
		return nil
	}, reactor.NOW)
	if c.Test() && c.Result() == reactor.ErrQueueFull {
		m.log.Warn("reactor queue full, dropped edge of %s", pin.FullName())
	}
}

// Close releases the line.
func (m *Mirror) Close() error {
	m.mu.Lock()
	line := m.line
	m.line = nil
	m.mu.Unlock()
	if line == nil {
		return nil
	}
	return line.Close()
}

// GetStatus reports the mirrored line and the edges seen.
func (m *Mirror) GetStatus(eventtime float64) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"chip":  m.req.Chip,
		"line":  m.req.Offset,
		"pin":   m.pinName,
		"edges": m.edges,
		"open":  m.line != nil,
	}
}

// Register installs the [gpio_mirror NAME] factory. open may be nil.
func Register(p *printer.Printer, open Opener) {
	p.Modules().RegisterPrefix("gpio_mirror", func(sec *config.Section) (config.Module, error) {
		return New(p, sec, open)
	})
}
