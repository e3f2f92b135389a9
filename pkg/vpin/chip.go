package vpin

import (
	"fmt"
	"strings"
	"sync"

	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/mcu"
	"klipper-vpin/pkg/pins"
	"klipper-vpin/pkg/reactor"
)

// ChipName is the pin namespace of virtual pins, as in "ams_pin:pin1".
const ChipName = "ams_pin"

// DefaultPinNames are the pins every virtual chip starts with.
var DefaultPinNames = []string{"pin1", "pin2", "pin3", "pin4", "pin5", "pin6", "pin7", "pin8"}

// Chip is the pin table of one virtual namespace. It is registered with
// the pin registry so pin descriptions like "!ams_pin:pin2" resolve to it.
type Chip struct {
	mu       sync.RWMutex
	name     string
	pins     map[string]*VirtualPin
	order    []string
	defined  map[string]bool
	reactor  *reactor.Reactor
	observer Observer
	gcode    *gcode.Dispatcher
	log      *log.Logger
}

var (
	_ pins.Chip            = (*Chip)(nil)
	_ pins.ChannelProvider = (*Chip)(nil)
	_ pins.SharedPins      = (*Chip)(nil)
)

// NewChip creates an empty chip. observer may be nil.
func NewChip(name string, r *reactor.Reactor, observer Observer) *Chip {
	return &Chip{
		name:     name,
		pins:     make(map[string]*VirtualPin),
		defined:  make(map[string]bool),
		reactor:  r,
		observer: observer,
		log:      log.GetLogger("vpin"),
	}
}

// AddDefaultPins creates pin1..pin8, skipping pins that exist.
func (c *Chip) AddDefaultPins() error {
	for _, name := range DefaultPinNames {
		if _, ok := c.Pin(name); ok {
			continue
		}
		if _, err := c.AddPin(name, false); err != nil {
			return err
		}
	}
	return nil
}

// AddPin creates a pin. Names are unique within the chip.
func (c *Chip) AddPin(name string, initial bool) (*VirtualPin, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " :") {
		return nil, errors.Newf(errors.ErrPinUnknown, "invalid %s pin name '%s'", c.name, name)
	}

	c.mu.Lock()
	if _, ok := c.pins[name]; ok {
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrPinDuplicate, "%s %s already defined", c.name, name).
			SetPin(c.name + ":" + name)
	}
	p := NewVirtualPin(c.name, name, initial, c.reactor, c.observer)
	c.pins[name] = p
	c.order = append(c.order, name)
	d := c.gcode
	c.mu.Unlock()

	if d != nil {
		if err := c.registerPinCommands(d, name); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// DefinePin applies a per-pin section. A default pin takes the configured
// initial value; any other name becomes a new pin. A pin can be defined
// only once.
func (c *Chip) DefinePin(name string, initial bool) (*VirtualPin, error) {
	c.mu.Lock()
	if c.defined[name] {
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrPinDuplicate, "%s %s already defined", c.name, name).
			SetPin(c.name + ":" + name)
	}
	c.defined[name] = true
	p, ok := c.pins[name]
	c.mu.Unlock()

	if !ok {
		return c.AddPin(name, initial)
	}
	p.setInitial(initial)
	return p, nil
}

// Pin returns the named pin.
func (c *Chip) Pin(name string) (*VirtualPin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pins[name]
	return p, ok
}

// Lookup returns the named pin or a configuration error.
func (c *Chip) Lookup(name string) (*VirtualPin, error) {
	if p, ok := c.Pin(name); ok {
		return p, nil
	}
	return nil, errors.PinUnknownError(c.name, name)
}

// Pins returns the pins in creation order.
func (c *Chip) Pins() []*VirtualPin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*VirtualPin, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.pins[n])
	}
	return out
}

// SetupPin returns an endstop for the pin. No other pin type is supported.
func (c *Chip) SetupPin(pinType string, params pins.Params) (interface{}, error) {
	if pinType != "endstop" {
		return nil, errors.PinTypeError(c.name, pinType)
	}
	p, err := c.Lookup(params.Pin)
	if err != nil {
		return nil, err
	}
	return NewEndstop(p, params.Invert, c.reactor), nil
}

// PinChannel returns the emulated button channel of a pin.
func (c *Chip) PinChannel(pin string) (mcu.Channel, error) {
	p, err := c.Lookup(pin)
	if err != nil {
		return nil, err
	}
	return p.Channel(), nil
}

// PinsShareable reports true: any number of consumers may watch a pin.
func (c *Chip) PinsShareable() bool { return true }

// HandleReady runs the deferred config callbacks of every pin channel.
func (c *Chip) HandleReady() error {
	for _, p := range c.Pins() {
		p.Channel().RunConfigCallbacks()
	}
	return nil
}

// GetStatus returns the level of every pin.
func (c *Chip) GetStatus(eventtime float64) map[string]interface{} {
	levels := make(map[string]interface{})
	for _, p := range c.Pins() {
		levels[p.Name()] = boolToInt(p.Query())
	}
	return map[string]interface{}{"pins": levels}
}

// RegisterCommands adds SET_<NS> and QUERY_<NS> for every pin, and for
// pins added later.
func (c *Chip) RegisterCommands(d *gcode.Dispatcher) error {
	c.mu.Lock()
	c.gcode = d
	names := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, name := range names {
		if err := c.registerPinCommands(d, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chip) setCommand() string   { return "SET_" + strings.ToUpper(c.name) }
func (c *Chip) queryCommand() string { return "QUERY_" + strings.ToUpper(c.name) }

func (c *Chip) registerPinCommands(d *gcode.Dispatcher, name string) error {
	if err := d.RegisterMuxCommand(c.setCommand(), "PIN", name, c.setHandler(name),
		"Set the value of a virtual input pin"); err != nil {
		return err
	}
	return d.RegisterMuxCommand(c.queryCommand(), "PIN", name, c.queryHandler(name),
		"Report the value of a virtual input pin")
}

func (c *Chip) setHandler(name string) gcode.Handler {
	return func(cmd *gcode.Command) error {
		v, err := cmd.GetInt("VALUE", 1)
		if err != nil {
			return err
		}
		p, err := c.Lookup(name)
		if err != nil {
			return err
		}
		p.SetValue(v != 0)
		return nil
	}
}

func (c *Chip) queryHandler(name string) gcode.Handler {
	return func(cmd *gcode.Command) error {
		p, err := c.Lookup(name)
		if err != nil {
			return err
		}
		cmd.RespondInfo(fmt.Sprintf("%s %s: %d", c.name, name, boolToInt(p.Query())))
		return nil
	}
}

// GetName returns the namespace.
func (c *Chip) GetName() string { return c.name }
