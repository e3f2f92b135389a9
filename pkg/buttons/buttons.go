// Button detection on button channels
//
// Copyright (C) 2018-2023  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package buttons decodes buttons_state responses of a channel into
// per-button callbacks. Any chip whose pins provide an mcu.Channel can
// back a button, the virtual ams_pin chip included.
package buttons

import (
	"fmt"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/mcu"
	"klipper-vpin/pkg/pins"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

const (
	queryTime       = 0.002
	retransmitCount = 50
	maxChannelPins  = 8
)

// Callback is called with the new level of a button group.
type Callback func(eventtime float64, state int)

type callbackEntry struct {
	mask     int
	shift    int
	callback Callback
}

// MCUButtons tracks up to eight buttons reported by one channel.
type MCUButtons struct {
	ch      mcu.Channel
	reactor *reactor.Reactor
	log     *log.Logger

	mu         sync.Mutex
	pinList    []pins.Params
	callbacks  []callbackEntry
	invert     int
	lastButton int
	ackCount   int
	oid        int
	ackCmd     mcu.Command
}

// NewMCUButtons creates the button state of ch. Call Attach once the
// first pins are set up.
func NewMCUButtons(ch mcu.Channel, r *reactor.Reactor) *MCUButtons {
	return &MCUButtons{
		ch:      ch,
		reactor: r,
		log:     log.GetLogger("buttons"),
	}
}

// Attach configures the channel through its config callback.
func (mb *MCUButtons) Attach() {
	mb.ch.RegisterConfigCallback(mb.buildConfig)
}

// SetupButtons adds pins to the channel; callback receives their levels
// packed into the low bits.
func (mb *MCUButtons) SetupButtons(params []pins.Params, callback Callback) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mask := 0
	shift := len(mb.pinList)
	for _, p := range params {
		if p.Invert {
			mb.invert |= 1 << len(mb.pinList)
		}
		mask |= 1 << len(mb.pinList)
		mb.pinList = append(mb.pinList, p)
	}
	mb.callbacks = append(mb.callbacks, callbackEntry{mask: mask, shift: shift, callback: callback})
}

// PinCount returns the number of pins on the channel.
func (mb *MCUButtons) PinCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.pinList)
}

func (mb *MCUButtons) buildConfig() error {
	mb.mu.Lock()
	pinList := append([]pins.Params(nil), mb.pinList...)
	invert := mb.invert
	mb.mu.Unlock()
	if len(pinList) == 0 {
		return nil
	}

	oid := mb.ch.CreateOID()
	mb.ch.AddConfigCmd(fmt.Sprintf("config_buttons oid=%d button_count=%d", oid, len(pinList)), false, false)
	for i, p := range pinList {
		pullup := 0
		if p.Pullup > 0 {
			pullup = 1
		}
		mb.ch.AddConfigCmd(fmt.Sprintf("buttons_add oid=%d pos=%d pin=%s pull_up=%d",
			oid, i, p.Pin, pullup), true, false)
	}
	cq := mb.ch.AllocCommandQueue()
	ackCmd, err := mb.ch.LookupCommand("buttons_ack oid=%c count=%c", cq)
	if err != nil {
		return err
	}
	clock := mb.ch.GetQuerySlot(oid)
	restTicks := mb.ch.SecondsToClock(queryTime)
	mb.ch.AddConfigCmd(fmt.Sprintf("buttons_query oid=%d clock=%d rest_ticks=%d retransmit_count=%d invert=%d",
		oid, clock, restTicks, retransmitCount, invert), true, false)

	mb.mu.Lock()
	mb.oid = oid
	mb.ackCmd = ackCmd
	mb.ackCount = 0
	mb.lastButton = 0
	mb.mu.Unlock()

	mb.ch.RegisterResponse(mb.handleButtonsState, mcu.ResponseButtonsState, oid)
	return nil
}

// handleButtonsState expands the 8-bit ack counter and queues every
// button byte the host has not seen yet.
func (mb *MCUButtons) handleButtonsState(msg *mcu.Message) error {
	ack, err := msg.Int("ack_count")
	if err != nil {
		return err
	}
	state, err := msg.Bytes("state")
	if err != nil {
		return err
	}

	mb.mu.Lock()
	ackDiff := (ack - mb.ackCount) & 0xff
	ackDiff -= (ackDiff & 0x80) << 1
	msgAckCount := mb.ackCount + ackDiff
	newCount := msgAckCount + len(state) - mb.ackCount
	if newCount <= 0 {
		mb.mu.Unlock()
		return nil
	}
	newButtons := state[len(state)-newCount:]
	mb.ackCount += newCount
	oid, ackCmd := mb.oid, mb.ackCmd
	mb.mu.Unlock()

	if ackCmd != nil {
		if err := ackCmd.Send(oid, newCount); err != nil {
			return err
		}
	}
	for _, b := range newButtons {
		button := int(b)
		c := mb.reactor.RegisterAsyncCallback(func(eventtime float64) interface{} {
			mb.handleButton(eventtime, button)
			return nil
		}, reactor.NOW)
		if c.Test() && c.Result() == reactor.ErrQueueFull {
			mb.log.Warn("dropped button state %#x: reactor queue full", button)
		}
	}
	return nil
}

func (mb *MCUButtons) handleButton(eventtime float64, button int) {
	mb.mu.Lock()
	button ^= mb.invert
	changed := button ^ mb.lastButton
	mb.lastButton = button
	callbacks := append([]callbackEntry(nil), mb.callbacks...)
	mb.mu.Unlock()

	for _, entry := range callbacks {
		if changed&entry.mask != 0 {
			entry.callback(eventtime, (button&entry.mask)>>entry.shift)
		}
	}
}

// DebounceButton delays a button action until the level has been stable
// for the debounce delay.
type DebounceButton struct {
	reactor *reactor.Reactor
	action  Callback
	delay   float64

	mu       sync.Mutex
	logical  *int
	physical *int
	latest   float64
}

// NewDebounceButton wraps action with a debounce of delay seconds.
func NewDebounceButton(r *reactor.Reactor, action Callback, delay float64) *DebounceButton {
	return &DebounceButton{reactor: r, action: action, delay: delay}
}

// ButtonHandler receives raw button levels.
func (db *DebounceButton) ButtonHandler(eventtime float64, state int) {
	db.mu.Lock()
	db.physical = &state
	db.latest = eventtime
	if db.logical != nil && *db.logical == state {
		db.mu.Unlock()
		return
	}
	db.mu.Unlock()
	db.reactor.RegisterCallback(db.debounceEvent, eventtime+db.delay)
}

func (db *DebounceButton) debounceEvent(eventtime float64) interface{} {
	db.mu.Lock()
	if db.logical != nil && *db.logical == *db.physical {
		db.mu.Unlock()
		return nil
	}
	// a newer level supersedes this one
	if eventtime-db.delay < db.latest {
		db.mu.Unlock()
		return nil
	}
	state := *db.physical
	db.logical = &state
	latest := db.latest
	db.mu.Unlock()

	db.action(latest, state)
	return nil
}

// PrinterButtons hands out button channels to config sections.
type PrinterButtons struct {
	p   *printer.Printer
	log *log.Logger

	mu         sync.Mutex
	mcuButtons map[mcu.Channel]*MCUButtons
	all        []*MCUButtons
}

// GetName returns "buttons".
func (pb *PrinterButtons) GetName() string { return "buttons" }

// RegisterButtons attaches callback to the pins described by descs. All
// pins of one call must be reported by the same channel.
func (pb *PrinterButtons) RegisterButtons(descs []string, callback Callback) error {
	if len(descs) == 0 {
		return fmt.Errorf("no pins specified")
	}
	var (
		ch     mcu.Channel
		params []pins.Params
	)
	for _, desc := range descs {
		pp, err := pb.p.Pins().LookupPin(desc, pins.LookupOptions{CanInvert: true, CanPullup: true})
		if err != nil {
			return err
		}
		pinCh, err := pb.p.Pins().ChannelFor(pp)
		if err != nil {
			return err
		}
		if ch != nil && pinCh != ch {
			return fmt.Errorf("button pins must be on same mcu")
		}
		ch = pinCh
		params = append(params, pp)
	}

	limit := maxChannelPins
	if bl, ok := ch.(mcu.ButtonLimiter); ok {
		limit = bl.MaxButtons()
	}
	if len(params) > limit {
		return fmt.Errorf("too many button pins on one channel (max %d)", limit)
	}

	pb.mu.Lock()
	mb, ok := pb.mcuButtons[ch]
	created := !ok || mb.PinCount()+len(params) > limit
	if created {
		mb = NewMCUButtons(ch, pb.p.Reactor())
		pb.mcuButtons[ch] = mb
		pb.all = append(pb.all, mb)
	}
	pb.mu.Unlock()

	mb.SetupButtons(params, callback)
	if created {
		mb.Attach()
	}
	pb.log.Debug("registered button pins %v", descs)
	return nil
}

// RegisterDebounceButton registers a single pin whose callback only fires
// once the level has been stable for delay seconds.
func (pb *PrinterButtons) RegisterDebounceButton(desc string, callback Callback, delay float64) error {
	db := NewDebounceButton(pb.p.Reactor(), callback, delay)
	return pb.RegisterButtons([]string{desc}, db.ButtonHandler)
}

// RegisterButtonPush registers a pin whose callback fires on press only.
func (pb *PrinterButtons) RegisterButtonPush(desc string, callback func(eventtime float64)) error {
	return pb.RegisterButtons([]string{desc}, func(eventtime float64, state int) {
		if state != 0 {
			callback(eventtime)
		}
	})
}

// GetStatus returns the number of button channels in use.
func (pb *PrinterButtons) GetStatus(eventtime float64) map[string]interface{} {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return map[string]interface{}{"mcu_button_count": len(pb.all)}
}

// Load returns the printer's buttons object, creating it on first use.
func Load(p *printer.Printer) (*PrinterButtons, error) {
	obj, err := p.LoadObject("buttons")
	if err != nil {
		return nil, err
	}
	pb, ok := obj.(*PrinterButtons)
	if !ok {
		return nil, fmt.Errorf("object buttons is %T", obj)
	}
	return pb, nil
}

// Register installs the buttons and gcode_button factories.
func Register(p *printer.Printer) {
	p.Modules().Register("buttons", func(sec *config.Section) (config.Module, error) {
		return &PrinterButtons{
			p:          p,
			log:        log.GetLogger("buttons"),
			mcuButtons: make(map[mcu.Channel]*MCUButtons),
		}, nil
	})
	p.Modules().RegisterPrefix("gcode_button", func(sec *config.Section) (config.Module, error) {
		return NewGCodeButton(p, sec)
	})
}
