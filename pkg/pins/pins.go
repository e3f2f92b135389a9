// Pin lookup and chip registration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package pins resolves pin descriptions such as "!ams_pin:pin3" to the
// chip that provides the pin. The registry is owned by the printer and
// handed to every module that sets up pins.
package pins

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/mcu"
)

// RegisterResult tells whether RegisterChip added the chip.
type RegisterResult int

const (
	Registered RegisterResult = iota
	AlreadyRegistered
)

func (r RegisterResult) String() string {
	if r == AlreadyRegistered {
		return "already registered"
	}
	return "registered"
}

// Params is a resolved pin.
type Params struct {
	Chip     Chip
	ChipName string
	Pin      string
	Invert   bool
	Pullup   int
}

// FullName returns "chip:pin".
func (p Params) FullName() string {
	return p.ChipName + ":" + p.Pin
}

// Chip provides pins of one namespace.
type Chip interface {
	// SetupPin builds the pin object for pinType ("endstop", ...).
	SetupPin(pinType string, params Params) (interface{}, error)
}

// ChannelProvider is implemented by chips whose pins can back a button
// channel.
type ChannelProvider interface {
	PinChannel(pin string) (mcu.Channel, error)
}

// SharedPins is implemented by chips whose pins may be used by several
// config sections at once.
type SharedPins interface {
	PinsShareable() bool
}

// LookupOptions control which prefixes a pin description may carry.
type LookupOptions struct {
	CanInvert bool
	CanPullup bool
	// ShareType lets sections with the same share type use one pin.
	ShareType string
}

type reservation struct {
	shareType string
}

// Registry maps chip names to chips and tracks which pins are in use.
type Registry struct {
	mu       sync.RWMutex
	chips    map[string]Chip
	aliases  map[string]string
	reserved map[string]string // pin -> reservation reason
	active   map[string]reservation
	log      *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		chips:    make(map[string]Chip),
		aliases:  make(map[string]string),
		reserved: make(map[string]string),
		active:   make(map[string]reservation),
		log:      log.GetLogger("pins"),
	}
}

// RegisterChip adds chip under name. Registering a name twice keeps the
// first chip and returns AlreadyRegistered.
func (r *Registry) RegisterChip(name string, chip Chip) RegisterResult {
	name = strings.TrimSpace(strings.ToLower(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chips[name]; ok {
		return AlreadyRegistered
	}
	r.chips[name] = chip
	r.log.Debug("registered chip %s", name)
	return Registered
}

// Chip returns the chip registered under name.
func (r *Registry) Chip(name string) (Chip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chips[strings.ToLower(name)]
	return c, ok
}

// ChipNames returns the registered chip names, sorted.
func (r *Registry) ChipNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.chips))
	for n := range r.chips {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupPin parses desc and resolves it to a registered chip.
func (r *Registry) LookupPin(desc string, opts LookupOptions) (Params, error) {
	pin, err := config.ParsePin(desc, config.PinOptions{CanInvert: opts.CanInvert, CanPullup: opts.CanPullup})
	if err != nil {
		return Params{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if target, ok := r.aliases[pin.FullName()]; ok {
		aliased, err := config.ParsePin(target, config.PinOptions{})
		if err != nil {
			return Params{}, err
		}
		pin.Chip, pin.Name = aliased.Chip, aliased.Name
	}
	if reason, ok := r.reserved[pin.FullName()]; ok {
		return Params{}, errors.Newf(errors.ErrPinDuplicate, "pin %s is reserved for %s", pin.FullName(), reason).
			SetPin(pin.FullName())
	}

	chip, ok := r.chips[strings.ToLower(pin.Chip)]
	if !ok {
		return Params{}, errors.Newf(errors.ErrPinChip, "Unknown pin chip name '%s'", pin.Chip).
			SetPin(desc)
	}

	params := Params{
		Chip:     chip,
		ChipName: strings.ToLower(pin.Chip),
		Pin:      pin.Name,
		Invert:   pin.Invert,
		Pullup:   pin.Pullup,
	}
	if sp, ok := chip.(SharedPins); ok && sp.PinsShareable() {
		return params, nil
	}
	key := params.FullName()
	if prev, ok := r.active[key]; ok {
		if opts.ShareType == "" || prev.shareType != opts.ShareType {
			return Params{}, errors.Newf(errors.ErrPinDuplicate, "pin %s used multiple times in config", key).
				SetPin(key)
		}
	}
	r.active[key] = reservation{shareType: opts.ShareType}
	return params, nil
}

// SetupPin looks up desc and asks its chip for a pin of pinType.
// Endstops may be inverted and pulled up.
func (r *Registry) SetupPin(pinType, desc string) (interface{}, error) {
	canPullup := pinType == "endstop"
	params, err := r.LookupPin(desc, LookupOptions{CanInvert: true, CanPullup: canPullup})
	if err != nil {
		return nil, err
	}
	return params.Chip.SetupPin(pinType, params)
}

// ChannelFor returns the button channel that backs a resolved pin.
func (r *Registry) ChannelFor(params Params) (mcu.Channel, error) {
	cp, ok := params.Chip.(ChannelProvider)
	if !ok {
		return nil, errors.Newf(errors.ErrPinChip, "chip %s does not provide button channels", params.ChipName).
			SetPin(params.FullName())
	}
	return cp.PinChannel(params.Pin)
}

// AliasPin makes alias resolve to target ("chip:pin" or a plain pin).
func (r *Registry) AliasPin(alias, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.aliases[alias]; ok && prev != target {
		return fmt.Errorf("pin alias '%s' already defined", alias)
	}
	r.aliases[alias] = target
	return nil
}

// ReservePin keeps pin from being looked up, naming reason in the error.
func (r *Registry) ReservePin(pin, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.reserved[pin]; ok {
		return fmt.Errorf("pin '%s' already reserved: %s", pin, existing)
	}
	r.reserved[pin] = reason
	return nil
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}
