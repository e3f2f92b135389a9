// Endstop queries
//
// Copyright (C) 2018-2019  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package endstop

import (
	"fmt"
	"strings"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
)

// Named pairs an endstop with the name it is reported under.
type Named struct {
	Name    string
	Endstop MCUEndstop
}

// QueryEndstops reports the state of every registered endstop.
type QueryEndstops struct {
	p   *printer.Printer
	log *log.Logger

	mu        sync.Mutex
	endstops  []Named
	lastQuery map[string]int
}

// NewQueryEndstops registers QUERY_ENDSTOPS and M119.
func NewQueryEndstops(p *printer.Printer) (*QueryEndstops, error) {
	q := &QueryEndstops{
		p:         p,
		log:       log.GetLogger("query_endstops"),
		lastQuery: make(map[string]int),
	}
	gc := p.GCode()
	if err := gc.RegisterCommand("QUERY_ENDSTOPS", q.cmdQueryEndstops, "Report on the status of each endstop"); err != nil {
		return nil, err
	}
	if err := gc.RegisterCommand("M119", q.cmdQueryEndstops, ""); err != nil {
		return nil, err
	}
	return q, nil
}

// GetName returns "query_endstops".
func (q *QueryEndstops) GetName() string { return "query_endstops" }

// RegisterEndstop adds es to the report under name.
func (q *QueryEndstops) RegisterEndstop(es MCUEndstop, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.endstops {
		if n.Name == name {
			return fmt.Errorf("endstop '%s' already registered", name)
		}
	}
	q.endstops = append(q.endstops, Named{Name: name, Endstop: es})
	return nil
}

// Endstops returns the registered endstops in registration order.
func (q *QueryEndstops) Endstops() []Named {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Named(nil), q.endstops...)
}

// Query samples every endstop and remembers the result for GetStatus.
func (q *QueryEndstops) Query(printTime float64) []bool {
	endstops := q.Endstops()
	states := make([]bool, len(endstops))
	last := make(map[string]int, len(endstops))
	for i, n := range endstops {
		states[i] = n.Endstop.QueryEndstop(printTime)
		last[n.Name] = boolToInt(states[i])
	}
	q.mu.Lock()
	q.lastQuery = last
	q.mu.Unlock()
	return states
}

func (q *QueryEndstops) cmdQueryEndstops(cmd *gcode.Command) error {
	endstops := q.Endstops()
	states := q.Query(q.p.Reactor().Monotonic())
	parts := make([]string, len(endstops))
	for i, n := range endstops {
		s := "open"
		if states[i] {
			s = "TRIGGERED"
		}
		parts[i] = n.Name + ":" + s
	}
	cmd.RespondRaw(strings.Join(parts, " "))
	return nil
}

// GetStatus returns {"last_query": {name: 0|1}} from the latest query.
func (q *QueryEndstops) GetStatus(eventtime float64) map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	last := make(map[string]interface{}, len(q.lastQuery))
	for k, v := range q.lastQuery {
		last[k] = v
	}
	return map[string]interface{}{"last_query": last}
}

// Section is an [endstop NAME] section: a pin reported by QUERY_ENDSTOPS.
//
//	[endstop lane1_exit]
//	pin: !ams_pin:pin3
type Section struct {
	name    string
	pin     string
	endstop MCUEndstop
}

// NewSection sets up the pin of sec as an endstop.
func NewSection(p *printer.Printer, sec *config.Section) (*Section, error) {
	desc, err := sec.Get("pin")
	if err != nil {
		return nil, err
	}
	// a pin defined by its own section may come later in the file
	if pin, err := config.ParsePin(desc, config.PinOptions{CanInvert: true, CanPullup: true}); err == nil {
		if owner := pin.Chip + " " + pin.Name; p.Config().HasSection(owner) {
			if _, err := p.LoadObject(owner); err != nil {
				return nil, err
			}
		}
	}
	obj, err := p.Pins().SetupPin("endstop", desc)
	if err != nil {
		return nil, config.WrapError(sec.GetName(), "pin", err)
	}
	es, ok := obj.(MCUEndstop)
	if !ok {
		return nil, config.NewConfigError(sec.GetName(), "pin", fmt.Sprintf("pin %s is not an endstop", desc))
	}
	q, err := Load(p)
	if err != nil {
		return nil, err
	}
	if err := q.RegisterEndstop(es, sec.ShortName()); err != nil {
		return nil, config.WrapError(sec.GetName(), "", err)
	}
	return &Section{name: sec.GetName(), pin: desc, endstop: es}, nil
}

// GetName returns the section name.
func (s *Section) GetName() string { return s.name }

// Endstop returns the endstop behind the section.
func (s *Section) Endstop() MCUEndstop { return s.endstop }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Load returns the printer's query_endstops object.
func Load(p *printer.Printer) (*QueryEndstops, error) {
	obj, err := p.LoadObject("query_endstops")
	if err != nil {
		return nil, err
	}
	q, ok := obj.(*QueryEndstops)
	if !ok {
		return nil, fmt.Errorf("object query_endstops is %T", obj)
	}
	return q, nil
}

// Register installs the query_endstops and [endstop NAME] factories.
func Register(p *printer.Printer) {
	p.Modules().Register("query_endstops", func(sec *config.Section) (config.Module, error) {
		return NewQueryEndstops(p)
	})
	p.Modules().RegisterPrefix("endstop", func(sec *config.Section) (config.Module, error) {
		return NewSection(p, sec)
	})
}
