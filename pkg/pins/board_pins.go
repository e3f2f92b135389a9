// Board pin aliases
//
// Copyright (C) 2019-2021  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pins

import (
	"sort"
	"strings"

	"klipper-vpin/pkg/config"
)

// BoardPins is the [board_pins] section: friendly names for pins.
//
//	[board_pins]
//	aliases:
//	    lane1_runout=ams_pin:pin1, lane2_runout=ams_pin:pin2,
//	    spare=<not wired>
//
// A value in angle brackets reserves the name instead of aliasing it.
type BoardPins struct {
	name    string
	aliases map[string]string
}

// NewBoardPins applies the aliases of sec to reg.
func NewBoardPins(sec *config.Section, reg *Registry) (*BoardPins, error) {
	bp := &BoardPins{name: sec.GetName(), aliases: make(map[string]string)}

	options := []string{"aliases"}
	for _, opt := range sec.OptionNames() {
		if strings.HasPrefix(opt, "aliases_") {
			options = append(options, opt)
		}
	}
	for _, opt := range options {
		raw, ok := sec.GetOptional(opt)
		if !ok {
			continue
		}
		for name, value := range parseAliases(raw) {
			var err error
			if strings.HasPrefix(value, "<") && strings.HasSuffix(value, ">") {
				err = reg.ReservePin(name, value[1:len(value)-1])
			} else {
				err = reg.AliasPin(name, value)
			}
			if err != nil {
				return nil, config.NewConfigError(sec.GetName(), opt, err.Error())
			}
			bp.aliases[name] = value
		}
	}
	return bp, nil
}

// GetName returns the section name.
func (bp *BoardPins) GetName() string { return bp.name }

// GetStatus lists the aliases.
func (bp *BoardPins) GetStatus(eventtime float64) map[string]interface{} {
	names := make([]string, 0, len(bp.aliases))
	for n := range bp.aliases {
		names = append(names, n)
	}
	sort.Strings(names)
	aliases := make(map[string]interface{}, len(names))
	for _, n := range names {
		aliases[n] = bp.aliases[n]
	}
	return map[string]interface{}{"aliases": aliases}
}

// parseAliases splits "a=b, c=d" into a map. Malformed pairs are skipped.
func parseAliases(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		name := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
