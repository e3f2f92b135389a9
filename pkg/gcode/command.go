// G-code line parsing and parameter access
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"klipper-vpin/pkg/errors"
)

// Command is one parsed G-code line.
type Command struct {
	Name   string
	Params map[string]string
	Raw    string

	d *Dispatcher
}

var (
	reParenComment = regexp.MustCompile(`\([^)]*\)`)
	reClassic      = regexp.MustCompile(`^[GMT][0-9]+$`)
)

// parseLine parses "NAME KEY=VALUE ..." and classic "G1 X10" lines.
// Blank and comment-only lines yield nil.
func parseLine(line string) *Command {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil
	}

	name := strings.ToUpper(fields[0])
	params := map[string]string{}
	classic := reClassic.MatchString(name)
	for _, f := range fields[1:] {
		if kv := strings.SplitN(f, "=", 2); len(kv) == 2 {
			if k := strings.ToUpper(strings.TrimSpace(kv[0])); k != "" {
				params[k] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
			}
			continue
		}
		if classic && len(f) >= 1 {
			params[strings.ToUpper(f[:1])] = f[1:]
		}
	}
	return &Command{Name: name, Params: params, Raw: strings.TrimSpace(line)}
}

// Has reports whether the parameter was given.
func (c *Command) Has(name string) bool {
	_, ok := c.Params[strings.ToUpper(name)]
	return ok
}

// Get returns a string parameter. Without a fallback a missing parameter
// is an error.
func (c *Command) Get(name string, fallback ...string) (string, error) {
	if v, ok := c.Params[strings.ToUpper(name)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.GCodeMissingParameterError(c.Name, strings.ToUpper(name))
}

// GetInt returns an integer parameter.
func (c *Command) GetInt(name string, fallback ...int) (int, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.GCodeMissingParameterError(c.Name, strings.ToUpper(name))
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		// "1.0" is accepted as 1
		f, ferr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(name), raw, "integer")
		}
		v = int(f)
	}
	return v, nil
}

// GetIntRange returns an integer parameter that must lie in [min, max].
func (c *Command) GetIntRange(name string, min, max int, fallback ...int) (int, error) {
	v, err := c.GetInt(name, fallback...)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(name),
			strconv.Itoa(v), "must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
	}
	return v, nil
}

// GetFloat returns a float parameter.
func (c *Command) GetFloat(name string, fallback ...float64) (float64, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.GCodeMissingParameterError(c.Name, strings.ToUpper(name))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(name), raw, "float")
	}
	return f, nil
}

// RespondInfo sends an informational message to the operator.
func (c *Command) RespondInfo(msg string) {
	if c.d != nil {
		c.d.RespondInfo(msg)
	}
}

// RespondRaw sends msg to the operator unmodified.
func (c *Command) RespondRaw(msg string) {
	if c.d != nil {
		c.d.RespondRaw(msg)
	}
}
