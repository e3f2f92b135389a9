// G-code macros and templates
//
// Copyright (C) 2018-2021  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package macro renders G-code templates and provides [gcode_macro]
// commands. Templates substitute {expr} references, where expr is a path
// into the printer status or the command parameters:
//
//	{printer.idle_timeout.state}
//	{printer["ams_pin pin1"].value}
//	{params.VALUE}
package macro

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
)

var reExpr = regexp.MustCompile(`\{([^{}]*)\}`)

// Template is a G-code script with {expr} substitutions.
type Template struct {
	name   string
	script string
	pgm    *PrinterGCodeMacro
}

// Name returns "section:option".
func (t *Template) Name() string { return t.name }

// Script returns the unrendered script.
func (t *Template) Script() string { return t.script }

// Render renders the template against the current printer status.
func (t *Template) Render() (string, error) {
	return t.RenderContext(t.pgm.CreateTemplateContext(t.pgm.p.Reactor().Monotonic()))
}

// RenderContext renders the template with an explicit context.
func (t *Template) RenderContext(context map[string]any) (string, error) {
	var renderErr error
	out := reExpr.ReplaceAllStringFunc(t.script, func(match string) string {
		if renderErr != nil {
			return match
		}
		expr := strings.TrimSpace(match[1 : len(match)-1])
		val, err := evaluate(context, expr)
		if err != nil {
			renderErr = fmt.Errorf("Error evaluating '%s': %w", t.name, err)
			return match
		}
		return formatValue(val)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// evaluate resolves a path such as printer["ams_pin pin1"].value.
func evaluate(context map[string]any, expr string) (any, error) {
	parts, err := splitPath(expr)
	if err != nil {
		return nil, err
	}
	var current any = context
	for i, part := range parts {
		var (
			val any
			ok  bool
		)
		switch v := current.(type) {
		case map[string]any:
			val, ok = v[part]
		case map[string]string:
			val, ok = v[part]
		case map[string]map[string]any:
			val, ok = v[part]
		case func(string) (any, bool):
			val, ok = v(part)
		}
		if !ok {
			return nil, fmt.Errorf("'%s' is undefined", strings.Join(parts[:i+1], "."))
		}
		current = val
	}
	return current, nil
}

func splitPath(expr string) ([]string, error) {
	var parts []string
	i := 0
	for i < len(expr) {
		switch c := expr[i]; {
		case c == '.':
			i++
		case c == '[':
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated '[' in '%s'", expr)
			}
			key := strings.TrimSpace(expr[i+1 : i+end])
			if unq, err := strconv.Unquote(strings.ReplaceAll(key, "'", `"`)); err == nil {
				key = unq
			}
			parts = append(parts, key)
			i += end + 1
		default:
			j := i
			for j < len(expr) && expr[j] != '.' && expr[j] != '[' {
				j++
			}
			parts = append(parts, strings.TrimSpace(expr[i:j]))
			i = j
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return parts, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// PrinterGCodeMacro loads templates and tracks the [gcode_macro] commands.
type PrinterGCodeMacro struct {
	p      *printer.Printer
	macros map[string]*GCodeMacro
	mu     sync.RWMutex
}

// GetName returns "gcode_macro".
func (pgm *PrinterGCodeMacro) GetName() string { return "gcode_macro" }

// Load returns the printer's macro support object, creating it on first use.
func Load(p *printer.Printer) (*PrinterGCodeMacro, error) {
	obj, err := p.LoadObject("gcode_macro")
	if err != nil {
		return nil, err
	}
	pgm, ok := obj.(*PrinterGCodeMacro)
	if !ok {
		return nil, fmt.Errorf("object gcode_macro is %T", obj)
	}
	return pgm, nil
}

// NewTemplate builds a template from a script.
func (pgm *PrinterGCodeMacro) NewTemplate(name, script string) *Template {
	return &Template{name: name, script: script, pgm: pgm}
}

// LoadTemplate reads option of sec as a template. Without a fallback the
// option is required.
func (pgm *PrinterGCodeMacro) LoadTemplate(sec *config.Section, option string, fallback ...string) (*Template, error) {
	script, err := sec.Get(option, fallback...)
	if err != nil {
		return nil, err
	}
	return pgm.NewTemplate(sec.GetName()+":"+option, script), nil
}

// CreateTemplateContext returns {"printer": status lookup}.
func (pgm *PrinterGCodeMacro) CreateTemplateContext(eventtime float64) map[string]any {
	lookup := func(name string) (any, bool) {
		st, ok := pgm.p.ObjectStatus(name, eventtime)
		if !ok {
			return nil, false
		}
		return map[string]any(st), true
	}
	return map[string]any{"printer": lookup}
}

// GCodeMacro is one [gcode_macro NAME] section.
type GCodeMacro struct {
	pgm         *PrinterGCodeMacro
	name        string
	alias       string
	template    *Template
	description string
	variables   map[string]any
	inScript    bool
	mu          sync.Mutex
	log         *log.Logger
}

func newGCodeMacro(pgm *PrinterGCodeMacro, sec *config.Section) (*GCodeMacro, error) {
	if len(strings.Fields(sec.GetName())) != 2 {
		return nil, config.NewConfigError(sec.GetName(), "", "Name of section contains spaces")
	}
	name := sec.ShortName()
	tmpl, err := pgm.LoadTemplate(sec, "gcode")
	if err != nil {
		return nil, err
	}
	desc, err := sec.Get("description", "G-Code macro")
	if err != nil {
		return nil, err
	}
	gm := &GCodeMacro{
		pgm:         pgm,
		name:        sec.GetName(),
		alias:       strings.ToUpper(name),
		template:    tmpl,
		description: desc,
		variables:   make(map[string]any),
		log:         log.GetLogger("gcode_macro"),
	}
	for _, opt := range sec.OptionNames() {
		if !strings.HasPrefix(opt, "variable_") {
			continue
		}
		raw, _ := sec.Get(opt)
		gm.variables[strings.TrimPrefix(opt, "variable_")] = parseLiteral(raw)
	}
	if err := pgm.p.GCode().RegisterCommand(gm.alias, gm.cmd, desc); err != nil {
		return nil, config.WrapError(sec.GetName(), "", err)
	}
	pgm.mu.Lock()
	pgm.macros[gm.alias] = gm
	pgm.mu.Unlock()
	return gm, nil
}

// parseLiteral turns "1", "2.5", "True" and quoted strings into values.
func parseLiteral(raw string) any {
	s := strings.TrimSpace(raw)
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	if unq, err := strconv.Unquote(strings.ReplaceAll(s, "'", `"`)); err == nil {
		return unq
	}
	return s
}

// GetName returns the section name.
func (gm *GCodeMacro) GetName() string { return gm.name }

// Alias returns the command name.
func (gm *GCodeMacro) Alias() string { return gm.alias }

// GetStatus returns the macro variables.
func (gm *GCodeMacro) GetStatus(eventtime float64) map[string]interface{} {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	out := make(map[string]interface{}, len(gm.variables))
	for k, v := range gm.variables {
		out[k] = v
	}
	return out
}

func (gm *GCodeMacro) cmd(cmd *gcode.Command) error {
	gm.mu.Lock()
	if gm.inScript {
		gm.mu.Unlock()
		return fmt.Errorf("Macro %s called recursively", gm.alias)
	}
	gm.inScript = true
	context := gm.pgm.CreateTemplateContext(gm.pgm.p.Reactor().Monotonic())
	for k, v := range gm.variables {
		context[k] = v
	}
	gm.mu.Unlock()
	defer func() {
		gm.mu.Lock()
		gm.inScript = false
		gm.mu.Unlock()
	}()

	context["params"] = cmd.Params
	script, err := gm.template.RenderContext(context)
	if err != nil {
		return err
	}
	return gm.pgm.p.GCode().RunScript(script)
}

func (pgm *PrinterGCodeMacro) cmdSetGCodeVariable(cmd *gcode.Command) error {
	name, err := cmd.Get("MACRO")
	if err != nil {
		return err
	}
	variable, err := cmd.Get("VARIABLE")
	if err != nil {
		return err
	}
	value, err := cmd.Get("VALUE")
	if err != nil {
		return err
	}
	pgm.mu.RLock()
	gm, ok := pgm.macros[strings.ToUpper(name)]
	pgm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("Unknown gcode_macro '%s'", name)
	}
	gm.mu.Lock()
	defer gm.mu.Unlock()
	if _, ok := gm.variables[variable]; !ok {
		return fmt.Errorf("Unknown gcode_macro variable '%s'", variable)
	}
	gm.variables[variable] = parseLiteral(value)
	return nil
}

// Macros returns the macro command names, sorted.
func (pgm *PrinterGCodeMacro) Macros() []string {
	pgm.mu.RLock()
	defer pgm.mu.RUnlock()
	names := make([]string, 0, len(pgm.macros))
	for n := range pgm.macros {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register installs the gcode_macro factories.
func Register(p *printer.Printer) {
	var pgm *PrinterGCodeMacro
	p.Modules().Register("gcode_macro", func(sec *config.Section) (config.Module, error) {
		pgm = &PrinterGCodeMacro{p: p, macros: make(map[string]*GCodeMacro)}
		if err := p.GCode().RegisterCommand("SET_GCODE_VARIABLE", pgm.cmdSetGCodeVariable,
			"Set the value of a G-Code macro variable"); err != nil {
			return nil, err
		}
		return pgm, nil
	})
	p.Modules().RegisterPrefix("gcode_macro", func(sec *config.Section) (config.Module, error) {
		pgm, err := Load(p)
		if err != nil {
			return nil, err
		}
		return newGCodeMacro(pgm, sec)
	})
}
