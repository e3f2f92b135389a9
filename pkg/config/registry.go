package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Module represents a loaded configuration module.
type Module interface {
	// GetName returns the module name (usually the section name).
	GetName() string
}

// ModuleFactory creates a module instance from a config section.
type ModuleFactory func(section *Section) (Module, error)

// Registry maps section names to module factories and remembers what has
// been loaded, so a module requested twice is only built once.
type Registry struct {
	mu sync.Mutex

	// exact matches the whole section name ("idle_timeout", "ams_pin")
	exact map[string]ModuleFactory

	// prefixes matches the first word of named sections
	// ("ams_pin" for [ams_pin pin3])
	prefixes map[string]ModuleFactory

	loaded map[string]Module
	order  []string
}

// NewRegistry creates a new module registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]ModuleFactory),
		prefixes: make(map[string]ModuleFactory),
		loaded:   make(map[string]Module),
	}
}

// Register adds a factory for an exact section name match.
func (r *Registry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[name] = factory
}

// RegisterPrefix adds a factory for "prefix NAME" sections.
func (r *Registry) RegisterPrefix(prefix string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[strings.TrimSpace(prefix)] = factory
}

// GetFactory returns the factory for a section name, or nil if not found.
func (r *Registry) GetFactory(sectionName string) ModuleFactory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.factoryLocked(sectionName)
}

func (r *Registry) factoryLocked(sectionName string) ModuleFactory {
	if factory, ok := r.exact[sectionName]; ok {
		return factory
	}
	fields := strings.Fields(sectionName)
	if len(fields) > 1 {
		if factory, ok := r.prefixes[fields[0]]; ok {
			return factory
		}
	}
	return nil
}

// HasFactory checks if a factory is registered for the section name.
func (r *Registry) HasFactory(sectionName string) bool {
	return r.GetFactory(sectionName) != nil
}

// LoadSection builds the module for one section, or returns the module
// already built for that name. The registry lock is not held while the
// factory runs, so factories may load other modules.
func (r *Registry) LoadSection(section *Section) (Module, error) {
	name := section.GetName()

	r.mu.Lock()
	if m, ok := r.loaded[name]; ok {
		r.mu.Unlock()
		return m, nil
	}
	factory := r.factoryLocked(name)
	r.mu.Unlock()

	if factory == nil {
		return nil, NewConfigError(name, "", "no module handles this section")
	}
	module, err := factory(section)
	if err != nil {
		return nil, fmt.Errorf("failed to load module [%s]: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.loaded[name]; ok {
		return m, nil
	}
	r.loaded[name] = module
	r.order = append(r.order, name)
	return module, nil
}

// LoadModules loads every section of cfg that has a factory, in file order.
// Sections without a factory are left for the unused-section check.
func (r *Registry) LoadModules(cfg *Config) (map[string]Module, error) {
	modules := make(map[string]Module)
	for _, section := range cfg.GetSections() {
		name := section.GetName()
		if !r.HasFactory(name) {
			continue
		}
		cfg.MarkAccessed(name)
		module, err := r.LoadSection(section)
		if err != nil {
			return nil, err
		}
		modules[name] = module
	}
	return modules, nil
}

// GetModule returns a loaded module by name, or nil if not found.
func (r *Registry) GetModule(name string) Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[name]
}

// LoadedNames returns the names of loaded modules in load order.
func (r *Registry) LoadedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// RegisteredNames returns all registered exact names and prefixes, sorted.
func (r *Registry) RegisteredNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.exact)+len(r.prefixes))
	for name := range r.exact {
		names = append(names, name)
	}
	for prefix := range r.prefixes {
		names = append(names, prefix+" ")
	}
	sort.Strings(names)
	return names
}
