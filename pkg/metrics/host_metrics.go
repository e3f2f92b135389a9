// Virtual pin host metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"
)

// HostMetrics holds the metrics of the host. It observes pin changes and
// runout decisions, so it is handed to the virtual pin chip and the
// filament sensors when they are created.
type HostMetrics struct {
	PinValue       *Gauge
	PinTransitions *Counter
	WatcherFaults  *Counter

	RunoutActions      *Counter
	GatedTransitions   *Counter
	ScriptDuration     *Histogram
	GCodeCommandsTotal *Counter

	HostUptime   *Gauge
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge

	registry  *Registry
	startTime time.Time
	mu        sync.Mutex
}

// NewHostMetrics creates the host metrics in a fresh registry.
func NewHostMetrics() *HostMetrics {
	m := &HostMetrics{
		PinValue:           NewGauge("vpin_pin_value", "Current level of a virtual pin (0 or 1)"),
		PinTransitions:     NewCounter("vpin_pin_transitions_total", "Level changes of a virtual pin"),
		WatcherFaults:      NewCounter("vpin_watcher_faults_total", "Errors returned by pin watchers"),
		RunoutActions:      NewCounter("vpin_runout_actions_total", "Runout and insert actions scheduled by filament sensors"),
		GatedTransitions:   NewCounter("vpin_runout_gated_total", "Filament transitions that scheduled no action, by reason"),
		ScriptDuration:     NewHistogram("vpin_script_duration_seconds", "Time spent running sensor and button scripts", DefaultBuckets()),
		GCodeCommandsTotal: NewCounter("vpin_gcode_commands_total", "G-code scripts run through the status API"),
		HostUptime:         NewGauge("vpin_host_uptime_seconds", "Seconds since the host started"),
		GoGoroutines:       NewGauge("vpin_go_goroutines", "Number of goroutines"),
		GoMemoryHeap:       NewGauge("vpin_go_memory_heap_bytes", "Heap bytes in use"),
		registry:           NewRegistry(),
		startTime:          time.Now(),
	}
	for _, metric := range []Metric{
		m.PinValue, m.PinTransitions, m.WatcherFaults,
		m.RunoutActions, m.GatedTransitions, m.ScriptDuration, m.GCodeCommandsTotal,
		m.HostUptime, m.GoGoroutines, m.GoMemoryHeap,
	} {
		m.registry.MustRegister(metric)
	}
	return m
}

// Registry returns the registry behind the host metrics.
func (m *HostMetrics) Registry() *Registry { return m.registry }

// PinChanged records a level change of pin.
func (m *HostMetrics) PinChanged(pin string, value bool) {
	labels := Labels{"pin": pin}
	v := 0.0
	if value {
		v = 1
	}
	m.PinValue.Set(labels, v)
	m.PinTransitions.Inc(labels)
}

// PinFault records a failed watcher of pin.
func (m *HostMetrics) PinFault(pin string, err error) {
	m.WatcherFaults.Inc(Labels{"pin": pin})
}

// ActionScheduled records a runout or insert action of sensor.
func (m *HostMetrics) ActionScheduled(sensor, action string) {
	m.RunoutActions.Inc(Labels{"sensor": sensor, "action": action})
}

// TransitionGated records a transition of sensor that ran nothing.
func (m *HostMetrics) TransitionGated(sensor, reason string) {
	m.GatedTransitions.Inc(Labels{"sensor": sensor, "reason": reason})
}

// ScriptFinished records how long a script of sensor took.
func (m *HostMetrics) ScriptFinished(sensor string, seconds float64) {
	m.ScriptDuration.Observe(Labels{"sensor": sensor}, seconds)
}

// Gather refreshes the runtime gauges and renders every metric.
func (m *HostMetrics) Gather() string {
	m.mu.Lock()
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	m.HostUptime.Set(nil, time.Since(m.startTime).Seconds())
	m.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.GoMemoryHeap.Set(nil, float64(ms.HeapInuse))
	m.mu.Unlock()
	return m.registry.Gather()
}
