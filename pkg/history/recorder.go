// Package history records pin transitions and runout decisions in a
// SQLite database:
//
//	[pin_history]
//	path: ~/printer_data/vpin_history.db   # default :memory:
//	max_events: 10000
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/vpin"
)

const pruneEvery = 100

// Recorder observes pins and sensors. It records nothing until the
// [pin_history] section opened a store.
type Recorder struct {
	p       *printer.Printer
	session string
	log     *log.Logger

	mu        sync.Mutex
	store     *Store
	path      string
	maxEvents int
	writes    int
	failures  uint64
}

// NewRecorder creates a recorder with a fresh session id.
func NewRecorder(p *printer.Printer) *Recorder {
	return &Recorder{
		p:       p,
		session: uuid.NewString(),
		log:     log.GetLogger("pin_history"),
	}
}

// GetName returns "pin_history".
func (r *Recorder) GetName() string { return "pin_history" }

// Session returns the id stored with every event of this process.
func (r *Recorder) Session() string { return r.session }

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func (r *Recorder) open(sec *config.Section) error {
	path, err := sec.Get("path", ":memory:")
	if err != nil {
		return err
	}
	maxEvents, err := sec.GetIntWithBounds("max_events", config.IntBounds{MinVal: config.Int(0)}, 10000)
	if err != nil {
		return err
	}
	store, err := Open(expandHome(path))
	if err != nil {
		return config.WrapError(sec.GetName(), "path", err)
	}
	if err := r.p.GCode().RegisterCommand("QUERY_PIN_HISTORY", r.cmdQuery,
		"Report recent pin transitions and runout decisions"); err != nil {
		store.Close()
		return err
	}

	r.mu.Lock()
	r.store = store
	r.path = path
	r.maxEvents = maxEvents
	r.mu.Unlock()
	r.p.RegisterEventHandler(printer.EventShutdown, r.Close)
	r.log.Info("recording session %s to %s", r.session, path)
	return nil
}

// Close closes the store. Later events are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	store := r.store
	r.store = nil
	r.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Close()
}

func (r *Recorder) record(kind, subject, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return
	}
	ctx := context.Background()
	err := r.store.Write(ctx, Event{
		Session:   r.session,
		Eventtime: r.p.Reactor().Monotonic(),
		Kind:      kind,
		Subject:   subject,
		Detail:    detail,
	})
	if err != nil {
		r.failures++
		r.log.WithError(err).Warn("event not recorded")
		return
	}
	r.writes++
	if r.maxEvents > 0 && r.writes%pruneEvery == 0 {
		if _, err := r.store.Prune(ctx, r.maxEvents); err != nil {
			r.log.WithError(err).Warn("prune failed")
		}
	}
}

// PinChanged records a level change.
func (r *Recorder) PinChanged(pin string, value bool) {
	detail := "0"
	if value {
		detail = "1"
	}
	r.record(KindPin, pin, detail)
}

// PinFault records a failed watcher.
func (r *Recorder) PinFault(pin string, err error) {
	r.record(KindFault, pin, err.Error())
}

// ActionScheduled records a runout or insert action.
func (r *Recorder) ActionScheduled(sensor, action string) {
	r.record(KindAction, sensor, action)
}

// TransitionGated records a presence change that ran nothing.
func (r *Recorder) TransitionGated(sensor, reason string) {
	r.record(KindGated, sensor, reason)
}

// Recent returns up to limit events of subject, newest first.
func (r *Recorder) Recent(subject string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return nil, fmt.Errorf("pin history is not enabled")
	}
	return r.store.Recent(context.Background(), subject, limit)
}

func (r *Recorder) cmdQuery(cmd *gcode.Command) error {
	count, err := cmd.GetInt("COUNT", 10)
	if err != nil {
		return err
	}
	if count < 1 || count > 1000 {
		return fmt.Errorf("COUNT must be between 1 and 1000")
	}
	subject, err := cmd.Get("SENSOR", "")
	if err != nil {
		return err
	}
	pin, err := cmd.Get("PIN", "")
	if err != nil {
		return err
	}
	if pin != "" {
		subject = pin
		if !strings.Contains(pin, ":") {
			subject = vpin.ChipName + ":" + pin
		}
	}
	events, err := r.Recent(subject, count)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		cmd.RespondInfo("No events recorded")
		return nil
	}
	lines := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		lines = append(lines, fmt.Sprintf("%.3f %s %s %s", ev.Eventtime, ev.Kind, ev.Subject, ev.Detail))
	}
	cmd.RespondInfo(strings.Join(lines, "\n"))
	return nil
}

// GetStatus reports the database and how many events it holds.
func (r *Recorder) GetStatus(eventtime float64) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := map[string]interface{}{
		"enabled":  r.store != nil,
		"session":  r.session,
		"path":     r.path,
		"failures": r.failures,
	}
	if r.store != nil {
		if n, err := r.store.Count(context.Background()); err == nil {
			status["events"] = n
		}
	}
	return status
}

// Register installs the [pin_history] factory and returns the recorder to
// hand to the pin chip and the sensors as an observer.
func Register(p *printer.Printer) *Recorder {
	r := NewRecorder(p)
	p.Modules().Register("pin_history", func(sec *config.Section) (config.Module, error) {
		if err := r.open(sec); err != nil {
			return nil, err
		}
		return r, nil
	})
	return r
}
