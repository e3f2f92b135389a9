// Package statusapi serves printer object status and G-code over HTTP and
// a JSON-RPC websocket, in the shape Moonraker clients expect:
//
//	[status_server]
//	address: 127.0.0.1:7125
//
// Clients poll; there are no status subscriptions.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

const loopTimeout = 5 * time.Second

var errMethodNotFound = errors.New("method not found")

// ScriptHook is told about every script run through the API.
type ScriptHook func(script string, err error)

// Server is the [status_server] section.
type Server struct {
	p        *printer.Printer
	addr     string
	log      *log.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	hook     ScriptHook

	mu       sync.Mutex
	listener net.Listener
	clients  map[*wsClient]struct{}
}

// New creates a server for p listening on addr once started.
func New(p *printer.Printer, addr string) *Server {
	s := &Server{
		p:       p,
		addr:    addr,
		log:     log.GetLogger("status_server"),
		clients: make(map[*wsClient]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleMethod("server.info"))
	mux.HandleFunc("/printer/info", s.handleMethod("printer.info"))
	mux.HandleFunc("/printer/objects/list", s.handleMethod("printer.objects.list"))
	mux.HandleFunc("/printer/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/printer/gcode/script", s.handleGCodeScript)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// NewFromConfig builds the [status_server] section.
func NewFromConfig(p *printer.Printer, sec *config.Section) (*Server, error) {
	addr, err := sec.Get("address", "127.0.0.1:7125")
	if err != nil {
		return nil, err
	}
	s := New(p, addr)
	p.RegisterEventHandler(printer.EventReady, s.Start)
	p.RegisterEventHandler(printer.EventShutdown, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.Shutdown(ctx)
	})
	return s, nil
}

// GetName returns "status_server".
func (s *Server) GetName() string { return "status_server" }

// SetScriptHook installs fn to be told about scripts run by clients.
func (s *Server) SetScriptHook(fn ScriptHook) { s.hook = fn }

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("status server listening on %s", ln.Addr())
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("status server stopped")
		}
	}()
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown closes websocket clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	if !started {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// GetStatus reports the address and the number of websocket clients.
func (s *Server) GetStatus(eventtime float64) map[string]interface{} {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return map[string]interface{}{"address": s.Addr(), "websocket_count": n}
}

// onLoop runs fn on the reactor and waits for its result.
func (s *Server) onLoop(fn func(eventtime float64) (interface{}, error)) (interface{}, error) {
	type reply struct {
		v   interface{}
		err error
	}
	c := s.p.Reactor().RegisterAsyncCallback(func(eventtime float64) interface{} {
		v, err := fn(eventtime)
		return reply{v, err}
	}, reactor.NOW)
	switch res := c.Wait(loopTimeout, nil).(type) {
	case reply:
		return res.v, res.err
	case error:
		return nil, res
	default:
		return nil, fmt.Errorf("timeout waiting for the printer")
	}
}

// call dispatches one JSON-RPC method.
func (s *Server) call(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case "server.info":
		state, _ := s.p.State()
		return map[string]interface{}{
			"klippy_connected": true,
			"klippy_state":     string(state),
			"components":       []string{"klippy_apis"},
		}, nil
	case "printer.info":
		state, msg := s.p.State()
		hostname, _ := os.Hostname()
		return map[string]interface{}{
			"state":         string(state),
			"state_message": msg,
			"hostname":      hostname,
		}, nil
	case "printer.objects.list":
		return s.onLoop(func(float64) (interface{}, error) {
			return map[string]interface{}{"objects": s.p.StatusObjects()}, nil
		})
	case "printer.objects.query":
		objects, err := parseObjects(params["objects"])
		if err != nil {
			return nil, err
		}
		return s.queryObjects(objects)
	case "printer.gcode.script":
		script, ok := params["script"].(string)
		if !ok {
			return nil, fmt.Errorf("missing 'script' parameter")
		}
		return s.runScript(script)
	case "server.connection.identify":
		return map[string]interface{}{"connection_id": 0}, nil
	}
	return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
}

// parseObjects reads {"name": null | ["attr", ...]}.
func parseObjects(v interface{}) (map[string][]string, error) {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}
	out := make(map[string][]string, len(raw))
	for name, attrs := range raw {
		list, _ := attrs.([]interface{})
		var names []string
		for _, a := range list {
			if s, ok := a.(string); ok {
				names = append(names, s)
			}
		}
		out[name] = names
	}
	return out, nil
}

func (s *Server) queryObjects(objects map[string][]string) (interface{}, error) {
	return s.onLoop(func(eventtime float64) (interface{}, error) {
		names := make([]string, 0, len(objects))
		for n := range objects {
			names = append(names, n)
		}
		sort.Strings(names)
		status := make(map[string]interface{}, len(names))
		for name, st := range s.p.GetStatus(eventtime, names...) {
			status[name] = filterAttrs(st, objects[name])
		}
		return map[string]interface{}{"eventtime": eventtime, "status": status}, nil
	})
}

func filterAttrs(st map[string]interface{}, attrs []string) map[string]interface{} {
	if len(attrs) == 0 {
		return st
	}
	out := make(map[string]interface{}, len(attrs))
	for _, a := range attrs {
		if v, ok := st[a]; ok {
			out[a] = v
		}
	}
	return out
}

func (s *Server) runScript(script string) (interface{}, error) {
	_, err := s.onLoop(func(float64) (interface{}, error) {
		return nil, s.p.GCode().Process(script)
	})
	if s.hook != nil {
		s.hook(script, err)
	}
	if err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) handleMethod(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.call(method, nil)
		writeResult(w, result, err)
	}
}

// handleObjectsQuery takes ?name or ?name=attr1,attr2 per object.
func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	objects := make(map[string][]string)
	for name, values := range r.URL.Query() {
		var attrs []string
		for _, v := range values {
			for _, a := range strings.Split(v, ",") {
				if a = strings.TrimSpace(a); a != "" {
					attrs = append(attrs, a)
				}
			}
		}
		objects[name] = attrs
	}
	result, err := s.queryObjects(objects)
	writeResult(w, result, err)
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	script := r.URL.Query().Get("script")
	if script == "" && r.Body != nil {
		var body struct {
			Script string `json:"script"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeResult(w, nil, fmt.Errorf("invalid request body: %w", err))
			return
		}
		script = body.Script
	}
	if script == "" {
		writeResult(w, nil, fmt.Errorf("missing 'script' parameter"))
		return
	}
	result, err := s.runScript(script)
	writeResult(w, result, err)
}

func writeResult(w http.ResponseWriter, result interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 400, "message": err.Error()},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
}

// Register installs the [status_server] factory. hook may be nil.
func Register(p *printer.Printer, hook ScriptHook) {
	p.Modules().Register("status_server", func(sec *config.Section) (config.Module, error) {
		s, err := NewFromConfig(p, sec)
		if err != nil {
			return nil, err
		}
		if hook != nil {
			s.SetScriptHook(hook)
		}
		return s, nil
	})
}
