// MQTT bridge for virtual pins
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mqttbridge mirrors virtual pins to an MQTT broker. Every level
// change is published, retained, on <prefix>/<pin>/state and a message on
// <prefix>/<pin>/set drives the pin:
//
//	[mqtt_bridge]
//	broker: tcp://127.0.0.1:1883
//	topic_prefix: vpin
//	#client_id: vpin-<random>
//	#pins: pin1, pin2        # default: every pin of the chip
//	#qos: 0
//	#username:
//	#password:
package mqttbridge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/vpin"
)

var logger = log.GetLogger("mqtt_bridge")

// Bridge is the [mqtt_bridge] section.
type Bridge struct {
	p        *printer.Printer
	client   Client
	prefix   string
	qos      byte
	clientID string
	broker   string
	pinNames []string

	mu        sync.Mutex
	pins      []*vpin.VirtualPin
	published uint64
	received  uint64
	rejected  uint64
	started   bool
	connected bool
}

// ClientFactory builds the broker client for a bridge.
type ClientFactory func(ClientOptions) Client

// New builds the [mqtt_bridge] section. newClient may be nil to use a
// real broker connection.
func New(p *printer.Printer, sec *config.Section, newClient ClientFactory) (*Bridge, error) {
	broker, err := sec.Get("broker")
	if err != nil {
		return nil, err
	}
	prefix, err := sec.Get("topic_prefix", "vpin")
	if err != nil {
		return nil, err
	}
	prefix = strings.Trim(prefix, "/")
	clientID, err := sec.Get("client_id", "vpin-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	names, err := sec.GetList("pins", ",", nil)
	if err != nil {
		return nil, err
	}
	qos, err := sec.GetIntWithBounds("qos", config.IntBounds{MinVal: config.Int(0), MaxVal: config.Int(2)}, 0)
	if err != nil {
		return nil, err
	}
	user, err := sec.Get("username", "")
	if err != nil {
		return nil, err
	}
	pass, err := sec.Get("password", "")
	if err != nil {
		return nil, err
	}

	if newClient == nil {
		newClient = NewPahoClient
	}
	b := &Bridge{
		p:        p,
		prefix:   prefix,
		qos:      byte(qos),
		clientID: clientID,
		broker:   broker,
		pinNames: names,
	}
	b.client = newClient(ClientOptions{
		Broker:           broker,
		ClientID:         clientID,
		Username:         user,
		Password:         pass,
		WillTopic:        prefix + "/status",
		WillPayload:      "offline",
		OnConnect:        b.onConnect,
		OnConnectionLost: b.onConnectionLost,
	})
	// Pins named by later sections only exist once the whole file loaded.
	p.RegisterEventHandler(printer.EventConnect, b.resolvePins)
	p.RegisterEventHandler(printer.EventReady, b.start)
	p.RegisterEventHandler(printer.EventShutdown, b.stop)
	return b, nil
}

// GetName returns "mqtt_bridge".
func (b *Bridge) GetName() string { return "mqtt_bridge" }

// ClientID returns the MQTT client id in use.
func (b *Bridge) ClientID() string { return b.clientID }

func (b *Bridge) resolvePins() error {
	var pins []*vpin.VirtualPin
	if len(b.pinNames) == 0 {
		obj, ok := b.p.LookupObject(vpin.ChipName)
		if !ok {
			return fmt.Errorf("pin chip %s not available", vpin.ChipName)
		}
		pins = obj.(*vpin.Chip).Pins()
	}
	for _, name := range b.pinNames {
		pin, err := vpin.LoadPin(b.p, name)
		if err != nil {
			return config.WrapError(b.GetName(), "pins", err)
		}
		pins = append(pins, pin)
	}
	b.mu.Lock()
	b.pins = pins
	b.mu.Unlock()
	return nil
}

// StateTopic returns the topic pin levels are published on.
func (b *Bridge) StateTopic(pin string) string { return b.prefix + "/" + pin + "/state" }

// SetTopic returns the topic that drives pin.
func (b *Bridge) SetTopic(pin string) string { return b.prefix + "/" + pin + "/set" }

// start connects to the broker. A broker that cannot be reached is
// logged and leaves the pins unbridged; the host keeps running.
func (b *Bridge) start() error {
	if err := b.client.Connect(); err != nil {
		logger.WithError(err).Warnf("broker %s unreachable, pins are not bridged", b.broker)
		return nil
	}
	b.mu.Lock()
	b.started = true
	pins := append([]*vpin.VirtualPin(nil), b.pins...)
	b.mu.Unlock()
	for _, pin := range pins {
		pin := pin
		// Subscribe replays the current level, so the retained state is
		// fresh after every start.
		pin.Subscribe(vpin.WatcherFunc(func(value bool) error {
			return b.publishState(pin, value)
		}))
	}
	return nil
}

// onConnect runs on the client's goroutine. Set topics are subscribed
// again on every connect since the broker may have dropped the session.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	b.connected = true
	pins := append([]*vpin.VirtualPin(nil), b.pins...)
	b.mu.Unlock()
	logger.Info("connected as %s, bridging %d pins under %s/", b.clientID, len(pins), b.prefix)

	if err := b.client.Publish(b.prefix+"/status", 1, true, []byte("online")); err != nil {
		logger.WithError(err).Warn("status publish failed")
	}
	for _, pin := range pins {
		pin := pin
		if err := b.client.Subscribe(b.SetTopic(pin.Name()), b.qos, func(topic string, payload []byte) {
			b.handleSet(pin, payload)
		}); err != nil {
			logger.WithError(err).Warnf("pin %s cannot be set over mqtt", pin.FullName())
		}
	}
}

func (b *Bridge) onConnectionLost(err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	logger.WithError(err).Warn("lost broker connection, reconnecting")
}

func (b *Bridge) stop() error {
	b.mu.Lock()
	started := b.started
	b.started = false
	b.connected = false
	b.mu.Unlock()
	if started {
		b.client.Disconnect()
	}
	return nil
}

func (b *Bridge) publishState(pin *vpin.VirtualPin, value bool) error {
	payload := "0"
	if value {
		payload = "1"
	}
	if err := b.client.Publish(b.StateTopic(pin.Name()), b.qos, true, []byte(payload)); err != nil {
		return err
	}
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	return nil
}

// handleSet runs on the client's goroutine; the level change itself is
// made on the reactor.
func (b *Bridge) handleSet(pin *vpin.VirtualPin, payload []byte) {
	value, ok := parseLevel(string(payload))
	if !ok {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		logger.Warn("ignoring %q on %s", payload, b.SetTopic(pin.Name()))
		return
	}
	b.mu.Lock()
	b.received++
	b.mu.Unlock()
	c := b.p.Reactor().RegisterAsyncCallback(func(eventtime float64) interface{} {
		pin.SetValue(value)
		return nil
	}, reactor.NOW)
	if c.Test() && c.Result() == reactor.ErrQueueFull {
		logger.Warn("reactor queue full, dropped set of %s", pin.FullName())
	}
}

func parseLevel(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "on", "true", "high":
		return true, true
	case "0", "off", "false", "low":
		return false, true
	}
	return false, false
}

// GetStatus reports the connection and message counts.
func (b *Bridge) GetStatus(eventtime float64) map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"connected": b.connected,
		"client_id": b.clientID,
		"published": b.published,
		"received":  b.received,
		"rejected":  b.rejected,
	}
}

// Register installs the [mqtt_bridge] factory. newClient may be nil.
func Register(p *printer.Printer, newClient ClientFactory) {
	p.Modules().Register("mqtt_bridge", func(sec *config.Section) (config.Module, error) {
		return New(p, sec, newClient)
	})
}
