package mqttbridge

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/vpin"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	opts ClientOptions

	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	published    []published
	handlers     map[string]MessageHandler
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.connected = true
	f.mu.Unlock()
	f.opts.OnConnect()
	return nil
}

// drop loses the connection and reconnects, the way paho does.
func (f *fakeClient) drop() {
	f.mu.Lock()
	f.handlers = nil
	f.mu.Unlock()
	f.opts.OnConnectionLost(errors.New("EOF"))
	f.opts.OnConnect()
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, string(payload), retained})
	return nil
}

func (f *fakeClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]MessageHandler)
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeClient) states() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.published {
		if strings.HasSuffix(m.topic, "/state") {
			out = append(out, m.topic+"="+m.payload)
		}
	}
	return out
}

type harness struct {
	p      *printer.Printer
	r      *reactor.Reactor
	chip   *vpin.Chip
	client *fakeClient
	bridge *Bridge
}

func newHarness(t *testing.T, cfgText string) (*harness, error) {
	t.Helper()
	h := &harness{client: &fakeClient{}}
	h.r = reactor.NewWithClock(reactor.NewManualClock(0))
	t.Cleanup(h.r.End)
	h.p = printer.New(h.r)
	chip, err := vpin.Register(h.p, nil)
	require.NoError(t, err)
	h.chip = chip
	Register(h.p, func(o ClientOptions) Client {
		h.client.opts = o
		return h.client
	})
	cfg, err := config.LoadString(cfgText)
	require.NoError(t, err)
	if err := h.p.Load(cfg); err != nil {
		return nil, err
	}
	obj, _ := h.p.LookupObject("mqtt_bridge")
	h.bridge = obj.(*Bridge)
	return h, h.p.Start()
}

const bridgeConfig = `
[mqtt_bridge]
broker: tcp://127.0.0.1:1883
topic_prefix: /farm/ams/
pins: pin1, lane_exit

[ams_pin lane_exit]
initial_value: 1
`

func TestBridgePublishesStates(t *testing.T) {
	h, err := newHarness(t, bridgeConfig)
	require.NoError(t, err)

	assert.True(t, h.client.connected)
	assert.Equal(t, "tcp://127.0.0.1:1883", h.client.opts.Broker)
	assert.Equal(t, "farm/ams/status", h.client.opts.WillTopic)
	assert.Equal(t, published{"farm/ams/status", "online", true}, h.client.published[0])
	assert.Equal(t, []string{"farm/ams/pin1/state=0", "farm/ams/lane_exit/state=1"}, h.client.states())

	pin, err := h.chip.Lookup("pin1")
	require.NoError(t, err)
	pin.SetValue(true)
	pin.SetValue(true)
	assert.Equal(t, "farm/ams/pin1/state=1", h.client.states()[2])
	assert.Len(t, h.client.states(), 3)
	for _, m := range h.client.published {
		assert.True(t, m.retained)
	}
}

func TestBridgeSetTopicDrivesPin(t *testing.T) {
	h, err := newHarness(t, bridgeConfig)
	require.NoError(t, err)

	h.client.deliver("farm/ams/lane_exit/set", "off")
	pin, _ := h.chip.Pin("lane_exit")
	assert.True(t, pin.Query())
	h.r.RunPending()
	assert.False(t, pin.Query())

	h.client.deliver("farm/ams/lane_exit/set", "maybe")
	h.r.RunPending()
	assert.False(t, pin.Query())

	st := h.bridge.GetStatus(0)
	assert.Equal(t, uint64(1), st["received"])
	assert.Equal(t, uint64(1), st["rejected"])
	assert.Equal(t, uint64(3), st["published"])

	_, ok := h.client.handlers["farm/ams/pin2/set"]
	assert.False(t, ok)
}

func TestBridgeDefaults(t *testing.T) {
	h, err := newHarness(t, "[mqtt_bridge]\nbroker: tcp://broker:1883\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.bridge.ClientID(), "vpin-"))
	assert.Len(t, h.bridge.ClientID(), len("vpin-")+36)
	assert.Len(t, h.client.states(), 8)
	assert.Equal(t, "vpin/pin8/set", h.bridge.SetTopic("pin8"))

	h.p.InvokeShutdown("test")
	assert.True(t, h.client.disconnected)
	assert.Equal(t, false, h.bridge.GetStatus(0)["connected"])
}

func TestBridgeErrors(t *testing.T) {
	_, err := newHarness(t, "[mqtt_bridge]\n")
	assert.Error(t, err)

	_, err = newHarness(t, "[mqtt_bridge]\nbroker: tcp://b:1883\nqos: 3\n")
	assert.Error(t, err)

	h, err := newHarness(t, "[mqtt_bridge]\nbroker: tcp://b:1883\npins: nope\n")
	require.Error(t, err)
	assert.False(t, h.client.connected)

	r := reactor.NewWithClock(reactor.NewManualClock(0))
	t.Cleanup(r.End)
	p := printer.New(r)
	_, err = vpin.Register(p, nil)
	require.NoError(t, err)
	down := &fakeClient{connectErr: errors.New("refused")}
	Register(p, func(o ClientOptions) Client {
		down.opts = o
		return down
	})
	cfg, err := config.LoadString("[mqtt_bridge]\nbroker: tcp://b:1883\n")
	require.NoError(t, err)
	require.NoError(t, p.Load(cfg))
	// an unreachable broker does not stop the host
	require.NoError(t, p.Start())
	assert.True(t, p.IsReady())
	assert.Empty(t, down.published)
	obj, _ := p.LookupObject("mqtt_bridge")
	assert.Equal(t, false, obj.(*Bridge).GetStatus(0)["connected"])
}

func TestBridgeResubscribesAfterReconnect(t *testing.T) {
	h, err := newHarness(t, bridgeConfig)
	require.NoError(t, err)

	h.client.drop()
	assert.Equal(t, true, h.bridge.GetStatus(0)["connected"])
	var online int
	for _, m := range h.client.published {
		if m.topic == "farm/ams/status" && m.payload == "online" {
			online++
		}
	}
	assert.Equal(t, 2, online)

	h.client.deliver("farm/ams/pin1/set", "1")
	h.r.RunPending()
	pin, _ := h.chip.Pin("pin1")
	assert.True(t, pin.Query())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]bool{"1": true, " ON ": true, "true": true, "0": false, "low": false} {
		v, ok := parseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, v, in)
	}
	_, ok := parseLevel("2")
	assert.False(t, ok)
}
