package mqttbridge

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler receives a message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Client is the part of an MQTT client the bridge uses.
type Client interface {
	Connect() error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Disconnect()
}

// ClientOptions configures a broker connection.
type ClientOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// WillTopic receives WillPayload, retained, when the connection drops.
	WillTopic   string
	WillPayload string
	// OnConnect runs on the client's goroutine after every connect,
	// including reconnects.
	OnConnect        func()
	OnConnectionLost func(err error)
}

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type pahoClient struct {
	client paho.Client
}

// NewPahoClient creates a client for a real broker. It reconnects on its
// own after a drop.
func NewPahoClient(o ClientOptions) Client {
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if o.Username != "" {
		opts.SetUsername(o.Username).SetPassword(o.Password)
	}
	if o.WillTopic != "" {
		opts.SetWill(o.WillTopic, o.WillPayload, 1, true)
	}
	if o.OnConnect != nil {
		opts.SetOnConnectHandler(func(paho.Client) { o.OnConnect() })
	}
	if o.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) { o.OnConnectionLost(err) })
	}
	return &pahoClient{client: paho.NewClient(opts)}
}

// Connect starts connecting and returns at once. Until the broker answers
// the client keeps retrying in the background.
func (c *pahoClient) Connect() error {
	token := c.client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			logger.WithError(token.Error()).Warn("connect to broker failed")
		}
	}()
	return nil
}

// Publish queues payload. Delivery is confirmed in the background so the
// caller never waits on the broker.
func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			logger.WithError(token.Error()).Warn("publish to " + topic + " failed")
		}
	}()
	return nil
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(1000)
}
