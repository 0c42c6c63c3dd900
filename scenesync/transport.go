package scenesync

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/golang/glog"
)

// InboundMessage is one raw message parked in the mailbox until the
// tick loop drains it.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// Transport is the pub/sub connection surface the session drives. The
// network goroutine only ever appends to the mailbox; all scene state
// is touched by the tick loop alone.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte, qos byte) error
	// PublishQos is the configured delivery QoS for outbound publishes
	PublishQos() byte
	Subscribe(filters ...string) error
	// DrainMailbox swaps out and returns the buffered inbound batch.
	// Called only by the tick loop.
	DrainMailbox() []*InboundMessage
	// ConnectionLost signals an unexpected disconnect, distinct from a
	// graceful Close
	ConnectionLost() <-chan error
	Connected() bool
	Close()
}

type WillMessage struct {
	Topic   string
	Payload []byte
	Qos     byte
}

type MqttTransportSettings struct {
	BrokerUrl string
	ClientId  string
	Username  string
	// the session token rides as the connection password
	Token string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// publish at-most-once, subscribe exactly-once. The asymmetry is
	// intentional: periodic republish self-heals a lost update, a lost
	// create or delete does not self-heal.
	PublishQos   byte
	SubscribeQos byte

	// delivered by the broker on ungraceful disconnect
	Will *WillMessage

	// messages parked between ticks before the oldest are dropped
	MailboxLimit int
}

func DefaultMqttTransportSettings() *MqttTransportSettings {
	return &MqttTransportSettings{
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
		PublishQos:     0,
		SubscribeQos:   2,
		MailboxLimit:   4096,
	}
}

// MqttTransport is the MQTT-backed Transport. Reconnection is not
// automatic: the session token may have expired with the connection, so
// a lost connection is surfaced to the owner instead of retried.
type MqttTransport struct {
	settings *MqttTransportSettings

	client mqtt.Client

	mutex   sync.Mutex
	mailbox []*InboundMessage
	dropped int

	connectionLost chan error
	closed         bool
}

func NewMqttTransportWithDefaults(brokerUrl string, clientId string, username string, token string) *MqttTransport {
	settings := DefaultMqttTransportSettings()
	settings.BrokerUrl = brokerUrl
	settings.ClientId = clientId
	settings.Username = username
	settings.Token = token
	return NewMqttTransport(settings)
}

func NewMqttTransport(settings *MqttTransportSettings) *MqttTransport {
	transport := &MqttTransport{
		settings:       settings,
		connectionLost: make(chan error, 1),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.BrokerUrl)
	opts.SetClientID(settings.ClientId)
	opts.SetUsername(settings.Username)
	opts.SetPassword(settings.Token)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(settings.KeepAlive)
	opts.SetConnectTimeout(settings.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetDefaultPublishHandler(func(client mqtt.Client, message mqtt.Message) {
		transport.append(&InboundMessage{
			Topic:   message.Topic(),
			Payload: message.Payload(),
		})
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		glog.Infof("[t]connection lost = %s\n", err)
		transport.mutex.Lock()
		closed := transport.closed
		transport.mutex.Unlock()
		if closed {
			return
		}
		select {
		case transport.connectionLost <- err:
		default:
		}
	})
	if settings.Will != nil {
		opts.SetBinaryWill(settings.Will.Topic, settings.Will.Payload, settings.Will.Qos, false)
	}

	transport.client = mqtt.NewClient(opts)
	return transport
}

func (self *MqttTransport) Connect(ctx context.Context) error {
	token := self.client.Connect()
	if !token.WaitTimeout(self.settings.ConnectTimeout) {
		return &ConnectError{Message: "connect timeout"}
	}
	if err := token.Error(); err != nil {
		return &ConnectError{Message: "connect failed", Cause: err}
	}
	glog.Infof("[t]connected %s as %s\n", self.settings.BrokerUrl, self.settings.Username)
	return nil
}

func (self *MqttTransport) Publish(topic string, payload []byte, qos byte) error {
	token := self.client.Publish(topic, qos, false, payload)
	if qos == 0 {
		// at-most-once returns immediately
		return token.Error()
	}
	if !token.WaitTimeout(self.settings.PublishTimeout) {
		return &ConnectError{Message: "publish timeout"}
	}
	return token.Error()
}

func (self *MqttTransport) PublishQos() byte {
	return self.settings.PublishQos
}

func (self *MqttTransport) Subscribe(filters ...string) error {
	subscriptions := map[string]byte{}
	for _, filter := range filters {
		subscriptions[filter] = self.settings.SubscribeQos
	}
	token := self.client.SubscribeMultiple(subscriptions, nil)
	if !token.WaitTimeout(self.settings.ConnectTimeout) {
		return &ConnectError{Message: "subscribe timeout"}
	}
	if err := token.Error(); err != nil {
		return &ConnectError{Message: "subscribe failed", Cause: err}
	}
	return nil
}

func (self *MqttTransport) append(message *InboundMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.settings.MailboxLimit <= len(self.mailbox) {
		// drop oldest
		self.mailbox = self.mailbox[1:]
		self.dropped += 1
		if self.dropped%100 == 1 {
			glog.Infof("[t]mailbox full, dropped %d\n", self.dropped)
		}
	}
	self.mailbox = append(self.mailbox, message)
}

func (self *MqttTransport) DrainMailbox() []*InboundMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	mailbox := self.mailbox
	self.mailbox = nil
	return mailbox
}

func (self *MqttTransport) ConnectionLost() <-chan error {
	return self.connectionLost
}

func (self *MqttTransport) Connected() bool {
	return self.client.IsConnectionOpen()
}

func (self *MqttTransport) Close() {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()

	// quiesce so queued publishes flush before the socket drops
	self.client.Disconnect(250)
	glog.V(2).Infof("[t]closed\n")
}
