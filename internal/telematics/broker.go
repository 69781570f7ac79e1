// Package telematics connects ELD devices and fleet dashboards to the
// compliance engine over MQTT.
package telematics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	qosAtLeastOnce      = 1
	defaultWaitTimeout  = 10 * time.Second
	disconnectQuiesceMs = 250
	queueSize           = 1024
)

// Handler receives one message payload.
type Handler func(topic string, payload []byte)

// Broker is the part of an MQTT client the consumer and publisher need.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
}

// BrokerConfig configures Dial.
type BrokerConfig struct {
	URL      string
	ClientID string
	Timeout  time.Duration
}

// MQTTBroker is a Broker backed by a paho client. Subscriptions are
// restored after every reconnect.
//
// Each subscription has one worker draining a queue, so messages reach the
// handler in arrival order while the paho callback returns at once. A
// handler may therefore Publish and wait for the ack.
type MQTTBroker struct {
	client  mqtt.Client
	timeout time.Duration

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	handler Handler
	queue   chan message
	stopped bool // guarded by MQTTBroker.mu
}

// Dial connects to the broker at cfg.URL.
func Dial(cfg BrokerConfig) (*MQTTBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWaitTimeout
	}
	b := &MQTTBroker{timeout: cfg.Timeout, subs: make(map[string]*subscription)}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetOrderMatters(true).
		SetOnConnectHandler(b.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})
	b.client = mqtt.NewClient(opts)

	if err := b.wait(b.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	log.WithFields(log.Fields{"broker": cfg.URL, "client_id": cfg.ClientID}).Info("Connected to MQTT broker")
	return b, nil
}

func (b *MQTTBroker) wait(t mqtt.Token) error {
	if !t.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt operation timed out after %s", b.timeout)
	}
	return t.Error()
}

// Publish sends payload with QoS 1 and waits for the broker ack.
func (b *MQTTBroker) Publish(topic string, payload []byte) error {
	if err := b.wait(b.client.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic, which may contain wildcards.
func (b *MQTTBroker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("mqtt broker is closed")
	}
	if old, ok := b.subs[topic]; ok {
		old.stop()
	}
	sub := &subscription{handler: h, queue: make(chan message, queueSize)}
	b.subs[topic] = sub
	b.wg.Add(1)
	go b.work(sub)
	b.mu.Unlock()

	if err := b.wait(b.client.Subscribe(topic, qosAtLeastOnce, b.enqueue(sub))); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *MQTTBroker) work(sub *subscription) {
	defer b.wg.Done()
	for m := range sub.queue {
		sub.handler(m.topic, m.payload)
	}
}

func (b *MQTTBroker) enqueue(sub *subscription) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.stopped {
			return
		}
		sub.queue <- message{topic: m.Topic(), payload: m.Payload()}
	}
}

func (s *subscription) stop() {
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
}

func (b *MQTTBroker) resubscribe(c mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, sub := range b.subs {
		// subscribing from the connect callback must not block on the token
		c.Subscribe(topic, qosAtLeastOnce, b.enqueue(sub))
		log.WithField("topic", topic).Debug("Resubscribed")
	}
}

// Close disconnects from the broker and waits for queued messages to be
// handled.
func (b *MQTTBroker) Close() {
	b.client.Disconnect(disconnectQuiesceMs)
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, sub := range b.subs {
			sub.stop()
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
