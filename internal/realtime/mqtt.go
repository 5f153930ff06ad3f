package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttClient is the subset of mqtt.Client the channel uses.
type mqttClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTT is a Channel reading events from one broker topic per table,
// <prefix>/<table>.
type MQTT struct {
	client  mqttClient
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

var _ Channel = (*MQTT)(nil)

// MQTTConfig describes a broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// ConnectMQTT connects a client to the broker with auto-reconnect.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// NewMQTT creates a channel over a connected client. QoS 1 gives the
// at-least-once delivery the replication manager expects.
func NewMQTT(client mqtt.Client, prefix string, logger *slog.Logger) *MQTT {
	return newMQTT(client, prefix, logger)
}

func newMQTT(client mqttClient, prefix string, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "ringside/changes"
	}
	return &MQTT{
		client:  client,
		prefix:  prefix,
		qos:     1,
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// Topic returns the topic that carries events for table.
func (m *MQTT) Topic(table string) string {
	return m.prefix + "/" + table
}

func (m *MQTT) Subscribe(ctx context.Context, table string, h Handler) (Subscription, error) {
	topic := m.Topic(table)

	var (
		mu     sync.Mutex
		active = true
	)
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		ok := active
		mu.Unlock()
		if !ok {
			return
		}
		ev, err := DecodeEvent(msg.Payload(), table)
		if err != nil {
			m.logger.Warn("dropping malformed change event", "topic", msg.Topic(), "error", err)
			return
		}
		h(ev)
	}

	token := m.client.Subscribe(topic, m.qos, callback)
	if err := m.wait(ctx, token); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &mqttSubscription{
		stop: func() error {
			mu.Lock()
			active = false
			mu.Unlock()
			if err := m.wait(context.Background(), m.client.Unsubscribe(topic)); err != nil {
				return fmt.Errorf("unsubscribe %s: %w", topic, err)
			}
			return nil
		},
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func (m *MQTT) wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("timed out after %s", m.timeout)
	}
}

type mqttSubscription struct {
	once sync.Once
	stop func() error
	err  error
}

func (s *mqttSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.stop() })
	return s.err
}
