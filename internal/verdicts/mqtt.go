package verdicts

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
)

const publishTimeout = 5 * time.Second

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
}

// publisher is the subset of mqtt.Client the sink needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes every verdict as JSON to Topic and non-compliant
// verdicts additionally to Topic+"/alerts". QoS 0, not retained.
type MQTTSink struct {
	client  publisher
	topic   string
	pending sync.WaitGroup
	closeFn func()
}

// DialMQTT connects to the broker and returns a ready sink.
func DialMQTT(opts MQTTOptions) (*MQTTSink, error) {
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.OnConnect = func(c mqtt.Client) {
		logger.Info("MQTT", "Connected to %s", opts.Broker)
	}
	co.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection lost: %v", err)
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}

	s := newMQTTSink(client, opts.Topic)
	s.closeFn = func() { client.Disconnect(250) }
	return s, nil
}

func newMQTTSink(client publisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic}
}

// Publish implements Sink. Delivery is confirmed asynchronously.
func (s *MQTTSink) Publish(v Verdict) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("MQTT", "Marshal verdict %s: %v", v.ID, err)
		return
	}

	s.send(s.topic, payload)
	if !v.Compliant {
		s.send(s.topic+"/alerts", payload)
	}
}

func (s *MQTTSink) send(topic string, payload []byte) {
	token := s.client.Publish(topic, 0, false, payload)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if !token.WaitTimeout(publishTimeout) {
			logger.Warn("MQTT", "Publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			logger.Warn("MQTT", "Publish to %s failed: %v", topic, err)
		}
	}()
}

// Close waits for in-flight publishes and disconnects.
func (s *MQTTSink) Close() {
	s.pending.Wait()
	if s.closeFn != nil {
		s.closeFn()
	}
}
