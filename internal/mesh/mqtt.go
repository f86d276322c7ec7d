package mesh

import (
	"context"
	"sync"

	"github.com/sosmesh/internal/mqttclient"
)

// DefaultTopic is the MQTT topic used as the shared broadcast channel.
const DefaultTopic = "sosmesh/broadcast"

// MQTTMedium uses one MQTT topic as the broadcast domain. Every node
// connected to the same broker (typically a broker running on a local
// access point) hears every frame, including its own.
type MQTTMedium struct {
	client *mqttclient.Client
	topic  string
	qos    byte
	subs   fanout

	mu         sync.Mutex
	subscribed bool
}

func NewMQTTMedium(client *mqttclient.Client, topic string, qos byte) *MQTTMedium {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTMedium{client: client, topic: topic, qos: qos}
}

func (m *MQTTMedium) Publish(ctx context.Context, frame []byte) error {
	return m.client.Publish(ctx, m.topic, frame, m.qos, false)
}

func (m *MQTTMedium) Subscribe(fn func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribed {
		err := m.client.Subscribe(m.topic, m.qos, func(_ string, payload []byte) {
			m.subs.deliver(payload)
		})
		if err != nil {
			return nil, err
		}
		m.subscribed = true
	}
	remove := m.subs.add(fn)
	return func() {
		remove()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.subscribed && m.subs.empty() {
			m.client.Unsubscribe(m.topic)
			m.subscribed = false
		}
	}, nil
}

// Close leaves the topic. The MQTT client is owned by the caller.
func (m *MQTTMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribed {
		return nil
	}
	m.subscribed = false
	return m.client.Unsubscribe(m.topic)
}
