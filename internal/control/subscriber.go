package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
)

// requestTimeout bounds one flag write triggered by an MQTT message.
const requestTimeout = 5 * time.Second

// MQTTClient is the subset of *mqtt.Client the subscriber needs.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// requestPayload is the optional JSON body of a request message. An empty
// body means {"value": true}.
type requestPayload struct {
	Value *bool `json:"value"`
}

// Subscriber feeds MQTT request topics of one station into a Controller.
type Subscriber struct {
	client     MQTTClient
	controller *Controller
	topics     mqtt.Topics
	stationID  string
	qos        byte
}

// NewSubscriber creates a subscriber for stationID's request topics.
func NewSubscriber(client MQTTClient, controller *Controller, topics mqtt.Topics, stationID string, qos byte) *Subscriber {
	return &Subscriber{
		client:     client,
		controller: controller,
		topics:     topics,
		stationID:  stationID,
		qos:        qos,
	}
}

// Start subscribes to {prefix}/scan/{station}/request/+.
func (s *Subscriber) Start() error {
	topic := s.topics.AllScanRequests(s.stationID)
	if err := s.client.Subscribe(topic, s.qos, s.handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Stop removes the subscription.
func (s *Subscriber) Stop() error {
	return s.client.Unsubscribe(s.topics.AllScanRequests(s.stationID))
}

func (s *Subscriber) handle(topic string, payload []byte) error {
	station, request, ok := s.topics.ParseScanRequest(topic)
	if !ok || station != s.stationID {
		return nil
	}

	value := true
	if len(payload) > 0 {
		var p requestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.Value != nil {
			value = *p.Value
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return s.controller.RequestFrom(ctx, scandb.SourceMQTT, request, value)
}
