package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers is the delivery metadata of a task
type Headers struct {
	DeliveryTag   uint64
	ConsumerTag   string
	Exchange      string
	RoutingKey    string
	Redelivered   bool
	MessageID     string
	CorrelationID string
	ContentType   string
	Timestamp     time.Time
	// Table holds the application headers
	Table map[string]any
}

// HeadersFromDelivery copies the metadata of d
func HeadersFromDelivery(d amqp.Delivery) Headers {
	return Headers{
		DeliveryTag:   d.DeliveryTag,
		ConsumerTag:   d.ConsumerTag,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Timestamp:     d.Timestamp,
		Table:         map[string]any(d.Headers),
	}
}

// Get returns an application header
func (h Headers) Get(key string) (any, bool) {
	if h.Table == nil {
		return nil, false
	}
	v, ok := h.Table[key]
	return v, ok
}

// Route returns the route header if it is set to a string
func (h Headers) Route() (string, bool) {
	v, ok := h.Get(HeaderRoute)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
