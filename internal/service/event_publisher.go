package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/pkg/kafka"
	"github.com/suriyaw/concert-gate/pkg/retry"
)

// EventPublisher defines the interface for publishing gate events
type EventPublisher interface {
	// PublishHoldCreated publishes a hold created event
	PublishHoldCreated(ctx context.Context, hold *domain.HoldSummary) error

	// PublishHoldReleased publishes a hold released event
	PublishHoldReleased(ctx context.Context, hold *domain.HoldSummary) error

	// PublishUserAdmitted publishes a user admitted event
	PublishUserAdmitted(ctx context.Context, scheduleID int64, userKey string) error

	// Close closes the event publisher
	Close() error
}

// KafkaEventPublisher implements EventPublisher using Kafka with retry and
// DLQ fallback for events that exhaust their retries.
type KafkaEventPublisher struct {
	producer    *kafka.Producer
	dlqHandler  *retry.DLQHandler
	topic       string
	serviceName string
}

// EventPublisherConfig contains configuration for the event publisher
type EventPublisherConfig struct {
	Brokers     []string
	Topic       string
	ServiceName string
	ClientID    string
}

// NewKafkaEventPublisher creates a new Kafka event publisher
func NewKafkaEventPublisher(ctx context.Context, cfg *EventPublisherConfig) (*KafkaEventPublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("event publisher config is required")
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "gate-events"
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "concert-gate"
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "concert-gate-producer"
	}

	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      clientID,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
		BatchSize:     100,
		LingerMs:      10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	dlqPublisher := retry.NewKafkaDLQPublisher(
		&retry.KafkaProducerAdapter{Producer: producer},
		&retry.DLQConfig{TopicSuffix: ".dlq", Source: serviceName},
	)
	dlqHandler := retry.NewDLQHandler(dlqPublisher, &retry.DLQHandlerConfig{
		RetryConfig: retry.DefaultConfig(),
		Source:      serviceName,
	})

	return &KafkaEventPublisher{
		producer:    producer,
		dlqHandler:  dlqHandler,
		topic:       topic,
		serviceName: serviceName,
	}, nil
}

// PublishHoldCreated publishes a hold created event
func (p *KafkaEventPublisher) PublishHoldCreated(ctx context.Context, hold *domain.HoldSummary) error {
	eventID := uuid.New().String()
	return p.publishEvent(ctx, domain.NewHoldEvent(domain.EventHoldCreated, hold, eventID))
}

// PublishHoldReleased publishes a hold released event
func (p *KafkaEventPublisher) PublishHoldReleased(ctx context.Context, hold *domain.HoldSummary) error {
	eventID := uuid.New().String()
	return p.publishEvent(ctx, domain.NewHoldEvent(domain.EventHoldReleased, hold, eventID))
}

// PublishUserAdmitted publishes a user admitted event
func (p *KafkaEventPublisher) PublishUserAdmitted(ctx context.Context, scheduleID int64, userKey string) error {
	eventID := uuid.New().String()
	return p.publishEvent(ctx, domain.NewAdmissionEvent(scheduleID, userKey, eventID))
}

// Close closes the event publisher
func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		p.producer.Close()
	}
	return nil
}

// publishEvent publishes one event, retrying and falling back to the DLQ
func (p *KafkaEventPublisher) publishEvent(ctx context.Context, event *domain.GateEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type":   string(event.EventType),
		"event_id":     event.EventID,
		"source":       p.serviceName,
		"content_type": "application/json",
	}

	msg := &kafka.Message{
		Topic:     p.topic,
		Key:       []byte(event.Key()),
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	}

	msgCtx := &retry.MessageContext{
		ID:      event.EventID,
		Topic:   p.topic,
		Key:     event.Key(),
		Payload: value,
		Headers: headers,
	}

	return p.dlqHandler.ProcessWithDLQ(ctx, msgCtx, func(ctx context.Context) error {
		return p.producer.Produce(ctx, msg)
	})
}

// NoOpEventPublisher is a no-op implementation of EventPublisher for testing
type NoOpEventPublisher struct{}

// NewNoOpEventPublisher creates a new no-op event publisher
func NewNoOpEventPublisher() *NoOpEventPublisher {
	return &NoOpEventPublisher{}
}

// PublishHoldCreated is a no-op
func (p *NoOpEventPublisher) PublishHoldCreated(ctx context.Context, hold *domain.HoldSummary) error {
	return nil
}

// PublishHoldReleased is a no-op
func (p *NoOpEventPublisher) PublishHoldReleased(ctx context.Context, hold *domain.HoldSummary) error {
	return nil
}

// PublishUserAdmitted is a no-op
func (p *NoOpEventPublisher) PublishUserAdmitted(ctx context.Context, scheduleID int64, userKey string) error {
	return nil
}

// Close is a no-op
func (p *NoOpEventPublisher) Close() error {
	return nil
}
