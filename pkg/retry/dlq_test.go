package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// capturingPublisher records what PublishJSON receives
type capturingPublisher struct {
	topic   string
	key     string
	data    interface{}
	headers map[string]string
	err     error
	calls   int
}

func (p *capturingPublisher) PublishJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error {
	p.calls++
	p.topic = topic
	p.key = key
	p.data = data
	p.headers = headers
	return p.err
}

func TestKafkaDLQPublisher_PublishToDLQ(t *testing.T) {
	producer := &capturingPublisher{}
	publisher := NewKafkaDLQPublisher(producer, &DLQConfig{
		TopicSuffix: ".dlq",
		Source:      "concert-gate",
	})

	msg := &DLQMessage{
		ID:            "evt-1",
		OriginalTopic: "gate-events",
		OriginalKey:   "42",
		Payload:       json.RawMessage(`{"type":"hold.created"}`),
		Headers:       map[string]string{"event_type": "hold.created"},
		Error:         "broker unreachable",
		Attempts:      4,
	}

	if err := publisher.PublishToDLQ(context.Background(), msg); err != nil {
		t.Fatalf("PublishToDLQ() error = %v", err)
	}

	if producer.topic != "gate-events.dlq" {
		t.Errorf("topic = %s, want gate-events.dlq", producer.topic)
	}
	if producer.key != "42" {
		t.Errorf("key = %s, want 42", producer.key)
	}
	if producer.headers["original_event_type"] != "hold.created" {
		t.Error("original headers should be carried with original_ prefix")
	}
	if msg.Source != "concert-gate" {
		t.Errorf("Source = %s, want concert-gate", msg.Source)
	}
	if msg.MovedToDLQAt.IsZero() {
		t.Error("MovedToDLQAt should be stamped")
	}
}

func TestKafkaDLQPublisher_NilMessage(t *testing.T) {
	publisher := NewKafkaDLQPublisher(&capturingPublisher{}, nil)
	if err := publisher.PublishToDLQ(context.Background(), nil); err == nil {
		t.Error("PublishToDLQ(nil) should error")
	}
}

func TestKafkaDLQPublisher_DLQTopic(t *testing.T) {
	publisher := NewKafkaDLQPublisher(&capturingPublisher{}, &DLQConfig{TopicSuffix: ".dead"})
	if got := publisher.DLQTopic("gate-events"); got != "gate-events.dead" {
		t.Errorf("DLQTopic = %s, want gate-events.dead", got)
	}

	publisher = NewKafkaDLQPublisher(&capturingPublisher{}, &DLQConfig{})
	if got := publisher.DLQTopic("gate-events"); got != "gate-events.dlq" {
		t.Errorf("DLQTopic = %s, want default suffix applied", got)
	}
}

func TestDLQHandler_SuccessSkipsDLQ(t *testing.T) {
	producer := &capturingPublisher{}
	handler := NewDLQHandler(NewKafkaDLQPublisher(producer, nil), &DLQHandlerConfig{
		RetryConfig: fastConfig(2),
		Source:      "concert-gate",
	})

	err := handler.ProcessWithDLQ(context.Background(), &MessageContext{
		ID:    "evt-1",
		Topic: "gate-events",
		Key:   "42",
	}, func(ctx context.Context) error {
		return nil
	})

	if err != nil {
		t.Errorf("ProcessWithDLQ() error = %v", err)
	}
	if producer.calls != 0 {
		t.Errorf("DLQ publishes = %d, want 0", producer.calls)
	}
}

func TestDLQHandler_ExhaustedRetriesDeadLetter(t *testing.T) {
	producer := &capturingPublisher{}
	var dlqCallback *DLQMessage
	handler := NewDLQHandler(NewKafkaDLQPublisher(producer, &DLQConfig{Source: "concert-gate"}), &DLQHandlerConfig{
		RetryConfig: fastConfig(2),
		Source:      "concert-gate",
		OnDLQ: func(msg *DLQMessage) {
			dlqCallback = msg
		},
	})

	opErr := errors.New("broker down")
	err := handler.ProcessWithDLQ(context.Background(), &MessageContext{
		ID:      "evt-1",
		Topic:   "gate-events",
		Key:     "42",
		Payload: json.RawMessage(`{}`),
	}, func(ctx context.Context) error {
		return opErr
	})

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("error = %v, want ErrMaxRetriesExceeded", err)
	}
	if producer.calls != 1 {
		t.Fatalf("DLQ publishes = %d, want 1", producer.calls)
	}
	if producer.topic != "gate-events.dlq" {
		t.Errorf("topic = %s, want gate-events.dlq", producer.topic)
	}
	if dlqCallback == nil {
		t.Fatal("OnDLQ callback not invoked")
	}
	if dlqCallback.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", dlqCallback.Attempts)
	}
	if dlqCallback.Error != "broker down" {
		t.Errorf("Error = %s, want broker down", dlqCallback.Error)
	}
}

func TestDLQHandler_DLQPublishFailure(t *testing.T) {
	producer := &capturingPublisher{err: errors.New("dlq also down")}
	handler := NewDLQHandler(NewKafkaDLQPublisher(producer, nil), &DLQHandlerConfig{
		RetryConfig: fastConfig(1),
	})

	err := handler.ProcessWithDLQ(context.Background(), &MessageContext{
		ID:    "evt-1",
		Topic: "gate-events",
	}, func(ctx context.Context) error {
		return errors.New("broker down")
	})

	if err == nil || errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("error = %v, want wrapped DLQ publish failure", err)
	}
}

func TestDLQHandler_StampsFirstAttempt(t *testing.T) {
	handler := NewDLQHandler(NewNoOpDLQPublisher(), &DLQHandlerConfig{
		RetryConfig: fastConfig(0),
	})

	msgCtx := &MessageContext{ID: "evt-1", Topic: "gate-events"}
	before := time.Now()
	_ = handler.ProcessWithDLQ(context.Background(), msgCtx, func(ctx context.Context) error {
		return errors.New("fail")
	})

	if msgCtx.FirstAttemptAt.Before(before.Add(-time.Second)) || msgCtx.FirstAttemptAt.IsZero() {
		t.Error("FirstAttemptAt should be stamped during processing")
	}
}

func TestNoOpDLQPublisher(t *testing.T) {
	publisher := NewNoOpDLQPublisher()
	if err := publisher.PublishToDLQ(context.Background(), &DLQMessage{}); err != nil {
		t.Errorf("PublishToDLQ() error = %v", err)
	}
	if got := publisher.DLQTopic("gate-events"); got != "gate-events.dlq" {
		t.Errorf("DLQTopic = %s, want gate-events.dlq", got)
	}
}
