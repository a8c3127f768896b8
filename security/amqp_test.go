package security

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []amqp.Publishing
	keys     []string
	err      error
	block    chan struct{}
	closed   bool
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestAMQPAuditSink_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	sink := newAMQPAuditSink(pub, AMQPConfig{})

	sink.Log(context.Background(), Event{Type: EventTokenIssued, Result: ResultSuccess, ClientID: "c1"})

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want application/json", msg.ContentType)
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", msg.DeliveryMode)
	}
	if pub.keys[0] != DefaultAMQPQueue {
		t.Errorf("routing key = %q, want %q", pub.keys[0], DefaultAMQPQueue)
	}

	var got Event
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got.Type != EventTokenIssued || got.ClientID != "c1" {
		t.Errorf("decoded event = %+v", got)
	}
	if got.ID == "" || msg.MessageId != got.ID {
		t.Errorf("MessageId = %q, event id = %q; want equal and non-empty", msg.MessageId, got.ID)
	}
	if !pub.closed {
		t.Error("publisher was not closed")
	}
}

func TestAMQPAuditSink_DropsWhenFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	sink := newAMQPAuditSink(pub, AMQPConfig{BufferSize: 1})

	ctx := context.Background()
	// One event may be taken by the publisher goroutine and one sits in the
	// buffer; the rest must be dropped without blocking.
	for i := 0; i < 10; i++ {
		sink.Log(ctx, Event{Type: EventAuthFailure})
	}

	if sink.Dropped() < 8 {
		t.Errorf("Dropped() = %d, want at least 8", sink.Dropped())
	}

	close(pub.block)
	_ = sink.Close()
}

func TestAMQPAuditSink_CountsFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	sink := newAMQPAuditSink(pub, AMQPConfig{})

	sink.Log(context.Background(), Event{Type: EventTokenRevoked})
	_ = sink.Close()

	if sink.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1", sink.Failed())
	}
}

func TestAMQPAuditSink_LogAfterClose(t *testing.T) {
	sink := newAMQPAuditSink(&fakePublisher{}, AMQPConfig{})
	_ = sink.Close()

	sink.Log(context.Background(), Event{Type: EventTokenIssued})

	if sink.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", sink.Dropped())
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewAMQPAuditSink_RequiresURL(t *testing.T) {
	if _, err := NewAMQPAuditSink(AMQPConfig{}); err == nil {
		t.Error("NewAMQPAuditSink() without URL should return error")
	}
}
