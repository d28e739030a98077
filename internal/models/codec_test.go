package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	scheduled := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	env := &Envelope{
		ID:            uuid.New(),
		MessageType:   "orders.OrderPlaced",
		Body:          []byte(`{"order_id":42}`),
		Status:        StatusScheduled,
		OwnerID:       3,
		ScheduledTime: &scheduled,
		Destination:   "queue://orders",
		Source:        "checkout-service",
		Attempts:      2,
		SentAt:        time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if decoded.ID != env.ID {
		t.Errorf("Expected id %s, got %s", env.ID, decoded.ID)
	}
	if decoded.MessageType != env.MessageType {
		t.Errorf("Expected message type %q, got %q", env.MessageType, decoded.MessageType)
	}
	if string(decoded.Body) != string(env.Body) {
		t.Errorf("Body not preserved: %q", decoded.Body)
	}
	if decoded.Status != StatusScheduled {
		t.Errorf("Expected status scheduled, got %q", decoded.Status)
	}
	if decoded.ScheduledTime == nil || !decoded.ScheduledTime.Equal(scheduled) {
		t.Errorf("Scheduled time not preserved: %v", decoded.ScheduledTime)
	}
	if decoded.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", decoded.Attempts)
	}
}

func TestEncodeEnvelopeNil(t *testing.T) {
	if _, err := EncodeEnvelope(nil); err == nil {
		t.Error("Expected error encoding nil envelope")
	}
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	if _, err := DecodeEnvelope(nil); err == nil {
		t.Error("Expected error decoding empty payload")
	}
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Error("Expected error decoding garbage payload")
	}
}

func TestEnvelopeIsExpired(t *testing.T) {
	now := time.Now()
	env := NewEnvelope("t", nil, "queue://x")
	if env.IsExpired(now) {
		t.Error("Envelope without deadline should not be expired")
	}
	past := now.Add(-time.Minute)
	env.DeliverBy = &past
	if !env.IsExpired(now) {
		t.Error("Envelope past its deadline should be expired")
	}
}
