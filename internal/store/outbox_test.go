package store

import (
	"testing"
	"time"

	"github.com/veloqueue/durastore/internal/models"
)

func newOutgoingEnvelope(destination string) *models.Envelope {
	return models.NewEnvelope("orders.shipped", []byte(`{"order":42}`), destination)
}

func TestStoreAndLoadOutgoing(t *testing.T) {
	s := newTestSQLiteStore(t)

	env := newOutgoingEnvelope("remote://b")
	deadline := time.Now().UTC().Add(time.Hour)
	env.DeliverBy = &deadline
	if err := s.StoreOutgoing(env, 5); err != nil {
		t.Fatalf("StoreOutgoing failed: %v", err)
	}

	loaded, err := s.LoadOutgoing("remote://b")
	if err != nil {
		t.Fatalf("LoadOutgoing failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 outgoing envelope, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != env.ID || got.OwnerID != 5 || got.Destination != "remote://b" {
		t.Errorf("outgoing row not preserved: %+v", got)
	}
	if got.DeliverBy == nil {
		t.Error("deliver_by not preserved")
	}
	if string(got.Body) != `{"order":42}` {
		t.Errorf("body not rehydrated: %s", got.Body)
	}
}

func TestStoreOutgoingTx_RollbackLeavesNoRow(t *testing.T) {
	s := newTestSQLiteStore(t)

	tx, err := s.db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	env := newOutgoingEnvelope("remote://b")
	if err := s.StoreOutgoingTx(tx, env, 5); err != nil {
		t.Fatalf("StoreOutgoingTx failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	loaded, err := s.LoadOutgoing("remote://b")
	if err != nil {
		t.Fatalf("LoadOutgoing failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("rolled back outbox row must not exist, got %d", len(loaded))
	}
}

func TestDeleteManyOutgoing(t *testing.T) {
	s := newTestSQLiteStore(t)

	first := newOutgoingEnvelope("remote://b")
	second := newOutgoingEnvelope("remote://b")
	third := newOutgoingEnvelope("remote://b")
	for _, env := range []*models.Envelope{first, second, third} {
		if err := s.StoreOutgoing(env, 5); err != nil {
			t.Fatalf("StoreOutgoing failed: %v", err)
		}
	}

	if err := s.DeleteManyOutgoing([]*models.Envelope{first, second}); err != nil {
		t.Fatalf("DeleteManyOutgoing failed: %v", err)
	}
	loaded, err := s.LoadOutgoing("remote://b")
	if err != nil {
		t.Fatalf("LoadOutgoing failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != third.ID {
		t.Errorf("expected only the third envelope to remain: %+v", loaded)
	}
}

func TestDiscardAndReassignOutgoing(t *testing.T) {
	s := newTestSQLiteStore(t)

	expired := newOutgoingEnvelope("remote://b")
	past := time.Now().UTC().Add(-time.Minute)
	expired.DeliverBy = &past
	live := newOutgoingEnvelope("remote://b")
	for _, env := range []*models.Envelope{expired, live} {
		if err := s.StoreOutgoing(env, models.AnyNode); err != nil {
			t.Fatalf("StoreOutgoing failed: %v", err)
		}
	}

	if err := s.DiscardAndReassignOutgoing(
		[]*models.Envelope{expired}, []*models.Envelope{live}, 11); err != nil {
		t.Fatalf("DiscardAndReassignOutgoing failed: %v", err)
	}

	loaded, err := s.LoadOutgoing("remote://b")
	if err != nil {
		t.Fatalf("LoadOutgoing failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected only the live envelope to remain, got %d", len(loaded))
	}
	if loaded[0].ID != live.ID || loaded[0].OwnerID != 11 {
		t.Errorf("live envelope not reassigned: %+v", loaded[0])
	}

	destinations, err := s.UnownedOutgoingDestinations()
	if err != nil {
		t.Fatalf("UnownedOutgoingDestinations failed: %v", err)
	}
	if len(destinations) != 0 {
		t.Errorf("expected no unowned destinations, got %v", destinations)
	}
}

func TestUnownedOutgoingDestinations(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.StoreOutgoing(newOutgoingEnvelope("remote://a"), models.AnyNode); err != nil {
		t.Fatalf("StoreOutgoing failed: %v", err)
	}
	if err := s.StoreOutgoing(newOutgoingEnvelope("remote://a"), models.AnyNode); err != nil {
		t.Fatalf("StoreOutgoing failed: %v", err)
	}
	if err := s.StoreOutgoing(newOutgoingEnvelope("remote://owned"), 3); err != nil {
		t.Fatalf("StoreOutgoing failed: %v", err)
	}

	destinations, err := s.UnownedOutgoingDestinations()
	if err != nil {
		t.Fatalf("UnownedOutgoingDestinations failed: %v", err)
	}
	if len(destinations) != 1 || destinations[0] != "remote://a" {
		t.Errorf("expected only remote://a, got %v", destinations)
	}
}
