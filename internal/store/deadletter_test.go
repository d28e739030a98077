package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
)

// seedDeadLetters moves n incoming envelopes of one message type into the
// dead-letter table and returns their ids.
func seedDeadLetters(t *testing.T, s *SQLiteStore, messageType string, n int) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for i := 0; i < n; i++ {
		env := models.NewEnvelope(messageType, []byte(`{}`), "local://one")
		env.Status = models.StatusIncoming
		if err := s.StoreIncoming(env); err != nil {
			t.Fatalf("StoreIncoming failed: %v", err)
		}
		if err := s.MoveToDeadLetter(env, fmt.Errorf("failure %d", i)); err != nil {
			t.Fatalf("MoveToDeadLetter failed: %v", err)
		}
		ids = append(ids, env.ID)
	}
	return ids
}

func TestQueryDeadLetters_ByMessageType(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedDeadLetters(t, s, "orders.placed", 3)
	seedDeadLetters(t, s, "orders.cancelled", 2)

	results, err := s.QueryDeadLetters(models.DeadLetterQuery{MessageType: "orders.placed"})
	if err != nil {
		t.Fatalf("QueryDeadLetters failed: %v", err)
	}
	if results.TotalCount != 3 || len(results.Envelopes) != 3 {
		t.Fatalf("expected 3 matches, got total=%d page=%d", results.TotalCount, len(results.Envelopes))
	}
	for _, dl := range results.Envelopes {
		if dl.MessageType != "orders.placed" {
			t.Errorf("wrong message type in results: %q", dl.MessageType)
		}
	}
}

func TestQueryDeadLetters_IDsTakePrecedence(t *testing.T) {
	s := newTestSQLiteStore(t)
	placed := seedDeadLetters(t, s, "orders.placed", 2)
	seedDeadLetters(t, s, "orders.cancelled", 2)

	// MessageType contradicts the ids; the ids must win.
	results, err := s.QueryDeadLetters(models.DeadLetterQuery{
		MessageIDs:  placed[:1],
		MessageType: "orders.cancelled",
	})
	if err != nil {
		t.Fatalf("QueryDeadLetters failed: %v", err)
	}
	if results.TotalCount != 1 || len(results.Envelopes) != 1 {
		t.Fatalf("expected exactly the requested id, got total=%d", results.TotalCount)
	}
	if results.Envelopes[0].ID != placed[0] {
		t.Errorf("wrong envelope returned: %s", results.Envelopes[0].ID)
	}
}

func TestQueryDeadLetters_Paging(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedDeadLetters(t, s, "orders.placed", 5)

	page1, err := s.QueryDeadLetters(models.DeadLetterQuery{PageNumber: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("QueryDeadLetters page 1 failed: %v", err)
	}
	if page1.TotalCount != 5 || len(page1.Envelopes) != 2 {
		t.Fatalf("page 1: total=%d size=%d", page1.TotalCount, len(page1.Envelopes))
	}

	page3, err := s.QueryDeadLetters(models.DeadLetterQuery{PageNumber: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("QueryDeadLetters page 3 failed: %v", err)
	}
	if page3.TotalCount != 5 || len(page3.Envelopes) != 1 {
		t.Fatalf("page 3: total=%d size=%d", page3.TotalCount, len(page3.Envelopes))
	}
}

// Result pages come back in execution-time order, regardless of when the
// envelopes were sent.
func TestQueryDeadLetters_OrderedByExecutionTime(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Now().UTC()
	executesLate := models.NewEnvelope("orders.placed", []byte(`{}`), "local://one")
	late := now.Add(2 * time.Hour)
	executesLate.ScheduledTime = &late
	executesLate.SentAt = now.Add(-time.Hour) // sent first, executes last

	executesSoon := models.NewEnvelope("orders.placed", []byte(`{}`), "local://one")
	soon := now.Add(time.Hour)
	executesSoon.ScheduledTime = &soon
	executesSoon.SentAt = now

	for _, env := range []*models.Envelope{executesLate, executesSoon} {
		env.Status = models.StatusIncoming
		if err := s.StoreIncoming(env); err != nil {
			t.Fatalf("StoreIncoming failed: %v", err)
		}
		if err := s.MoveToDeadLetter(env, errors.New("handler exploded")); err != nil {
			t.Fatalf("MoveToDeadLetter failed: %v", err)
		}
	}

	results, err := s.QueryDeadLetters(models.DeadLetterQuery{})
	if err != nil {
		t.Fatalf("QueryDeadLetters failed: %v", err)
	}
	if len(results.Envelopes) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(results.Envelopes))
	}
	if results.Envelopes[0].ID != executesSoon.ID {
		t.Errorf("expected execution-time order, got %s first", results.Envelopes[0].ID)
	}
}

func TestDiscardDeadLetters(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedDeadLetters(t, s, "orders.placed", 3)
	kept := seedDeadLetters(t, s, "orders.cancelled", 1)

	n, err := s.DiscardDeadLetters(models.DeadLetterQuery{MessageType: "orders.placed"})
	if err != nil {
		t.Fatalf("DiscardDeadLetters failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 discarded, got %d", n)
	}

	remaining, err := s.QueryDeadLetters(models.DeadLetterQuery{})
	if err != nil {
		t.Fatalf("QueryDeadLetters failed: %v", err)
	}
	if remaining.TotalCount != 1 || remaining.Envelopes[0].ID != kept[0] {
		t.Errorf("wrong rows survived discard: %+v", remaining)
	}
}

func TestMarkDeadLettersReplayable(t *testing.T) {
	s := newTestSQLiteStore(t)
	ids := seedDeadLetters(t, s, "orders.placed", 2)

	n, err := s.MarkDeadLettersReplayable(models.DeadLetterQuery{MessageIDs: ids})
	if err != nil {
		t.Fatalf("MarkDeadLettersReplayable failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows flagged, got %d", n)
	}

	dl, err := s.DeadLetterByID(ids[0])
	if err != nil {
		t.Fatalf("DeadLetterByID failed: %v", err)
	}
	if dl == nil || !dl.Replayable {
		t.Errorf("dead letter not flagged replayable: %+v", dl)
	}
}

func TestSummarizeDeadLetters(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedDeadLetters(t, s, "orders.placed", 3)
	seedDeadLetters(t, s, "orders.cancelled", 1)

	summaries, err := s.SummarizeDeadLetters("checkout", nil, nil)
	if err != nil {
		t.Fatalf("SummarizeDeadLetters failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summary buckets, got %d", len(summaries))
	}
	// Ordered by count descending.
	if summaries[0].MessageType != "orders.placed" || summaries[0].Count != 3 {
		t.Errorf("unexpected top bucket: %+v", summaries[0])
	}
	if summaries[0].ServiceName != "checkout" {
		t.Errorf("service name not stamped: %q", summaries[0].ServiceName)
	}
}

func TestSummarizeDeadLetters_TimeWindow(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedDeadLetters(t, s, "orders.placed", 2)

	past := time.Now().UTC().Add(-time.Hour)
	longAgo := past.Add(-time.Hour)
	summaries, err := s.SummarizeDeadLetters("checkout", &longAgo, &past)
	if err != nil {
		t.Fatalf("SummarizeDeadLetters failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected no buckets outside the window, got %d", len(summaries))
	}
}

func TestDeadLetterByID_Missing(t *testing.T) {
	s := newTestSQLiteStore(t)

	dl, err := s.DeadLetterByID(uuid.New())
	if err != nil {
		t.Fatalf("DeadLetterByID failed: %v", err)
	}
	if dl != nil {
		t.Errorf("expected nil for missing id, got %+v", dl)
	}
}

func TestDeadLetterExceptionClassification(t *testing.T) {
	s := newTestSQLiteStore(t)

	env := models.NewEnvelope("orders.placed", []byte(`{}`), "local://one")
	env.Status = models.StatusIncoming
	if err := s.StoreIncoming(env); err != nil {
		t.Fatalf("StoreIncoming failed: %v", err)
	}
	cause := &DuplicateEnvelopeError{ID: env.ID, Destination: env.Destination, Err: errors.New("inner")}
	if err := s.MoveToDeadLetter(env, cause); err != nil {
		t.Fatalf("MoveToDeadLetter failed: %v", err)
	}

	dl, err := s.DeadLetterByID(env.ID)
	if err != nil {
		t.Fatalf("DeadLetterByID failed: %v", err)
	}
	if dl.ExceptionType != "*store.DuplicateEnvelopeError" {
		t.Errorf("exception type not derived from cause: %q", dl.ExceptionType)
	}
}
