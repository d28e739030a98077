package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/veloqueue/durastore/internal/models"
)

// DefaultDeadLetterPageSize bounds dead-letter query pages when the caller
// does not specify one.
const DefaultDeadLetterPageSize = 100

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"
)

// deadLetterWhere accumulates a dialect-aware WHERE clause for the
// dead-letter filter so queries, bulk discards, and bulk replay flags all
// interpret a DeadLetterQuery identically.
type deadLetterWhere struct {
	dialect string
	clauses []string
	args    []any
}

func (w *deadLetterWhere) placeholder() string {
	if w.dialect == dialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *deadLetterWhere) add(expr string, value any) {
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, strings.Replace(expr, "@", w.placeholder(), 1))
}

func (w *deadLetterWhere) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// buildDeadLetterWhere translates the query filter. A non-empty MessageIDs
// set takes precedence over every other filter.
func buildDeadLetterWhere(dialect string, q models.DeadLetterQuery) *deadLetterWhere {
	w := &deadLetterWhere{dialect: dialect}

	if len(q.MessageIDs) > 0 {
		ids := make([]string, 0, len(q.MessageIDs))
		for _, id := range q.MessageIDs {
			ids = append(ids, id.String())
		}
		if dialect == dialectSQLite {
			w.clauses = append(w.clauses, "id IN ("+sqlitePlaceholders(len(ids))+")")
			w.args = append(w.args, toAnySlice(ids)...)
		} else {
			w.args = append(w.args, pq.Array(ids))
			w.clauses = append(w.clauses, fmt.Sprintf("id = ANY($%d)", len(w.args)))
		}
		return w
	}

	if q.From != nil {
		w.add("sent_at >= @", q.From.UTC())
	}
	if q.To != nil {
		w.add("sent_at <= @", q.To.UTC())
	}
	if q.MessageType != "" {
		w.add("message_type = @", q.MessageType)
	}
	if q.ExceptionType != "" {
		w.add("exception_type = @", q.ExceptionType)
	}
	if q.ExceptionMessage != "" {
		w.add("exception_message LIKE @", "%"+q.ExceptionMessage+"%")
	}
	if q.ReceivedAt != "" {
		w.add("received_at = @", q.ReceivedAt)
	}
	return w
}

// pageBounds normalizes paging inputs to a limit and offset.
func pageBounds(q models.DeadLetterQuery) (limit, offset int) {
	limit = q.PageSize
	if limit <= 0 {
		limit = DefaultDeadLetterPageSize
	}
	page := q.PageNumber
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// summaryWhere builds the optional sent_at range filter for summaries.
func summaryWhere(dialect string, from, to *time.Time) *deadLetterWhere {
	w := &deadLetterWhere{dialect: dialect}
	if from != nil {
		w.add("sent_at >= @", from.UTC())
	}
	if to != nil {
		w.add("sent_at <= @", to.UTC())
	}
	return w
}
