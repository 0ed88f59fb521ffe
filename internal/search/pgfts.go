package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across quotations and non-deleted
// messages using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	userArg := ""
	if q.UserID != "" {
		userArg = fmt.Sprintf("$%d", argN)
		args = append(args, q.UserID)
		argN++
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultQuotation {
		where := "q.fts @@ " + tsQuery
		if userArg != "" {
			where += " AND q.user_id = " + userArg
		}
		if q.ThreadStatus != "" {
			where += fmt.Sprintf(" AND q.thread_status = $%d", argN)
			args = append(args, q.ThreadStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'quotation'::text AS type, q.id, q.product_name AS title,
				ts_headline('english', coalesce(q.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				q.id AS quotation_id, q.user_id, q.thread_status,
				ts_rank(q.fts, %s) AS rank
			FROM quotations q
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultMessage {
		where := "m.fts @@ " + tsQuery + " AND NOT m.is_deleted"
		if userArg != "" {
			where += " AND q.user_id = " + userArg
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.author_name AS title,
				ts_headline('english', m.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.quotation_id, q.user_id, q.thread_status,
				ts_rank(m.fts, %s) AS rank
			FROM quotation_messages m
			JOIN quotations q ON q.id = m.quotation_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, quotation_id, user_id, thread_status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.QuotationID, &r.UserID, &r.ThreadStatus); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]QuotationRecord, []MessageRecord, error) {
	quotationRows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, user_name, product_name, notes, status, thread_status
		FROM quotations
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load quotations: %w", err)
	}
	defer quotationRows.Close()

	quotations := make([]QuotationRecord, 0)
	for quotationRows.Next() {
		var q QuotationRecord
		if err := quotationRows.Scan(&q.ID, &q.UserID, &q.UserName, &q.ProductName, &q.Notes, &q.Status, &q.ThreadStatus); err != nil {
			return nil, nil, fmt.Errorf("scan quotation: %w", err)
		}
		quotations = append(quotations, q)
	}
	if err := quotationRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate quotations: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.quotation_id, q.user_id, m.author_name, m.author_role, m.content, m.message_type
		FROM quotation_messages m
		JOIN quotations q ON q.id = m.quotation_id
		WHERE NOT m.is_deleted
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.QuotationID, &m.UserID, &m.AuthorName, &m.AuthorRole, &m.Content, &m.MessageType); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return quotations, messages, nil
}
