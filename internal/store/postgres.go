package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotedesk/api/internal/quotation"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const quotationColumns = `
	id, user_id, user_name, product_id, product_name, quantity::float8, unit, notes,
	status, thread_status,
	COALESCE(closure_requested_by, ''), closure_requested_at,
	user_permission_to_close, user_permission_granted_at,
	closure_rejected_at, COALESCE(closure_rejection_reason, ''),
	COALESCE(closed_by, ''), closed_at, COALESCE(closure_reason, ''),
	created_at, updated_at`

func scanQuotation(row rowScanner) (Quotation, error) {
	var item Quotation
	var status, threadStatus string
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.UserName,
		&item.ProductID,
		&item.ProductName,
		&item.Quantity,
		&item.Unit,
		&item.Notes,
		&status,
		&threadStatus,
		&item.ClosureRequestedBy,
		&item.ClosureRequestedAt,
		&item.UserPermissionToClose,
		&item.UserPermissionGrantedAt,
		&item.ClosureRejectedAt,
		&item.ClosureRejectionReason,
		&item.ClosedBy,
		&item.ClosedAt,
		&item.ClosureReason,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Quotation{}, err
	}
	item.Status = quotation.Status(status)
	item.ThreadStatus = quotation.ThreadStatus(threadStatus)
	return item, nil
}

const messageColumns = `
	id, quotation_id, author_id, author_name, author_role, content, message_type,
	attachments::text, is_read_by_user, is_read_by_admin, read_by_user_at, read_by_admin_at,
	is_deleted, deleted_at, COALESCE(deleted_by, ''), created_at`

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var role, messageType, attachments string
	err := row.Scan(
		&item.ID,
		&item.QuotationID,
		&item.AuthorID,
		&item.AuthorName,
		&role,
		&item.Content,
		&messageType,
		&attachments,
		&item.IsReadByUser,
		&item.IsReadByAdmin,
		&item.ReadByUserAt,
		&item.ReadByAdminAt,
		&item.IsDeleted,
		&item.DeletedAt,
		&item.DeletedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	item.AuthorRole = quotation.Role(role)
	item.MessageType = quotation.MessageType(messageType)
	item.Attachments = []Attachment{}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &item.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return item, nil
}

func encodeAttachments(items []Attachment) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(raw), nil
}

// Quotations

func (s *PostgresStore) InsertQuotation(ctx context.Context, item Quotation) error {
	status := item.Status
	if status == "" {
		status = quotation.StatusPending
	}
	threadStatus := item.ThreadStatus
	if threadStatus == "" {
		threadStatus = quotation.ThreadActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotations (id, user_id, user_name, product_id, product_name, quantity, unit, notes, status, thread_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.UserID, item.UserName, item.ProductID, item.ProductName, item.Quantity, item.Unit, item.Notes, string(status), string(threadStatus))
	if err != nil {
		return fmt.Errorf("insert quotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQuotation(ctx context.Context, quotationID string) (Quotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id=$1`, quotationID)
	return scanQuotation(row)
}

func (s *PostgresStore) ListQuotations(ctx context.Context, filter QuotationFilter) ([]Quotation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quotationColumns+`
		FROM quotations
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR thread_status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`, filter.UserID, string(filter.Status), string(filter.ThreadStatus), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list quotations: %w", err)
	}
	defer rows.Close()

	items := make([]Quotation, 0)
	for rows.Next() {
		item, err := scanQuotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotations: %w", err)
	}
	return items, nil
}

// UpdateQuotationStatus changes the commercial status only.
func (s *PostgresStore) UpdateQuotationStatus(ctx context.Context, quotationID string, status quotation.Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE quotations SET status=$2, updated_at=NOW() WHERE id=$1
	`, quotationID, string(status))
	if err != nil {
		return false, fmt.Errorf("update quotation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update quotation status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) QuotationSummary(ctx context.Context) (QuotationSummary, error) {
	summary := QuotationSummary{
		ByStatus:       map[quotation.Status]int{},
		ByThreadStatus: map[quotation.ThreadStatus]int{},
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, thread_status, COUNT(*)
		FROM quotations
		GROUP BY status, thread_status
	`)
	if err != nil {
		return QuotationSummary{}, fmt.Errorf("summarize quotations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, threadStatus string
		var count int
		if err := rows.Scan(&status, &threadStatus, &count); err != nil {
			return QuotationSummary{}, fmt.Errorf("scan quotation summary: %w", err)
		}
		summary.Total += count
		summary.ByStatus[quotation.Status(status)] += count
		summary.ByThreadStatus[quotation.ThreadStatus(threadStatus)] += count
	}
	if err := rows.Err(); err != nil {
		return QuotationSummary{}, fmt.Errorf("iterate quotation summary: %w", err)
	}
	summary.AwaitingCustomer = summary.ByThreadStatus[quotation.ThreadAwaitingUserPermission]
	summary.ReadyToClose = summary.ByThreadStatus[quotation.ThreadUserApprovedClosure]
	return summary, nil
}

// ApplyTransition moves thread_status from t.From to t.To and appends the
// system message in one transaction. It returns false, with nothing written,
// when the row no longer matches t.From or t.OwnerID.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	setClause, extra, err := transitionColumns(t)
	if err != nil {
		return false, err
	}
	attachments, err := encodeAttachments(t.Message.Attachments)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]any{t.QuotationID, string(t.From), string(t.To), t.OwnerID}, extra...)
	result, err := tx.ExecContext(ctx, `
		UPDATE quotations
		SET thread_status=$3, `+setClause+`, updated_at=NOW()
		WHERE id=$1 AND thread_status=$2 AND ($4 = '' OR user_id = $4)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", t.Event, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply %s rows: %w", t.Event, err)
	}
	if affected == 0 {
		return false, nil
	}

	m := t.Message
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quotation_messages (id, quotation_id, author_id, author_name, author_role, content, message_type, attachments, is_read_by_user, is_read_by_admin, read_by_user_at, read_by_admin_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::boolean, $10::boolean,
			CASE WHEN $9::boolean THEN NOW() END,
			CASE WHEN $10::boolean THEN NOW() END)
	`, m.ID, t.QuotationID, m.AuthorID, m.AuthorName, string(m.AuthorRole), m.Content, string(m.MessageType), attachments, m.IsReadByUser, m.IsReadByAdmin); err != nil {
		return false, fmt.Errorf("insert %s message: %w", t.Event, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s: %w", t.Event, err)
	}
	return true, nil
}

// transitionColumns returns the closure bookkeeping columns written by each
// event. Extra arguments start at $5.
func transitionColumns(t Transition) (string, []any, error) {
	switch t.Event {
	case quotation.EventRequestClosure:
		return `closure_requested_by=$5, closure_requested_at=NOW(), user_permission_to_close=FALSE,
			user_permission_granted_at=NULL, closure_rejected_at=NULL, closure_rejection_reason=NULL`,
			[]any{t.ActorID}, nil
	case quotation.EventGrantPermission:
		return `user_permission_to_close=TRUE, user_permission_granted_at=NOW()`, nil, nil
	case quotation.EventRejectClosure:
		return `user_permission_to_close=FALSE, closure_rejected_at=NOW(), closure_rejection_reason=NULLIF($5, '')`,
			[]any{t.Reason}, nil
	case quotation.EventCloseThread:
		return `closed_by=$5, closed_at=NOW(), closure_reason=NULLIF($6, '')`,
			[]any{t.ActorID, t.Reason}, nil
	default:
		return "", nil, fmt.Errorf("unknown thread event %s", t.Event)
	}
}

// Messages

// InsertMessageIfOpen appends m unless the thread is closed. It returns
// false when the quotation is missing or its thread is closed. FOR SHARE
// makes the insert wait for an uncommitted transition on the quotation row
// and re-check the committed status, so nothing lands after thread_closed.
func (s *PostgresStore) InsertMessageIfOpen(ctx context.Context, m Message) (Message, bool, error) {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return Message{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO quotation_messages (id, quotation_id, author_id, author_name, author_role, content, message_type, attachments, is_read_by_user, is_read_by_admin, read_by_user_at, read_by_admin_at)
		SELECT $1::text, q.id, $3::text, $4::text, $5::text, $6::text, $7::text, $8::jsonb, $9::boolean, $10::boolean,
			CASE WHEN $9::boolean THEN NOW() END,
			CASE WHEN $10::boolean THEN NOW() END
		FROM quotations q
		WHERE q.id = $2 AND q.thread_status <> 'closed'
		FOR SHARE OF q
		RETURNING `+messageColumns,
		m.ID, m.QuotationID, m.AuthorID, m.AuthorName, string(m.AuthorRole), m.Content, string(m.MessageType), attachments, m.IsReadByUser, m.IsReadByAdmin)
	inserted, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	return inserted, true, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, quotationID, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM quotation_messages WHERE quotation_id=$1 AND id=$2`, quotationID, messageID)
	return scanMessage(row)
}

// ListMessages returns the thread in creation order. Soft-deleted rows are
// only included for audit reads.
func (s *PostgresStore) ListMessages(ctx context.Context, quotationID string, includeDeleted bool) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM quotation_messages
		WHERE quotation_id=$1
		  AND ($2::boolean OR is_deleted = FALSE)
		ORDER BY created_at ASC, id ASC
	`, quotationID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, quotationID string, reader quotation.Role) (int, error) {
	var query string
	switch reader {
	case quotation.RoleUser:
		query = `UPDATE quotation_messages SET is_read_by_user=TRUE, read_by_user_at=NOW()
			WHERE quotation_id=$1 AND is_read_by_user=FALSE AND is_deleted=FALSE`
	case quotation.RoleAdmin:
		query = `UPDATE quotation_messages SET is_read_by_admin=TRUE, read_by_admin_at=NOW()
			WHERE quotation_id=$1 AND is_read_by_admin=FALSE AND is_deleted=FALSE`
	default:
		return 0, fmt.Errorf("unknown reader role %q", reader)
	}
	result, err := s.db.ExecContext(ctx, query, quotationID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark messages read rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, quotationID string, reader quotation.Role) (int, error) {
	column := "is_read_by_user"
	if reader == quotation.RoleAdmin {
		column = "is_read_by_admin"
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quotation_messages
		WHERE quotation_id=$1 AND is_deleted=FALSE AND `+column+`=FALSE
	`, quotationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}

// SoftDeleteMessage flags a message as deleted. It returns false when the
// message was already deleted; the original deletion data is kept.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, quotationID, messageID, deletedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE quotation_messages
		SET is_deleted=TRUE, deleted_at=NOW(), deleted_by=$3
		WHERE quotation_id=$1 AND id=$2 AND is_deleted=FALSE
	`, quotationID, messageID, deletedBy)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete message rows: %w", err)
	}
	return affected > 0, nil
}

// Customers and devices

func (s *PostgresStore) UpsertCustomer(ctx context.Context, customer Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, display_name, email, company)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name = '' THEN customers.display_name ELSE EXCLUDED.display_name END,
			email = CASE WHEN EXCLUDED.email = '' THEN customers.email ELSE EXCLUDED.email END,
			company = CASE WHEN EXCLUDED.company = '' THEN customers.company ELSE EXCLUDED.company END,
			updated_at = NOW()
	`, customer.ID, customer.DisplayName, customer.Email, customer.Company)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	var item Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, company, created_at, updated_at FROM customers WHERE id=$1
	`, customerID).Scan(&item.ID, &item.DisplayName, &item.Email, &item.Company, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Customer{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertDeviceToken(ctx context.Context, token DeviceToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (token, user_id, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id=EXCLUDED.user_id, platform=EXCLUDED.platform, updated_at=NOW()
	`, token.Token, token.UserID, token.Platform)
	if err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM device_tokens WHERE user_id=$1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]string, 0)
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device tokens: %w", err)
	}
	return tokens, nil
}

func (s *PostgresStore) DeleteDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	placeholders := make([]string, len(tokens))
	args := make([]any, len(tokens))
	for i, token := range tokens {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = token
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete device tokens: %w", err)
	}
	return nil
}

// Admins and sessions

const adminColumns = `id, email, display_name, password_hash, is_active, created_at, updated_at`

func scanAdmin(row rowScanner) (Admin, error) {
	var item Admin
	err := row.Scan(&item.ID, &item.Email, &item.DisplayName, &item.PasswordHash, &item.IsActive, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Admin{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetAdminByEmail(ctx context.Context, email string) (Admin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE LOWER(email)=LOWER($1)`, email)
	return scanAdmin(row)
}

func (s *PostgresStore) GetAdminByID(ctx context.Context, id string) (Admin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE id=$1`, id)
	return scanAdmin(row)
}

func (s *PostgresStore) CreateAdmin(ctx context.Context, admin Admin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (id, email, display_name, password_hash, is_active)
		VALUES ($1, $2, $3, $4, $5)
	`, admin.ID, admin.Email, admin.DisplayName, admin.PasswordHash, admin.IsActive)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAdminPassword(ctx context.Context, adminID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admins SET password_hash=$2, updated_at=NOW() WHERE id=$1`, adminID, passwordHash)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAdminEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM admins WHERE is_active ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list admin emails: %w", err)
	}
	defer rows.Close()

	emails := make([]string, 0)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan admin email: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin emails: %w", err)
	}
	return emails, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, adminID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, admin_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET admin_id=EXCLUDED.admin_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, adminID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAdminRefreshSessions revokes every live refresh session of one admin.
func (s *PostgresStore) RevokeAdminRefreshSessions(ctx context.Context, adminID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW()
		WHERE admin_id=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, adminID)
	if err != nil {
		return 0, fmt.Errorf("revoke admin refresh sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke admin refresh sessions: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Admin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.email, a.display_name, a.password_hash, a.is_active, a.created_at, a.updated_at
		FROM refresh_sessions rs
		JOIN admins a ON a.id = rs.admin_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND a.is_active
	`, tokenHash)
	return scanAdmin(row)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// API keys

const apiKeyColumns = `id, name, key_prefix, key_hash, rate_limit_per_minute, created_by, created_at, expires_at, revoked_at, last_used_at`

func scanAPIKey(row rowScanner) (APIKey, error) {
	var item APIKey
	err := row.Scan(&item.ID, &item.Name, &item.KeyPrefix, &item.KeyHash, &item.RateLimitPerMinute, &item.CreatedBy, &item.CreatedAt, &item.ExpiresAt, &item.RevokedAt, &item.LastUsedAt)
	if err != nil {
		return APIKey{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_prefix, key_hash, rate_limit_per_minute, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Name, key.KeyPrefix, key.KeyHash, key.RateLimitPerMinute, key.CreatedBy, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// LookupAPIKey returns the key stored under hash, revoked or not; callers
// check APIKey.Active.
func (s *PostgresStore) LookupAPIKey(ctx context.Context, hash string) (APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=$1`, hash)
	return scanAPIKey(row)
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at=NOW() WHERE id=$1 AND revoked_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key rows: %w", err)
	}
	return affected > 0, nil
}
