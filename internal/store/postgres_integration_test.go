package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"quotedesk/api/internal/quotation"
)

// openIntegrationStore connects to TEST_DATABASE_URL with migrations applied.
// Tests are skipped when it is unset or in -short mode.
func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}

func seedQuotation(t *testing.T, ctx context.Context, s *PostgresStore, id, userID string) {
	t.Helper()
	if err := s.InsertQuotation(ctx, Quotation{ID: id, UserID: userID, UserName: "Dana", ProductName: "Sodium hydroxide", Quantity: 25, Unit: "kg"}); err != nil {
		t.Fatalf("insert quotation: %v", err)
	}
}

func systemMessage(id, quotationID string, messageType quotation.MessageType) Message {
	return Message{
		ID:            id,
		QuotationID:   quotationID,
		AuthorID:      "admin-1",
		AuthorName:    "Ops",
		AuthorRole:    quotation.RoleAdmin,
		Content:       "closure requested",
		MessageType:   messageType,
		IsReadByAdmin: true,
	}
}

func TestApplyTransitionIsConditional(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	id := "q-it-" + time.Now().Format("150405.000000")
	seedQuotation(t, ctx, s, id, "U1")

	request := Transition{
		QuotationID: id,
		Event:       quotation.EventRequestClosure,
		From:        quotation.ThreadActive,
		To:          quotation.ThreadAwaitingUserPermission,
		ActorID:     "admin-1",
		Message:     systemMessage(id+"-m1", id, quotation.MessageClosureRequest),
	}
	applied, err := s.ApplyTransition(ctx, request)
	if err != nil || !applied {
		t.Fatalf("first request closure: applied=%v err=%v", applied, err)
	}

	request.Message.ID = id + "-m2"
	applied, err = s.ApplyTransition(ctx, request)
	if err != nil {
		t.Fatalf("second request closure: %v", err)
	}
	if applied {
		t.Fatal("expected stale transition to be refused")
	}

	grant := Transition{
		QuotationID: id,
		Event:       quotation.EventGrantPermission,
		From:        quotation.ThreadAwaitingUserPermission,
		To:          quotation.ThreadUserApprovedClosure,
		OwnerID:     "U2",
		ActorID:     "U2",
		Message:     systemMessage(id+"-m3", id, quotation.MessageClosurePermissionGranted),
	}
	applied, err = s.ApplyTransition(ctx, grant)
	if err != nil || applied {
		t.Fatalf("non-owner grant must not apply: applied=%v err=%v", applied, err)
	}

	item, err := s.GetQuotation(ctx, id)
	if err != nil {
		t.Fatalf("get quotation: %v", err)
	}
	if item.ThreadStatus != quotation.ThreadAwaitingUserPermission || item.ClosureRequestedBy != "admin-1" || item.ClosureRequestedAt == nil {
		t.Fatalf("unexpected quotation after request: %+v", item)
	}

	messages, err := s.ListMessages(ctx, id, true)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].MessageType != quotation.MessageClosureRequest {
		t.Fatalf("expected exactly one closure_request message, got %+v", messages)
	}
}

func TestInsertMessageIfOpenRefusesClosedThread(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	id := "q-it-closed-" + time.Now().Format("150405.000000")
	seedQuotation(t, ctx, s, id, "U1")
	if _, err := s.DB().ExecContext(ctx, `UPDATE quotations SET thread_status='closed' WHERE id=$1`, id); err != nil {
		t.Fatalf("close thread: %v", err)
	}

	_, inserted, err := s.InsertMessageIfOpen(ctx, Message{
		ID: id + "-m1", QuotationID: id, AuthorID: "U1", AuthorRole: quotation.RoleUser,
		Content: "hello?", MessageType: quotation.MessageText, IsReadByUser: true,
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if inserted {
		t.Fatal("expected insert into closed thread to be refused")
	}
}

func TestMessageLogGuardBlocksContentUpdate(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	id := "q-it-guard-" + time.Now().Format("150405.000000")
	seedQuotation(t, ctx, s, id, "U1")

	_, inserted, err := s.InsertMessageIfOpen(ctx, Message{
		ID: id + "-m1", QuotationID: id, AuthorID: "U1", AuthorRole: quotation.RoleUser,
		Content: "original", MessageType: quotation.MessageText, IsReadByUser: true,
	})
	if err != nil || !inserted {
		t.Fatalf("insert message: inserted=%v err=%v", inserted, err)
	}

	_, err = s.DB().ExecContext(ctx, `UPDATE quotation_messages SET content='edited' WHERE id=$1`, id+"-m1")
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got %s", pgErr.SQLState())
	}

	count, err := s.MarkMessagesRead(ctx, id, quotation.RoleAdmin)
	if err != nil || count != 1 {
		t.Fatalf("mark read should pass the guard: count=%d err=%v", count, err)
	}
	deleted, err := s.SoftDeleteMessage(ctx, id, id+"-m1", "U1")
	if err != nil || !deleted {
		t.Fatalf("soft delete should pass the guard: deleted=%v err=%v", deleted, err)
	}
}

func TestRevokeAdminRefreshSessions(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	adminID := "adm-it-" + time.Now().UTC().Format("150405.000000")
	if err := s.CreateAdmin(ctx, Admin{ID: adminID, Email: adminID + "@example.com", DisplayName: "IT", PasswordHash: "x", IsActive: true}); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	expires := time.Now().Add(time.Hour)
	for _, hash := range []string{adminID + "-a", adminID + "-b"} {
		if err := s.SaveRefreshSession(ctx, hash, adminID, expires); err != nil {
			t.Fatalf("save session: %v", err)
		}
	}

	revoked, err := s.RevokeAdminRefreshSessions(ctx, adminID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", revoked)
	}
	if _, err := s.LookupRefreshSession(ctx, adminID+"-a"); err == nil {
		t.Fatal("revoked session must not resolve")
	}
}

// A send that starts while a close is still uncommitted must wait for it and
// then be refused, never landing after the thread_closed marker.
func TestInsertMessageIfOpenWaitsForConcurrentClose(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	id := "q-it-race-" + time.Now().Format("150405.000000")
	seedQuotation(t, ctx, s, id, "U1")

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin close tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE quotations SET thread_status='closed', closed_at=NOW() WHERE id=$1`, id); err != nil {
		t.Fatalf("close thread: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quotation_messages (id, quotation_id, author_id, author_name, author_role, content, message_type, attachments, is_read_by_user, is_read_by_admin)
		VALUES ($1, $2, 'adm-1', 'Dana', 'admin', 'Thread closed', 'thread_closed', '[]'::jsonb, false, true)
	`, id+"-closed", id); err != nil {
		t.Fatalf("insert closure marker: %v", err)
	}

	type outcome struct {
		inserted bool
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		_, inserted, err := s.InsertMessageIfOpen(ctx, Message{
			ID: id + "-late", QuotationID: id, AuthorID: "U1", AuthorRole: quotation.RoleUser,
			Content: "wait, one more thing", MessageType: quotation.MessageText, IsReadByUser: true,
		})
		done <- outcome{inserted, err}
	}()

	waitForLockWait(t, ctx, s, id)
	select {
	case got := <-done:
		t.Fatalf("send finished while close was uncommitted: %+v", got)
	default:
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit close: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("insert message: %v", got.err)
		}
		if got.inserted {
			t.Fatal("send racing the close must be refused")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("send did not resume after the close committed")
	}

	messages, err := s.ListMessages(ctx, id, true)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	last := messages[len(messages)-1]
	if last.MessageType != quotation.MessageThreadClosed {
		t.Fatalf("expected thread_closed to be the last message, got %s", last.MessageType)
	}
}

// waitForLockWait blocks until another backend is waiting on a row lock.
func waitForLockWait(t *testing.T, ctx context.Context, s *PostgresStore, quotationID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var waiting int
		err := s.DB().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pg_stat_activity
			WHERE wait_event_type = 'Lock' AND query LIKE '%FOR SHARE OF q%'
		`).Scan(&waiting)
		if err != nil {
			t.Fatalf("inspect pg_stat_activity: %v", err)
		}
		if waiting > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("send for %s never waited on the quotation row lock", quotationID)
}
