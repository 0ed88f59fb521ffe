package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"quotedesk/api/internal/events"
	"quotedesk/api/internal/notify"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/store"
)

func requireCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s (%s)", status, code, domainErr.Status, domainErr.Code, domainErr.Message)
	}
}

func TestRequestClosureMovesToAwaitingPermission(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, notifier := newTestService(fs)

	result, err := svc.RequestClosure(context.Background(), "Q1", adminCaller, "Quote accepted by phone")
	if err != nil {
		t.Fatalf("request closure: %v", err)
	}
	if result.ThreadStatus != quotation.ThreadAwaitingUserPermission {
		t.Fatalf("expected awaiting_user_permission, got %s", result.ThreadStatus)
	}

	q := fs.snapshot("Q1")
	if q.ThreadStatus != quotation.ThreadAwaitingUserPermission {
		t.Fatalf("stored thread status %s", q.ThreadStatus)
	}
	if q.ClosureRequestedBy != adminCaller.ID || q.ClosureRequestedAt == nil {
		t.Fatalf("expected closure request bookkeeping, got by=%q at=%v", q.ClosureRequestedBy, q.ClosureRequestedAt)
	}

	messages := fs.messagesFor("Q1")
	if len(messages) != 1 {
		t.Fatalf("expected one system message, got %d", len(messages))
	}
	m := messages[0]
	if m.MessageType != quotation.MessageClosureRequest {
		t.Fatalf("expected closure_request message, got %s", m.MessageType)
	}
	if m.ID != result.SystemMessageID {
		t.Fatalf("result references %s, stored %s", result.SystemMessageID, m.ID)
	}
	if !m.IsReadByAdmin || m.IsReadByUser {
		t.Fatalf("admin-authored message should be read by admin only, got user=%v admin=%v", m.IsReadByUser, m.IsReadByAdmin)
	}

	cats := notifier.categories()
	if len(cats) != 1 || cats[0] != notify.CategoryClosureRequested {
		t.Fatalf("expected one closure_requested notification, got %v", cats)
	}
}

func TestOwnerGrantsPermission(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, notifier := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.RequestClosure(ctx, "Q1", adminCaller, ""); err != nil {
		t.Fatalf("request closure: %v", err)
	}
	result, err := svc.GrantClosurePermission(ctx, "Q1", ownerCaller)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if result.ThreadStatus != quotation.ThreadUserApprovedClosure {
		t.Fatalf("expected user_approved_closure, got %s", result.ThreadStatus)
	}
	q := fs.snapshot("Q1")
	if !q.UserPermissionToClose || q.UserPermissionGrantedAt == nil {
		t.Fatalf("expected permission recorded, got %+v", q)
	}
	if !result.Quotation.UserPermissionToClose {
		t.Fatalf("expected returned view to carry the permission flag")
	}

	messages := fs.messagesFor("Q1")
	last := messages[len(messages)-1]
	if last.MessageType != quotation.MessageClosurePermissionGranted || last.AuthorRole != quotation.RoleUser {
		t.Fatalf("unexpected grant message %+v", last)
	}
	if !last.IsReadByUser || last.IsReadByAdmin {
		t.Fatalf("customer-authored message should be unread for admins")
	}

	cats := notifier.categories()
	if cats[len(cats)-1] != notify.CategoryClosurePermissionGranted {
		t.Fatalf("expected permission granted notification, got %v", cats)
	}
}

func TestGrantByNonOwnerIsUnauthorizedAndLeavesStateAlone(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, _ := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.RequestClosure(ctx, "Q1", adminCaller, ""); err != nil {
		t.Fatalf("request closure: %v", err)
	}
	before := len(fs.messagesFor("Q1"))

	_, err := svc.GrantClosurePermission(ctx, "Q1", otherCaller)
	requireCode(t, err, http.StatusForbidden, CodeUnauthorized)

	if status := fs.snapshot("Q1").ThreadStatus; status != quotation.ThreadAwaitingUserPermission {
		t.Fatalf("state changed to %s", status)
	}
	if after := len(fs.messagesFor("Q1")); after != before {
		t.Fatalf("expected no new messages, got %d -> %d", before, after)
	}
}

func TestNonOwnerIsUnauthorizedInEveryState(t *testing.T) {
	states := []quotation.ThreadStatus{
		quotation.ThreadActive,
		quotation.ThreadAwaitingUserPermission,
		quotation.ThreadUserApprovedClosure,
		quotation.ThreadClosed,
	}
	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			fs := newFakeStore()
			fs.seedQuotation(store.Quotation{ID: "Q1", UserID: ownerCaller.ID, ThreadStatus: state})
			svc, _ := newTestService(fs)

			_, err := svc.GrantClosurePermission(context.Background(), "Q1", otherCaller)
			requireCode(t, err, http.StatusForbidden, CodeUnauthorized)

			_, err = svc.RejectClosureRequest(context.Background(), "Q1", otherCaller, "no")
			requireCode(t, err, http.StatusForbidden, CodeUnauthorized)
		})
	}
}

func TestGrantFromActiveIsInvalidState(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, _ := newTestService(fs)

	_, err := svc.GrantClosurePermission(context.Background(), "Q1", ownerCaller)
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)

	var domainErr *DomainError
	errors.As(err, &domainErr)
	details, _ := domainErr.Details.(map[string]any)
	if details["threadStatus"] != quotation.ThreadActive {
		t.Fatalf("expected observed state in details, got %v", details)
	}
}

func TestRejectReturnsThreadToActive(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, notifier := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.RequestClosure(ctx, "Q1", adminCaller, ""); err != nil {
		t.Fatalf("request closure: %v", err)
	}
	result, err := svc.RejectClosureRequest(ctx, "Q1", ownerCaller, "  still comparing suppliers ")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.ThreadStatus != quotation.ThreadActive {
		t.Fatalf("expected active, got %s", result.ThreadStatus)
	}
	q := fs.snapshot("Q1")
	if q.ClosureRejectedAt == nil || q.ClosureRejectionReason != "still comparing suppliers" {
		t.Fatalf("expected rejection bookkeeping, got %+v", q)
	}
	if q.UserPermissionToClose {
		t.Fatalf("permission flag must be cleared on rejection")
	}

	// The rejection loop allows a fresh request.
	if _, err := svc.RequestClosure(ctx, "Q1", adminCaller, ""); err != nil {
		t.Fatalf("second request closure: %v", err)
	}
	cats := notifier.categories()
	want := []notify.Category{notify.CategoryClosureRequested, notify.CategoryClosurePermissionRejected, notify.CategoryClosureRequested}
	if len(cats) != len(want) {
		t.Fatalf("expected %v, got %v", want, cats)
	}
	for i := range want {
		if cats[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cats)
		}
	}
}

func TestCloseThreadRequiresApproval(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, _ := newTestService(fs)
	ctx := context.Background()

	_, err := svc.CloseThread(ctx, "Q1", adminCaller, "")
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)

	if _, err := svc.RequestClosure(ctx, "Q1", adminCaller, ""); err != nil {
		t.Fatalf("request closure: %v", err)
	}
	_, err = svc.CloseThread(ctx, "Q1", adminCaller, "")
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)

	if _, err := svc.GrantClosurePermission(ctx, "Q1", ownerCaller); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// Granting never closes on its own.
	if status := fs.snapshot("Q1").ThreadStatus; status != quotation.ThreadUserApprovedClosure {
		t.Fatalf("expected user_approved_closure after grant, got %s", status)
	}

	result, err := svc.CloseThread(ctx, "Q1", adminCaller, "order placed")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.ThreadStatus != quotation.ThreadClosed {
		t.Fatalf("expected closed, got %s", result.ThreadStatus)
	}
	q := fs.snapshot("Q1")
	if q.ClosedBy != adminCaller.ID || q.ClosedAt == nil || q.ClosureReason != "order placed" {
		t.Fatalf("expected closure bookkeeping, got %+v", q)
	}
	if result.Quotation.CanPost {
		t.Fatalf("closed thread must not accept posts")
	}
}

func TestClosedThreadRefusesEveryEvent(t *testing.T) {
	fs := newFakeStore()
	fs.seedQuotation(store.Quotation{ID: "Q1", UserID: ownerCaller.ID, ThreadStatus: quotation.ThreadClosed})
	svc, _ := newTestService(fs)
	ctx := context.Background()

	_, err := svc.RequestClosure(ctx, "Q1", adminCaller, "")
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)
	_, err = svc.GrantClosurePermission(ctx, "Q1", ownerCaller)
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)
	_, err = svc.RejectClosureRequest(ctx, "Q1", ownerCaller, "")
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)
	_, err = svc.CloseThread(ctx, "Q1", adminCaller, "")
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)

	if n := len(fs.messagesFor("Q1")); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestCustomerCannotRequestOrClose(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, _ := newTestService(fs)

	_, err := svc.RequestClosure(context.Background(), "Q1", ownerCaller, "")
	requireCode(t, err, http.StatusForbidden, CodeUnauthorized)
	_, err = svc.CloseThread(context.Background(), "Q1", ownerCaller, "")
	requireCode(t, err, http.StatusForbidden, CodeUnauthorized)
}

func TestTransitionOnMissingQuotation(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	_, err := svc.RequestClosure(context.Background(), "missing", adminCaller, "")
	requireCode(t, err, http.StatusNotFound, CodeNotFound)
}

func TestTransitionMissingFields(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	_, err := svc.GrantClosurePermission(context.Background(), "Q1", Caller{Role: quotation.RoleUser})
	requireCode(t, err, http.StatusBadRequest, CodeMissingFields)
}

func TestLostRaceReportsObservedState(t *testing.T) {
	fs := newFakeStore()
	fs.seedQuotation(store.Quotation{ID: "Q1", UserID: ownerCaller.ID, ThreadStatus: quotation.ThreadAwaitingUserPermission})
	svc, notifier := newTestService(fs)

	// Another writer rejects between our read and our conditional update.
	fs.applyTransitionFn = func(_ context.Context, t store.Transition) (bool, error) {
		fs.mu.Lock()
		q := fs.quotations[t.QuotationID]
		q.ThreadStatus = quotation.ThreadActive
		fs.quotations[t.QuotationID] = q
		fs.mu.Unlock()
		return false, nil
	}

	_, err := svc.GrantClosurePermission(context.Background(), "Q1", ownerCaller)
	requireCode(t, err, http.StatusConflict, CodeInvalidThreadState)

	var domainErr *DomainError
	errors.As(err, &domainErr)
	details, _ := domainErr.Details.(map[string]any)
	if details["threadStatus"] != quotation.ThreadActive {
		t.Fatalf("expected re-read state active, got %v", details["threadStatus"])
	}
	if len(notifier.categories()) != 0 {
		t.Fatalf("a lost race must not notify")
	}
}

func TestTransitionStoreFailureIsServerError(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	fs.applyTransitionFn = func(context.Context, store.Transition) (bool, error) {
		return false, errors.New("connection reset")
	}
	svc, _ := newTestService(fs)

	_, err := svc.RequestClosure(context.Background(), "Q1", adminCaller, "")
	if err == nil {
		t.Fatalf("expected error")
	}
	status, code, _, _ := mapError(err)
	if status != http.StatusInternalServerError || code != CodeServerError {
		t.Fatalf("expected 500 SERVER_ERROR, got %d %s", status, code)
	}
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc, notifier := newTestService(fs)
	notifier.result = notify.Result{Warnings: []string{"push: not configured"}}

	result, err := svc.RequestClosure(context.Background(), "Q1", adminCaller, "")
	if err != nil {
		t.Fatalf("request closure: %v", err)
	}
	if result.PushSuccess || result.EmailSuccess {
		t.Fatalf("expected delivery flags false")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected warning to surface, got %v", result.Warnings)
	}
	if fs.snapshot("Q1").ThreadStatus != quotation.ThreadAwaitingUserPermission {
		t.Fatalf("transition must stay committed")
	}
}

func TestTransitionIndexesSystemMessage(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	idx := &recordingSearch{}
	svc := New(testConfig(), Deps{Store: fs, Search: idx, Log: discardLogger()})

	result, err := svc.RequestClosure(context.Background(), "Q1", adminCaller, "")
	if err != nil {
		t.Fatalf("request closure: %v", err)
	}
	if len(idx.messages) != 1 || idx.messages[0].ID != result.SystemMessageID {
		t.Fatalf("expected system message indexed, got %+v", idx.messages)
	}
	if len(idx.quotations) != 1 || idx.quotations[0].ThreadStatus != string(quotation.ThreadAwaitingUserPermission) {
		t.Fatalf("expected quotation reindexed with new status, got %+v", idx.quotations)
	}
}

type recordingPublisher struct {
	published []events.ThreadEvent
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, event events.ThreadEvent) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func TestTransitionsPublishThreadEvents(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	pub := &recordingPublisher{}
	svc := New(testConfig(), Deps{Store: fs, Events: pub, Log: discardLogger()})
	ctx := context.Background()

	result, err := svc.RequestClosure(ctx, "Q1", adminCaller, "")
	if err != nil {
		t.Fatalf("request closure: %v", err)
	}
	if _, err := svc.GrantClosurePermission(ctx, "Q1", ownerCaller); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if len(pub.published) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.published))
	}
	first := pub.published[0]
	if first.Event != "request_closure" || first.ThreadStatus != string(quotation.ThreadAwaitingUserPermission) ||
		first.MessageID != result.SystemMessageID || first.ActorRole != "admin" {
		t.Fatalf("unexpected event %+v", first)
	}
	if pub.published[1].Event != "grant_permission" || pub.published[1].ActorID != ownerCaller.ID {
		t.Fatalf("unexpected event %+v", pub.published[1])
	}
}

func TestEventPublishFailureIsAWarning(t *testing.T) {
	fs := newFakeStore()
	seedActive(fs, "Q1")
	svc := New(testConfig(), Deps{Store: fs, Events: &recordingPublisher{err: errors.New("nats down")}, Log: discardLogger()})

	result, err := svc.RequestClosure(context.Background(), "Q1", adminCaller, "")
	if err != nil {
		t.Fatalf("publish failure must not fail the transition: %v", err)
	}
	if fs.snapshot("Q1").ThreadStatus != quotation.ThreadAwaitingUserPermission {
		t.Fatalf("transition must be committed")
	}
	found := false
	for _, w := range result.Warnings {
		if w == "event publish failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publish warning, got %v", result.Warnings)
	}
}
