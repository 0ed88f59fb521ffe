package app

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quotedesk/api/internal/config"
	"quotedesk/api/internal/notify"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/search"
	"quotedesk/api/internal/store"
)

// fakeStore keeps quotations and messages in memory and mirrors the
// conditional writes of the Postgres store. The Fn fields override single
// calls for failure and race cases.
type fakeStore struct {
	mu         sync.Mutex
	quotations map[string]store.Quotation
	messages   []store.Message
	customers  map[string]store.Customer
	devices    map[string]store.DeviceToken
	admins     map[string]store.Admin
	apiKeys    map[string]store.APIKey
	refresh    map[string]string
	revoked    map[string]bool
	touched    []string
	clock      time.Time

	getQuotationFn        func(context.Context, string) (store.Quotation, error)
	applyTransitionFn     func(context.Context, store.Transition) (bool, error)
	insertMessageIfOpenFn func(context.Context, store.Message) (store.Message, bool, error)
	pingFn                func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		quotations: map[string]store.Quotation{},
		customers:  map[string]store.Customer{},
		devices:    map[string]store.DeviceToken{},
		admins:     map[string]store.Admin{},
		apiKeys:    map[string]store.APIKey{},
		refresh:    map[string]string{},
		revoked:    map[string]bool{},
		clock:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) seedQuotation(q store.Quotation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.Status == "" {
		q.Status = quotation.StatusPending
	}
	if q.ThreadStatus == "" {
		q.ThreadStatus = quotation.ThreadActive
	}
	q.CreatedAt = f.tick()
	q.UpdatedAt = q.CreatedAt
	f.quotations[q.ID] = q
}

func (f *fakeStore) snapshot(id string) store.Quotation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotations[id]
}

func (f *fakeStore) messagesFor(id string) []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.QuotationID == id {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeStore) InsertQuotation(_ context.Context, q store.Quotation) error {
	f.seedQuotation(q)
	return nil
}

func (f *fakeStore) GetQuotation(ctx context.Context, id string) (store.Quotation, error) {
	if f.getQuotationFn != nil {
		return f.getQuotationFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotations[id]
	if !ok {
		return store.Quotation{}, sql.ErrNoRows
	}
	return q, nil
}

func (f *fakeStore) ListQuotations(_ context.Context, filter store.QuotationFilter) ([]store.Quotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Quotation
	for _, q := range f.quotations {
		if filter.UserID != "" && q.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && q.Status != filter.Status {
			continue
		}
		if filter.ThreadStatus != "" && q.ThreadStatus != filter.ThreadStatus {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) UpdateQuotationStatus(_ context.Context, id string, status quotation.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotations[id]
	if !ok {
		return false, nil
	}
	q.Status = status
	q.UpdatedAt = f.tick()
	f.quotations[id] = q
	return true, nil
}

func (f *fakeStore) QuotationSummary(context.Context) (store.QuotationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := store.QuotationSummary{
		ByStatus:       map[quotation.Status]int{},
		ByThreadStatus: map[quotation.ThreadStatus]int{},
	}
	for _, q := range f.quotations {
		summary.Total++
		summary.ByStatus[q.Status]++
		summary.ByThreadStatus[q.ThreadStatus]++
	}
	summary.AwaitingCustomer = summary.ByThreadStatus[quotation.ThreadAwaitingUserPermission]
	summary.ReadyToClose = summary.ByThreadStatus[quotation.ThreadUserApprovedClosure]
	return summary, nil
}

func (f *fakeStore) ApplyTransition(ctx context.Context, t store.Transition) (bool, error) {
	if f.applyTransitionFn != nil {
		return f.applyTransitionFn(ctx, t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotations[t.QuotationID]
	if !ok || q.ThreadStatus != t.From || (t.OwnerID != "" && q.UserID != t.OwnerID) {
		return false, nil
	}
	now := f.tick()
	q.ThreadStatus = t.To
	switch t.Event {
	case quotation.EventRequestClosure:
		q.ClosureRequestedBy = t.ActorID
		q.ClosureRequestedAt = &now
		q.UserPermissionToClose = false
		q.UserPermissionGrantedAt = nil
		q.ClosureRejectedAt = nil
		q.ClosureRejectionReason = ""
	case quotation.EventGrantPermission:
		q.UserPermissionToClose = true
		q.UserPermissionGrantedAt = &now
	case quotation.EventRejectClosure:
		q.UserPermissionToClose = false
		q.ClosureRejectedAt = &now
		q.ClosureRejectionReason = t.Reason
	case quotation.EventCloseThread:
		q.ClosedBy = t.ActorID
		q.ClosedAt = &now
		q.ClosureReason = t.Reason
	}
	q.UpdatedAt = now
	f.quotations[q.ID] = q

	m := t.Message
	m.QuotationID = q.ID
	m.CreatedAt = now
	f.messages = append(f.messages, m)
	return true, nil
}

func (f *fakeStore) InsertMessageIfOpen(ctx context.Context, m store.Message) (store.Message, bool, error) {
	if f.insertMessageIfOpenFn != nil {
		return f.insertMessageIfOpenFn(ctx, m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotations[m.QuotationID]
	if !ok || q.ThreadStatus == quotation.ThreadClosed {
		return store.Message{}, false, nil
	}
	m.CreatedAt = f.tick()
	f.messages = append(f.messages, m)
	return m, true, nil
}

func (f *fakeStore) GetMessage(_ context.Context, quotationID, messageID string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.QuotationID == quotationID && m.ID == messageID {
			return m, nil
		}
	}
	return store.Message{}, sql.ErrNoRows
}

func (f *fakeStore) ListMessages(_ context.Context, quotationID string, includeDeleted bool) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.QuotationID != quotationID || (m.IsDeleted && !includeDeleted) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, quotationID string, reader quotation.Role) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	updated := 0
	for i, m := range f.messages {
		if m.QuotationID != quotationID || m.IsDeleted {
			continue
		}
		switch {
		case reader == quotation.RoleUser && !m.IsReadByUser:
			f.messages[i].IsReadByUser = true
			f.messages[i].ReadByUserAt = &now
			updated++
		case reader == quotation.RoleAdmin && !m.IsReadByAdmin:
			f.messages[i].IsReadByAdmin = true
			f.messages[i].ReadByAdminAt = &now
			updated++
		}
	}
	return updated, nil
}

func (f *fakeStore) UnreadCount(_ context.Context, quotationID string, reader quotation.Role) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		if m.QuotationID != quotationID || m.IsDeleted {
			continue
		}
		if (reader == quotation.RoleUser && !m.IsReadByUser) || (reader == quotation.RoleAdmin && !m.IsReadByAdmin) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SoftDeleteMessage(_ context.Context, quotationID, messageID, deletedBy string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.QuotationID == quotationID && m.ID == messageID && !m.IsDeleted {
			now := f.tick()
			f.messages[i].IsDeleted = true
			f.messages[i].DeletedAt = &now
			f.messages[i].DeletedBy = deletedBy
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpsertCustomer(_ context.Context, c store.Customer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[c.ID] = c
	return nil
}

func (f *fakeStore) UpsertDeviceToken(_ context.Context, token store.DeviceToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[token.Token] = token
	return nil
}

func (f *fakeStore) GetAdminByID(_ context.Context, id string) (store.Admin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	admin, ok := f.admins[id]
	if !ok {
		return store.Admin{}, sql.ErrNoRows
	}
	return admin, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, adminID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = adminID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.Admin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	adminID, ok := f.refresh[tokenHash]
	if !ok {
		return store.Admin{}, sql.ErrNoRows
	}
	return store.Admin{ID: adminID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAdminRefreshSessions(_ context.Context, adminID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for hash, owner := range f.refresh {
		if owner == adminID {
			delete(f.refresh, hash)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) InsertAPIKey(_ context.Context, key store.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys[key.KeyHash] = key
	return nil
}

func (f *fakeStore) LookupAPIKey(_ context.Context, hash string) (store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apiKeys[hash]
	if !ok {
		return store.APIKey{}, sql.ErrNoRows
	}
	return key, nil
}

func (f *fakeStore) TouchAPIKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, key := range f.apiKeys {
		if key.ID == id && key.RevokedAt == nil {
			now := f.tick()
			key.RevokedAt = &now
			f.apiKeys[hash] = key
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// recordingNotifier captures dispatched notifications.
type recordingNotifier struct {
	mu       sync.Mutex
	requests []notify.Request
	result   notify.Result
}

func (n *recordingNotifier) Dispatch(_ context.Context, req notify.Request) notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	result := n.result
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	return result
}

func (n *recordingNotifier) categories() []notify.Category {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Category, 0, len(n.requests))
	for _, req := range n.requests {
		out = append(out, req.Category)
	}
	return out
}

type recordingSearch struct {
	mu         sync.Mutex
	quotations []search.QuotationRecord
	messages   []search.MessageRecord
	deleted    []string
	lastQuery  search.Query
}

func (r *recordingSearch) IndexQuotation(rec search.QuotationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotations = append(r.quotations, rec)
}

func (r *recordingSearch) IndexMessage(rec search.MessageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, rec)
}

func (r *recordingSearch) DeleteMessage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

func (r *recordingSearch) Search(q search.Query) search.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:                 "test-secret",
		AccessTTL:                 time.Hour,
		RefreshTTL:                24 * time.Hour,
		DefaultRateLimitPerMinute: 60,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(fs *fakeStore) (*Service, *recordingNotifier) {
	n := &recordingNotifier{}
	svc := New(testConfig(), Deps{
		Store:    fs,
		Notifier: n,
		Log:      discardLogger(),
	})
	return svc, n
}

var (
	adminCaller = Caller{ID: "adm-1", Name: "Dana Admin", Role: quotation.RoleAdmin}
	ownerCaller = Caller{ID: "U1", Name: "Owner", Role: quotation.RoleUser}
	otherCaller = Caller{ID: "U2", Name: "Other", Role: quotation.RoleUser}
)

func seedActive(fs *fakeStore, id string) {
	fs.seedQuotation(store.Quotation{
		ID:          id,
		UserID:      ownerCaller.ID,
		UserName:    ownerCaller.Name,
		ProductName: "Sodium hydroxide 50%",
		Quantity:    20,
		Unit:        "t",
	})
}
