package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quotedesk/api/internal/attachments"
	"quotedesk/api/internal/drafts"
	"quotedesk/api/internal/events"
	"quotedesk/api/internal/export"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/search"
	"quotedesk/api/internal/store"
	"quotedesk/api/internal/util"
)

type CreateQuotationInput struct {
	UserID      string  `json:"userId" validate:"required"`
	UserName    string  `json:"userName" validate:"max=200"`
	UserEmail   string  `json:"userEmail" validate:"omitempty,email"`
	Company     string  `json:"company" validate:"max=200"`
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName" validate:"required_without=ProductID,max=200"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	Unit        string  `json:"unit" validate:"required,max=20"`
	Notes       string  `json:"notes" validate:"max=5000"`
	// DraftSubmitted clears the caller's saved form draft on success.
	DraftSubmitted bool `json:"draftSubmitted"`
}

// CreateQuotation opens a pending quotation with an active thread.
func (s *Service) CreateQuotation(ctx context.Context, input CreateQuotationInput) (QuotationView, error) {
	var missing []string
	if strings.TrimSpace(input.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(input.ProductName) == "" && strings.TrimSpace(input.ProductID) == "" {
		missing = append(missing, "productName")
	}
	if strings.TrimSpace(input.Unit) == "" {
		missing = append(missing, "unit")
	}
	if len(missing) > 0 {
		return QuotationView{}, missingFieldsError(missing...)
	}
	if input.Quantity <= 0 {
		return QuotationView{}, validationError("quantity must be greater than zero", map[string]any{"field": "quantity"})
	}

	userID := strings.TrimSpace(input.UserID)
	if err := s.store.UpsertCustomer(ctx, store.Customer{
		ID:          userID,
		DisplayName: strings.TrimSpace(input.UserName),
		Email:       strings.TrimSpace(input.UserEmail),
		Company:     strings.TrimSpace(input.Company),
	}); err != nil {
		return QuotationView{}, err
	}

	item := store.Quotation{
		ID:           util.NewID("quo"),
		UserID:       userID,
		UserName:     strings.TrimSpace(input.UserName),
		ProductID:    strings.TrimSpace(input.ProductID),
		ProductName:  strings.TrimSpace(input.ProductName),
		Quantity:     input.Quantity,
		Unit:         strings.TrimSpace(input.Unit),
		Notes:        strings.TrimSpace(input.Notes),
		Status:       quotation.StatusPending,
		ThreadStatus: quotation.ThreadActive,
	}
	if err := s.store.InsertQuotation(ctx, item); err != nil {
		return QuotationView{}, err
	}
	created, err := s.store.GetQuotation(ctx, item.ID)
	if err != nil {
		return QuotationView{}, fmt.Errorf("reload quotation: %w", err)
	}

	if input.DraftSubmitted && s.drafts != nil {
		if err := s.drafts.Delete(ctx, userID); err != nil {
			s.log.Warn("clear submitted draft", "user_id", userID, "error", err)
		}
	}
	if err := s.events.Publish(ctx, events.ThreadEvent{
		Event:        "quotation_created",
		QuotationID:  created.ID,
		ThreadStatus: string(created.ThreadStatus),
		ActorID:      userID,
		ActorRole:    string(quotation.RoleUser),
		OccurredAt:   s.now().UTC(),
	}); err != nil {
		s.log.Warn("publish quotation event", "quotation_id", created.ID, "error", err)
	}
	s.search.IndexQuotation(quotationRecord(created))
	s.log.Info("quotation created", "quotation_id", created.ID, "user_id", userID)
	return newQuotationView(created), nil
}

// QuotationDetail adds the viewer's unread count to the record.
type QuotationDetail struct {
	QuotationView
	UnreadCount int `json:"unreadCount"`
}

func (s *Service) GetQuotation(ctx context.Context, quotationID string, viewer Caller) (QuotationDetail, error) {
	q, err := s.visibleQuotation(ctx, quotationID, viewer)
	if err != nil {
		return QuotationDetail{}, err
	}
	unread, err := s.store.UnreadCount(ctx, q.ID, viewer.Role)
	if err != nil {
		return QuotationDetail{}, err
	}
	return QuotationDetail{QuotationView: newQuotationView(q), UnreadCount: unread}, nil
}

type ListQuotationsInput struct {
	UserID       string
	Status       string
	ThreadStatus string
	Limit        int
	Offset       int
}

// ListQuotations pins customers to their own quotations regardless of the
// requested userId filter.
func (s *Service) ListQuotations(ctx context.Context, viewer Caller, input ListQuotationsInput) ([]QuotationView, error) {
	filter := store.QuotationFilter{
		UserID: strings.TrimSpace(input.UserID),
		Limit:  input.Limit,
		Offset: input.Offset,
	}
	if viewer.Role != quotation.RoleAdmin {
		if viewer.ID == "" {
			return nil, missingFieldsError("userId")
		}
		filter.UserID = viewer.ID
	}
	if input.Status != "" {
		status, ok := quotation.ParseStatus(input.Status)
		if !ok {
			return nil, validationError("unknown status", map[string]any{"status": input.Status})
		}
		filter.Status = status
	}
	if input.ThreadStatus != "" {
		threadStatus, ok := quotation.ParseThreadStatus(input.ThreadStatus)
		if !ok {
			return nil, validationError("unknown thread status", map[string]any{"threadStatus": input.ThreadStatus})
		}
		filter.ThreadStatus = threadStatus
	}

	items, err := s.store.ListQuotations(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]QuotationView, 0, len(items))
	for _, item := range items {
		views = append(views, newQuotationView(item))
	}
	return views, nil
}

// UpdateQuotationStatus changes the commercial status. The thread status is
// owned by the closure protocol and is never touched here.
func (s *Service) UpdateQuotationStatus(ctx context.Context, quotationID, status string, actor Caller) (QuotationView, error) {
	if actor.Role != quotation.RoleAdmin {
		return QuotationView{}, unauthorizedError("only admins may change quotation status")
	}
	if strings.TrimSpace(status) == "" {
		return QuotationView{}, missingFieldsError("status")
	}
	parsed, ok := quotation.ParseStatus(status)
	if !ok {
		return QuotationView{}, validationError("unknown status", map[string]any{"status": status, "allowed": quotation.Statuses()})
	}
	updated, err := s.store.UpdateQuotationStatus(ctx, quotationID, parsed)
	if err != nil {
		return QuotationView{}, err
	}
	if !updated {
		return QuotationView{}, notFoundError("quotation", quotationID)
	}
	q, err := s.loadQuotation(ctx, quotationID)
	if err != nil {
		return QuotationView{}, err
	}
	s.search.IndexQuotation(quotationRecord(q))
	s.log.Info("quotation status changed", "quotation_id", q.ID, "status", string(parsed), "admin_id", actor.ID)
	return newQuotationView(q), nil
}

func (s *Service) Summary(ctx context.Context) (store.QuotationSummary, error) {
	return s.store.QuotationSummary(ctx)
}

// Search scopes customers to their own quotations.
func (s *Service) Search(viewer Caller, text, resultType string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(text) == "" {
		return search.Response{}, missingFieldsError("q")
	}
	q := search.Query{Text: text, Limit: limit, Offset: offset}
	switch search.ResultType(resultType) {
	case "", search.ResultQuotation, search.ResultMessage:
		q.FilterType = search.ResultType(resultType)
	default:
		return search.Response{}, validationError("unknown result type", map[string]any{"type": resultType})
	}
	if viewer.Role != quotation.RoleAdmin {
		q.UserID = viewer.ID
	}
	return s.search.Search(q), nil
}

// Export renders the thread transcript PDF.
func (s *Service) Export(ctx context.Context, quotationID string, viewer Caller) (*export.Result, error) {
	if viewer.Role != quotation.RoleAdmin {
		return nil, unauthorizedError("export is restricted to admins")
	}
	if s.exporter == nil {
		return nil, featureUnavailable(CodeExportUnavailable, "transcript export is not configured")
	}
	if _, err := s.loadQuotation(ctx, quotationID); err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, quotationID)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, featureUnavailable(CodeExportUnavailable, "PDF renderer is not installed on this server")
	}
	return result, err
}

// Attachments

type PresignUploadInput struct {
	UserID   string `json:"userId"`
	FileName string `json:"fileName" validate:"required,max=255"`
}

func (s *Service) PresignUpload(ctx context.Context, quotationID string, caller Caller, fileName string) (attachments.Upload, error) {
	if s.files == nil {
		return attachments.Upload{}, featureUnavailable("ATTACHMENTS_UNAVAILABLE", "attachment storage is not configured")
	}
	if strings.TrimSpace(fileName) == "" {
		return attachments.Upload{}, missingFieldsError("fileName")
	}
	q, err := s.visibleQuotation(ctx, quotationID, caller)
	if err != nil {
		return attachments.Upload{}, err
	}
	if !quotation.CanPost(q.ThreadStatus) {
		return attachments.Upload{}, threadClosedError(q.ID)
	}
	return s.files.PresignUpload(ctx, q.ID, fileName)
}

func (s *Service) PresignDownload(ctx context.Context, quotationID string, caller Caller, key string) (string, error) {
	if s.files == nil {
		return "", featureUnavailable("ATTACHMENTS_UNAVAILABLE", "attachment storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return "", missingFieldsError("key")
	}
	q, err := s.visibleQuotation(ctx, quotationID, caller)
	if err != nil {
		return "", err
	}
	link, err := s.files.PresignDownload(ctx, q.ID, key)
	if errors.Is(err, attachments.ErrForeignKey) {
		return "", notFoundError("attachment", key)
	}
	return link, err
}

// Drafts

func (s *Service) SaveDraft(ctx context.Context, draft drafts.Draft) (drafts.Draft, error) {
	if s.drafts == nil {
		return drafts.Draft{}, featureUnavailable("DRAFTS_UNAVAILABLE", "draft storage is not configured")
	}
	if strings.TrimSpace(draft.UserID) == "" {
		return drafts.Draft{}, missingFieldsError("userId")
	}
	return s.drafts.Save(ctx, draft)
}

func (s *Service) GetDraft(ctx context.Context, userID string) (drafts.Draft, error) {
	if s.drafts == nil {
		return drafts.Draft{}, featureUnavailable("DRAFTS_UNAVAILABLE", "draft storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return drafts.Draft{}, missingFieldsError("userId")
	}
	draft, err := s.drafts.Get(ctx, userID)
	if errors.Is(err, drafts.ErrNotFound) {
		return drafts.Draft{}, notFoundError("draft", userID)
	}
	return draft, err
}

func (s *Service) DeleteDraft(ctx context.Context, userID string) error {
	if s.drafts == nil {
		return featureUnavailable("DRAFTS_UNAVAILABLE", "draft storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return missingFieldsError("userId")
	}
	return s.drafts.Delete(ctx, userID)
}
