package export

import (
	"context"
	"fmt"
	"time"

	"quotedesk/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetQuotation(ctx context.Context, id string) (store.Quotation, error)
	ListMessages(ctx context.Context, quotationID string, includeDeleted bool) ([]store.Message, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service provides thread transcript export
type Service struct {
	store  DataStore
	render renderFunc
	now    func() time.Time
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store, render: exportPDF, now: time.Now}
}

// Transcript builds the template data for a quotation thread. Soft-deleted
// messages are left out.
func (s *Service) Transcript(ctx context.Context, quotationID string) (TemplateData, error) {
	q, err := s.store.GetQuotation(ctx, quotationID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("get quotation: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, quotationID, false)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list messages: %w", err)
	}

	data := TemplateData{
		QuotationID:  q.ID,
		ProductName:  q.ProductName,
		Customer:     q.UserName,
		Quantity:     q.Quantity,
		Unit:         q.Unit,
		Status:       string(q.Status),
		ThreadStatus: string(q.ThreadStatus),
		GeneratedAt:  s.now().UTC(),
		Lines:        make([]Line, 0, len(messages)),
	}
	if q.ClosedAt != nil {
		data.ClosedAt = *q.ClosedAt
		data.ClosureReason = q.ClosureReason
	}
	for _, m := range messages {
		if m.IsDeleted {
			continue
		}
		line := Line{
			Author:    m.AuthorName,
			Role:      string(m.AuthorRole),
			Type:      string(m.MessageType),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
		for _, a := range m.Attachments {
			line.Files = append(line.Files, a.Name)
		}
		data.Lines = append(data.Lines, line)
	}
	return data, nil
}

// Export renders the thread transcript of a quotation as a PDF.
func (s *Service) Export(ctx context.Context, quotationID string) (*Result, error) {
	data, err := s.Transcript(ctx, quotationID)
	if err != nil {
		return nil, err
	}
	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	title := "quotation-" + data.QuotationID
	if data.ProductName != "" {
		title += " " + data.ProductName
	}
	return s.render(ctx, html, title)
}
