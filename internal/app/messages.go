package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"quotedesk/api/internal/attachments"
	"quotedesk/api/internal/events"
	"quotedesk/api/internal/metrics"
	"quotedesk/api/internal/notify"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/store"
	"quotedesk/api/internal/util"
)

const maxAttachments = 10

type AttachmentRef struct {
	Key  string `json:"key" validate:"required"`
	Name string `json:"name" validate:"required,max=255"`
}

type SendMessageInput struct {
	Content     string          `json:"content" validate:"required,max=10000"`
	MessageType string          `json:"messageType" validate:"omitempty,oneof=message system_notification"`
	Attachments []AttachmentRef `json:"attachments" validate:"max=10,dive"`
}

type SendMessageResult struct {
	Message      MessageView `json:"message"`
	PushSuccess  bool        `json:"pushSuccess"`
	EmailSuccess bool        `json:"emailSuccess"`
	Warnings     []string    `json:"warnings"`
}

// SendMessage appends a participant message. The insert itself re-checks
// that the thread is open, so a send racing CloseThread cannot land after it.
func (s *Service) SendMessage(ctx context.Context, quotationID string, author Caller, input SendMessageInput) (SendMessageResult, error) {
	// Content is stored exactly as sent; only the blank check trims it.
	trimmed := strings.TrimSpace(input.Content)
	var missing []string
	if trimmed == "" {
		missing = append(missing, "content")
	}
	if strings.TrimSpace(author.ID) == "" {
		missing = append(missing, "authorId")
	}
	if len(missing) > 0 {
		return SendMessageResult{}, missingFieldsError(missing...)
	}
	if _, ok := quotation.ParseRole(string(author.Role)); !ok {
		return SendMessageResult{}, validationError("unknown author role", map[string]any{"authorRole": author.Role})
	}

	messageType := quotation.MessageText
	if input.MessageType != "" {
		parsed, ok := quotation.ParseMessageType(input.MessageType)
		if !ok {
			return SendMessageResult{}, validationError("unknown message type", map[string]any{"messageType": input.MessageType})
		}
		messageType = parsed
	}
	if !quotation.CanAuthor(author.Role, messageType) {
		return SendMessageResult{}, unauthorizedError(fmt.Sprintf("%s may not send %s messages", author.Role, messageType))
	}

	q, err := s.loadQuotation(ctx, quotationID)
	if err != nil {
		return SendMessageResult{}, err
	}
	if author.Role == quotation.RoleUser && q.UserID != author.ID {
		return SendMessageResult{}, unauthorizedError("only the quotation owner may post to this thread")
	}
	if !quotation.CanPost(q.ThreadStatus) {
		return SendMessageResult{}, threadClosedError(q.ID)
	}

	files, err := s.resolveAttachments(ctx, q.ID, input.Attachments)
	if err != nil {
		return SendMessageResult{}, err
	}

	msg, inserted, err := s.store.InsertMessageIfOpen(ctx, store.Message{
		ID:            util.NewID("msg"),
		QuotationID:   q.ID,
		AuthorID:      author.ID,
		AuthorName:    author.Name,
		AuthorRole:    author.Role,
		Content:       input.Content,
		MessageType:   messageType,
		Attachments:   files,
		IsReadByUser:  author.Role == quotation.RoleUser,
		IsReadByAdmin: author.Role == quotation.RoleAdmin,
	})
	if err != nil {
		return SendMessageResult{}, err
	}
	if !inserted {
		observed, err := s.loadQuotation(ctx, quotationID)
		if err != nil {
			return SendMessageResult{}, err
		}
		if !quotation.CanPost(observed.ThreadStatus) {
			return SendMessageResult{}, threadClosedError(observed.ID)
		}
		return SendMessageResult{}, fmt.Errorf("insert message into open thread %s returned no row", observed.ID)
	}
	metrics.MessagesSent.WithLabelValues(string(author.Role), string(messageType)).Inc()

	sent := s.notifier.Dispatch(ctx, notify.Request{
		Category:  notify.CategoryNewMessage,
		Quotation: q,
		ActorName: author.Name,
		ActorRole: author.Role,
		Excerpt:   excerpt(trimmed, 140),
	})
	warnings := append([]string{}, sent.Warnings...)
	if err := s.events.Publish(ctx, events.ThreadEvent{
		Event:        "message_sent",
		QuotationID:  q.ID,
		ThreadStatus: string(q.ThreadStatus),
		MessageID:    msg.ID,
		ActorID:      author.ID,
		ActorRole:    string(author.Role),
		OccurredAt:   s.now().UTC(),
	}); err != nil {
		s.log.Warn("publish message event", "quotation_id", q.ID, "error", err)
		warnings = append(warnings, "event publish failed")
	}
	s.search.IndexMessage(messageRecord(msg, q.UserID))

	return SendMessageResult{
		Message:      newMessageView(msg),
		PushSuccess:  sent.PushSuccess,
		EmailSuccess: sent.EmailSuccess,
		Warnings:     warnings,
	}, nil
}

// resolveAttachments checks that every referenced object was uploaded for
// this quotation and fills in size and content type from storage.
func (s *Service) resolveAttachments(ctx context.Context, quotationID string, refs []AttachmentRef) ([]store.Attachment, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if s.files == nil {
		return nil, featureUnavailable("ATTACHMENTS_UNAVAILABLE", "attachment storage is not configured")
	}
	if len(refs) > maxAttachments {
		return nil, validationError(fmt.Sprintf("at most %d attachments per message", maxAttachments), nil)
	}
	files := make([]store.Attachment, 0, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref.Key) == "" || strings.TrimSpace(ref.Name) == "" {
			return nil, missingFieldsError("attachments.key", "attachments.name")
		}
		obj, err := s.files.Stat(ctx, quotationID, ref.Key)
		switch {
		case errors.Is(err, attachments.ErrForeignKey):
			return nil, validationError("attachment belongs to another quotation", map[string]any{"key": ref.Key})
		case errors.Is(err, attachments.ErrNotFound):
			return nil, validationError("attachment has not been uploaded", map[string]any{"key": ref.Key})
		case err != nil:
			return nil, err
		}
		files = append(files, store.Attachment{
			Key:         ref.Key,
			Name:        strings.TrimSpace(ref.Name),
			ContentType: obj.ContentType,
			Size:        obj.Size,
		})
	}
	return files, nil
}

// excerpt flattens text to one line for push bodies and cuts it at limit runes.
func excerpt(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

// visibleQuotation loads a quotation for a reader. Customers get NotFound
// for quotations they do not own.
func (s *Service) visibleQuotation(ctx context.Context, quotationID string, viewer Caller) (store.Quotation, error) {
	q, err := s.loadQuotation(ctx, quotationID)
	if err != nil {
		return store.Quotation{}, err
	}
	if viewer.Role != quotation.RoleAdmin && q.UserID != viewer.ID {
		return store.Quotation{}, notFoundError("quotation", quotationID)
	}
	return q, nil
}

// MarkMessagesRead flags every unread message for the reader's side. Calling
// it again returns 0.
func (s *Service) MarkMessagesRead(ctx context.Context, quotationID string, reader Caller) (int, error) {
	if _, ok := quotation.ParseRole(string(reader.Role)); !ok {
		return 0, validationError("unknown reader role", map[string]any{"role": reader.Role})
	}
	if _, err := s.visibleQuotation(ctx, quotationID, reader); err != nil {
		return 0, err
	}
	return s.store.MarkMessagesRead(ctx, quotationID, reader.Role)
}

func (s *Service) ListMessages(ctx context.Context, quotationID string, viewer Caller) ([]MessageView, error) {
	if _, err := s.visibleQuotation(ctx, quotationID, viewer); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, quotationID, false)
}

// ListMessagesAudit includes soft-deleted messages. Admin only.
func (s *Service) ListMessagesAudit(ctx context.Context, quotationID string, viewer Caller) ([]MessageView, error) {
	if viewer.Role != quotation.RoleAdmin {
		return nil, unauthorizedError("audit listing is restricted to admins")
	}
	if _, err := s.loadQuotation(ctx, quotationID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, quotationID, true)
}

func (s *Service) listMessages(ctx context.Context, quotationID string, includeDeleted bool) ([]MessageView, error) {
	items, err := s.store.ListMessages(ctx, quotationID, includeDeleted)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(items))
	for _, item := range items {
		views = append(views, newMessageView(item))
	}
	return views, nil
}

// SoftDeleteMessage hides a message from normal listings while keeping its
// content for audit. Deleting an already deleted message returns it
// unchanged. Protocol messages cannot be deleted.
func (s *Service) SoftDeleteMessage(ctx context.Context, quotationID, messageID string, actor Caller) (MessageView, error) {
	q, err := s.visibleQuotation(ctx, quotationID, actor)
	if err != nil {
		return MessageView{}, err
	}
	m, err := s.store.GetMessage(ctx, q.ID, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, notFoundError("message", messageID)
		}
		return MessageView{}, err
	}
	if m.MessageType != quotation.MessageText && m.MessageType != quotation.MessageSystemNotification {
		return MessageView{}, unauthorizedError("closure protocol messages cannot be deleted")
	}
	if actor.Role == quotation.RoleUser && m.AuthorID != actor.ID {
		return MessageView{}, unauthorizedError("users may only delete their own messages")
	}
	if m.IsDeleted {
		return newMessageView(m), nil
	}

	if _, err := s.store.SoftDeleteMessage(ctx, q.ID, m.ID, actor.ID); err != nil {
		return MessageView{}, err
	}
	deleted, err := s.store.GetMessage(ctx, q.ID, m.ID)
	if err != nil {
		return MessageView{}, err
	}
	s.search.DeleteMessage(m.ID)
	s.log.Info("message soft deleted", "quotation_id", q.ID, "message_id", m.ID, "deleted_by", actor.ID)
	return newMessageView(deleted), nil
}

func (s *Service) UnreadCount(ctx context.Context, quotationID string, reader Caller) (int, error) {
	if _, err := s.visibleQuotation(ctx, quotationID, reader); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, quotationID, reader.Role)
}
