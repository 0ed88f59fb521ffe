package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"quotedesk/api/internal/events"
	"quotedesk/api/internal/metrics"
	"quotedesk/api/internal/notify"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/store"
	"quotedesk/api/internal/util"
)

// TransitionResult is returned by every closure protocol operation.
// Notification outcome is informational; the transition is already committed.
type TransitionResult struct {
	QuotationID     string                 `json:"quotationId"`
	ThreadStatus    quotation.ThreadStatus `json:"threadStatus"`
	SystemMessageID string                 `json:"systemMessageId"`
	PushSuccess     bool                   `json:"pushSuccess"`
	EmailSuccess    bool                   `json:"emailSuccess"`
	Warnings        []string               `json:"warnings"`
	Quotation       QuotationView          `json:"quotation"`
}

// RequestClosure asks the customer for permission to close the thread.
func (s *Service) RequestClosure(ctx context.Context, quotationID string, actor Caller, reason string) (TransitionResult, error) {
	return s.applyEvent(ctx, quotation.EventRequestClosure, quotationID, actor, reason)
}

// GrantClosurePermission records the owner's consent. The thread stays open
// until an admin closes it.
func (s *Service) GrantClosurePermission(ctx context.Context, quotationID string, actor Caller) (TransitionResult, error) {
	return s.applyEvent(ctx, quotation.EventGrantPermission, quotationID, actor, "")
}

// RejectClosureRequest returns the thread to active.
func (s *Service) RejectClosureRequest(ctx context.Context, quotationID string, actor Caller, reason string) (TransitionResult, error) {
	return s.applyEvent(ctx, quotation.EventRejectClosure, quotationID, actor, reason)
}

func (s *Service) CloseThread(ctx context.Context, quotationID string, actor Caller, reason string) (TransitionResult, error) {
	return s.applyEvent(ctx, quotation.EventCloseThread, quotationID, actor, reason)
}

func (s *Service) loadQuotation(ctx context.Context, quotationID string) (store.Quotation, error) {
	q, err := s.store.GetQuotation(ctx, quotationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Quotation{}, notFoundError("quotation", quotationID)
		}
		return store.Quotation{}, fmt.Errorf("get quotation: %w", err)
	}
	return q, nil
}

func (s *Service) applyEvent(ctx context.Context, event quotation.Event, quotationID string, actor Caller, reason string) (TransitionResult, error) {
	result, err := s.transition(ctx, event, quotationID, actor, strings.TrimSpace(reason))
	metrics.ThreadTransitions.WithLabelValues(event.String(), outcomeLabel(err)).Inc()
	if err != nil {
		s.log.Info("thread transition refused",
			"event", event.String(),
			"quotation_id", quotationID,
			"actor_id", actor.ID,
			"actor_role", string(actor.Role),
			"error", err,
		)
	}
	return result, err
}

func (s *Service) transition(ctx context.Context, event quotation.Event, quotationID string, actor Caller, reason string) (TransitionResult, error) {
	var missing []string
	if strings.TrimSpace(quotationID) == "" {
		missing = append(missing, "quotationId")
	}
	if strings.TrimSpace(actor.ID) == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return TransitionResult{}, missingFieldsError(missing...)
	}

	current, err := s.loadQuotation(ctx, quotationID)
	if err != nil {
		return TransitionResult{}, err
	}
	if !quotation.Authorize(event, actor.Role, actor.ID, current.UserID) {
		return TransitionResult{}, unauthorizedError(fmt.Sprintf("%s %s may not %s this quotation", actor.Role, actor.ID, event))
	}
	next, err := quotation.Next(current.ThreadStatus, event)
	if err != nil {
		return TransitionResult{}, invalidStateError(current.ThreadStatus, event)
	}

	edge, _ := quotation.EdgeFor(event)
	msg := store.Message{
		ID:            util.NewID("msg"),
		QuotationID:   current.ID,
		AuthorID:      actor.ID,
		AuthorName:    actor.Name,
		AuthorRole:    actor.Role,
		Content:       systemMessageContent(event, actor, reason),
		MessageType:   edge.Message,
		IsReadByUser:  actor.Role == quotation.RoleUser,
		IsReadByAdmin: actor.Role == quotation.RoleAdmin,
	}
	t := store.Transition{
		QuotationID: current.ID,
		Event:       event,
		From:        current.ThreadStatus,
		To:          next,
		ActorID:     actor.ID,
		Reason:      reason,
		Message:     msg,
	}
	if edge.OwnerOnly {
		t.OwnerID = actor.ID
	}

	applied, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		return TransitionResult{}, err
	}
	if !applied {
		// Lost a race with another writer. Report what the row holds now.
		observed, err := s.loadQuotation(ctx, quotationID)
		if err != nil {
			return TransitionResult{}, err
		}
		if !quotation.Authorize(event, actor.Role, actor.ID, observed.UserID) {
			return TransitionResult{}, unauthorizedError(fmt.Sprintf("%s %s may not %s this quotation", actor.Role, actor.ID, event))
		}
		return TransitionResult{}, invalidStateError(observed.ThreadStatus, event)
	}

	updated, err := s.store.GetQuotation(ctx, current.ID)
	if err != nil {
		s.log.Warn("reload quotation after transition", "quotation_id", current.ID, "error", err)
		updated = current
		updated.ThreadStatus = next
	}

	sent := s.notifier.Dispatch(ctx, notify.Request{
		Category:  notify.ForEvent(event),
		Quotation: updated,
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Reason:    reason,
	})
	warnings := append([]string{}, sent.Warnings...)
	if err := s.events.Publish(ctx, events.ThreadEvent{
		Event:        event.String(),
		QuotationID:  updated.ID,
		ThreadStatus: string(next),
		MessageID:    msg.ID,
		ActorID:      actor.ID,
		ActorRole:    string(actor.Role),
		OccurredAt:   s.now().UTC(),
	}); err != nil {
		s.log.Warn("publish thread event", "quotation_id", updated.ID, "event", event.String(), "error", err)
		warnings = append(warnings, "event publish failed")
	}
	s.search.IndexQuotation(quotationRecord(updated))
	s.search.IndexMessage(messageRecord(msg, updated.UserID))

	s.log.Info("thread transition applied",
		"event", event.String(),
		"quotation_id", updated.ID,
		"from", string(current.ThreadStatus),
		"to", string(next),
		"actor_id", actor.ID,
	)

	return TransitionResult{
		QuotationID:     updated.ID,
		ThreadStatus:    next,
		SystemMessageID: msg.ID,
		PushSuccess:     sent.PushSuccess,
		EmailSuccess:    sent.EmailSuccess,
		Warnings:        warnings,
		Quotation:       newQuotationView(updated),
	}, nil
}

func systemMessageContent(event quotation.Event, actor Caller, reason string) string {
	name := actor.Name
	if strings.TrimSpace(name) == "" {
		name = string(actor.Role)
	}
	var text string
	switch event {
	case quotation.EventRequestClosure:
		text = name + " requested to close this conversation."
	case quotation.EventGrantPermission:
		text = name + " allowed this conversation to be closed."
	case quotation.EventRejectClosure:
		text = name + " asked to keep this conversation open."
	case quotation.EventCloseThread:
		text = name + " closed this conversation."
	default:
		text = name + " updated this conversation."
	}
	if reason != "" {
		text += " Reason: " + reason
	}
	return text
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return strings.ToLower(domainErr.Code)
	}
	return "error"
}
