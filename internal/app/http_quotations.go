package app

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"quotedesk/api/internal/rbac"
)

// handleQuotations serves the admin dashboard routes under /api/quotations.
func (s *HTTPServer) handleQuotations(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	caller := session.Caller()

	if len(parts) == 2 && r.Method == http.MethodGet {
		limit, offset, ok := pageParams(w, r, 50)
		if !ok {
			return
		}
		items, err := s.service.ListQuotations(r.Context(), caller, ListQuotationsInput{
			UserID:       strings.TrimSpace(r.URL.Query().Get("userId")),
			Status:       strings.TrimSpace(r.URL.Query().Get("status")),
			ThreadStatus: strings.TrimSpace(r.URL.Query().Get("threadStatus")),
			Limit:        limit,
			Offset:       offset,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotations": items})
		return
	}

	if len(parts) == 3 && parts[2] == "summary" && r.Method == http.MethodGet {
		summary, err := s.service.Summary(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":            summary.Total,
			"byStatus":         summary.ByStatus,
			"byThreadStatus":   summary.ByThreadStatus,
			"awaitingCustomer": summary.AwaitingCustomer,
			"readyToClose":     summary.ReadyToClose,
		})
		return
	}

	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	quotationID := parts[2]

	if len(parts) == 3 && r.Method == http.MethodGet {
		detail, err := s.service.GetQuotation(r.Context(), quotationID, caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotation": detail})
		return
	}

	if len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodPut {
		if !s.service.Can(session.Role, rbac.ActionModerate) {
			writeError(w, http.StatusForbidden, CodeUnauthorized, "Forbidden", nil)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpdateQuotationStatus(r.Context(), quotationID, body.Status, caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotation": view})
		return
	}

	if len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodGet {
		var (
			items []MessageView
			err   error
		)
		if includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("includeDeleted")); includeDeleted {
			items, err = s.service.ListMessagesAudit(r.Context(), quotationID, caller)
		} else {
			items, err = s.service.ListMessages(r.Context(), quotationID, caller)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}

	if len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionMessage) {
			writeError(w, http.StatusForbidden, CodeUnauthorized, "Forbidden", nil)
			return
		}
		var body SendMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.SendMessage(r.Context(), quotationID, caller, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	if len(parts) == 5 && parts[3] == "messages" && parts[4] == "read" && r.Method == http.MethodPost {
		updated, err := s.service.MarkMessagesRead(r.Context(), quotationID, caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
		return
	}

	if len(parts) == 5 && parts[3] == "messages" && r.Method == http.MethodDelete {
		if !s.service.Can(session.Role, rbac.ActionModerate) {
			writeError(w, http.StatusForbidden, CodeUnauthorized, "Forbidden", nil)
			return
		}
		message, err := s.service.SoftDeleteMessage(r.Context(), quotationID, parts[4], caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": message})
		return
	}

	if len(parts) == 4 && parts[3] == "unread" && r.Method == http.MethodGet {
		count, err := s.service.UnreadCount(r.Context(), quotationID, caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unreadCount": count})
		return
	}

	if len(parts) == 5 && parts[3] == "closure" && parts[4] == "request" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionRequestClosure) {
			writeError(w, http.StatusForbidden, CodeUnauthorized, "Forbidden", nil)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.RequestClosure(r.Context(), quotationID, caller, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 4 && parts[3] == "close" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionCloseThread) {
			writeError(w, http.StatusForbidden, CodeUnauthorized, "Forbidden", nil)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CloseThread(r.Context(), quotationID, caller, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 4 && parts[3] == "attachments" {
		s.handleAttachments(w, r, caller, quotationID)
		return
	}

	if len(parts) == 4 && parts[3] == "export.pdf" && r.Method == http.MethodGet {
		result, err := s.service.Export(r.Context(), quotationID, caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// handleAttachments presigns uploads (POST) and downloads (GET ?key=) for
// either side of the thread.
func (s *HTTPServer) handleAttachments(w http.ResponseWriter, r *http.Request, caller Caller, quotationID string) {
	switch r.Method {
	case http.MethodPost:
		var body PresignUploadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		upload, err := s.service.PresignUpload(r.Context(), quotationID, caller, body.FileName)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":       upload.Key,
			"uploadUrl": upload.URL,
			"expiresAt": upload.ExpiresAt,
		})
	case http.MethodGet:
		link, err := s.service.PresignDownload(r.Context(), quotationID, caller, strings.TrimSpace(r.URL.Query().Get("key")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": link})
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}
