package app

import (
	"net/http"
	"strconv"
	"strings"

	"quotedesk/api/internal/drafts"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/ratelimit"
)

// mobileCaller is the identity block the customer app sends with every
// write. Reads carry the same fields in the query string.
type mobileCaller struct {
	UserID   string `json:"userId" validate:"required"`
	UserName string `json:"userName" validate:"max=200"`
}

func (c mobileCaller) caller() Caller {
	return Caller{ID: strings.TrimSpace(c.UserID), Name: strings.TrimSpace(c.UserName), Role: quotation.RoleUser}
}

func queryCaller(r *http.Request) (Caller, error) {
	c := mobileCaller{
		UserID:   r.URL.Query().Get("userId"),
		UserName: r.URL.Query().Get("userName"),
	}
	if strings.TrimSpace(c.UserID) == "" {
		return Caller{}, missingFieldsError("userId")
	}
	return c.caller(), nil
}

// handleMobile serves /api/mobile/*. Every request spends one unit of the
// API key's per-minute budget before routing.
func (s *HTTPServer) handleMobile(w http.ResponseWriter, r *http.Request) {
	_, decision, err := s.service.AuthenticateAPIKey(r.Context(), r.Header.Get("x-api-key"))
	setRateLimitHeaders(w.Header(), decision)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch {
	case parts[2] == "quotations":
		s.handleMobileQuotations(w, r, parts)
	case parts[2] == "drafts" && len(parts) == 3:
		s.handleMobileDrafts(w, r)
	case parts[2] == "devices" && len(parts) == 3 && r.Method == http.MethodPost:
		var body RegisterDeviceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.service.RegisterDevice(r.Context(), body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func setRateLimitHeaders(header http.Header, decision ratelimit.Decision) {
	if decision.Limit <= 0 {
		return
	}
	header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed && decision.RetryAfter > 0 {
		seconds := int(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		header.Set("Retry-After", strconv.Itoa(seconds))
	}
}

func (s *HTTPServer) handleMobileQuotations(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodPost {
		var body CreateQuotationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		view, err := s.service.CreateQuotation(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"quotation": view})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		caller, err := queryCaller(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		limit, offset, ok := pageParams(w, r, 50)
		if !ok {
			return
		}
		items, err := s.service.ListQuotations(r.Context(), caller, ListQuotationsInput{
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

	if len(parts) < 4 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	quotationID := parts[3]

	// Reads and deletes identify the customer from the query string.
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		caller, err := queryCaller(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		switch {
		case len(parts) == 4 && r.Method == http.MethodGet:
			detail, err := s.service.GetQuotation(r.Context(), quotationID, caller)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"quotation": detail})
		case len(parts) == 5 && parts[4] == "messages" && r.Method == http.MethodGet:
			items, err := s.service.ListMessages(r.Context(), quotationID, caller)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		case len(parts) == 5 && parts[4] == "unread" && r.Method == http.MethodGet:
			count, err := s.service.UnreadCount(r.Context(), quotationID, caller)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"unreadCount": count})
		case len(parts) == 5 && parts[4] == "attachments" && r.Method == http.MethodGet:
			link, err := s.service.PresignDownload(r.Context(), quotationID, caller, strings.TrimSpace(r.URL.Query().Get("key")))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"url": link})
		case len(parts) == 6 && parts[4] == "messages" && r.Method == http.MethodDelete:
			message, err := s.service.SoftDeleteMessage(r.Context(), quotationID, parts[5], caller)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": message})
		default:
			writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		}
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	if len(parts) == 5 && parts[4] == "messages" {
		var body struct {
			mobileCaller
			SendMessageInput
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.SendMessage(r.Context(), quotationID, body.caller(), body.SendMessageInput)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	if len(parts) == 6 && parts[4] == "messages" && parts[5] == "read" {
		var body mobileCaller
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		updated, err := s.service.MarkMessagesRead(r.Context(), quotationID, body.caller())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
		return
	}

	if len(parts) == 6 && parts[4] == "closure" && (parts[5] == "grant" || parts[5] == "reject") {
		var body struct {
			mobileCaller
			Reason string `json:"reason" validate:"max=2000"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		var (
			result TransitionResult
			err    error
		)
		if parts[5] == "grant" {
			result, err = s.service.GrantClosurePermission(r.Context(), quotationID, body.caller())
		} else {
			result, err = s.service.RejectClosureRequest(r.Context(), quotationID, body.caller(), body.Reason)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 5 && parts[4] == "attachments" {
		var body PresignUploadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UserID) == "" {
			s.fail(w, r, missingFieldsError("userId"))
			return
		}
		if err := validateInput(body); err != nil {
			s.fail(w, r, err)
			return
		}
		caller := Caller{ID: strings.TrimSpace(body.UserID), Role: quotation.RoleUser}
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
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleMobileDrafts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		var body drafts.Draft
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.SaveDraft(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"draft": saved})
	case http.MethodGet:
		draft, err := s.service.GetDraft(r.Context(), strings.TrimSpace(r.URL.Query().Get("userId")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"draft": draft})
	case http.MethodDelete:
		if err := s.service.DeleteDraft(r.Context(), strings.TrimSpace(r.URL.Query().Get("userId"))); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}
