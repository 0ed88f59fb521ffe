package app

import (
	"time"

	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/search"
	"quotedesk/api/internal/store"
)

type QuotationView struct {
	ID                      string                 `json:"id"`
	UserID                  string                 `json:"userId"`
	UserName                string                 `json:"userName"`
	ProductID               string                 `json:"productId,omitempty"`
	ProductName             string                 `json:"productName"`
	Quantity                float64                `json:"quantity"`
	Unit                    string                 `json:"unit"`
	Notes                   string                 `json:"notes"`
	Status                  quotation.Status       `json:"status"`
	ThreadStatus            quotation.ThreadStatus `json:"threadStatus"`
	ClosureRequestedBy      string                 `json:"closureRequestedBy,omitempty"`
	ClosureRequestedAt      *time.Time             `json:"closureRequestedAt,omitempty"`
	UserPermissionToClose   bool                   `json:"userPermissionToClose"`
	UserPermissionGrantedAt *time.Time             `json:"userPermissionGrantedAt,omitempty"`
	ClosureRejectedAt       *time.Time             `json:"closureRejectedAt,omitempty"`
	ClosureRejectionReason  string                 `json:"closureRejectionReason,omitempty"`
	ClosedBy                string                 `json:"closedBy,omitempty"`
	ClosedAt                *time.Time             `json:"closedAt,omitempty"`
	ClosureReason           string                 `json:"closureReason,omitempty"`
	CanPost                 bool                   `json:"canPost"`
	CreatedAt               time.Time              `json:"createdAt"`
	UpdatedAt               time.Time              `json:"updatedAt"`
}

func newQuotationView(q store.Quotation) QuotationView {
	return QuotationView{
		ID:                      q.ID,
		UserID:                  q.UserID,
		UserName:                q.UserName,
		ProductID:               q.ProductID,
		ProductName:             q.ProductName,
		Quantity:                q.Quantity,
		Unit:                    q.Unit,
		Notes:                   q.Notes,
		Status:                  q.Status,
		ThreadStatus:            q.ThreadStatus,
		ClosureRequestedBy:      q.ClosureRequestedBy,
		ClosureRequestedAt:      q.ClosureRequestedAt,
		UserPermissionToClose:   q.UserPermissionToClose,
		UserPermissionGrantedAt: q.UserPermissionGrantedAt,
		ClosureRejectedAt:       q.ClosureRejectedAt,
		ClosureRejectionReason:  q.ClosureRejectionReason,
		ClosedBy:                q.ClosedBy,
		ClosedAt:                q.ClosedAt,
		ClosureReason:           q.ClosureReason,
		CanPost:                 quotation.CanPost(q.ThreadStatus),
		CreatedAt:               q.CreatedAt,
		UpdatedAt:               q.UpdatedAt,
	}
}

type MessageView struct {
	ID            string                `json:"id"`
	QuotationID   string                `json:"quotationId"`
	AuthorID      string                `json:"authorId"`
	AuthorName    string                `json:"authorName"`
	AuthorRole    quotation.Role        `json:"authorRole"`
	Content       string                `json:"content"`
	MessageType   quotation.MessageType `json:"messageType"`
	Attachments   []store.Attachment    `json:"attachments"`
	IsReadByUser  bool                  `json:"isReadByUser"`
	IsReadByAdmin bool                  `json:"isReadByAdmin"`
	ReadByUserAt  *time.Time            `json:"readByUserAt,omitempty"`
	ReadByAdminAt *time.Time            `json:"readByAdminAt,omitempty"`
	IsDeleted     bool                  `json:"isDeleted"`
	DeletedAt     *time.Time            `json:"deletedAt,omitempty"`
	DeletedBy     string                `json:"deletedBy,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
}

func newMessageView(m store.Message) MessageView {
	files := m.Attachments
	if files == nil {
		files = []store.Attachment{}
	}
	return MessageView{
		ID:            m.ID,
		QuotationID:   m.QuotationID,
		AuthorID:      m.AuthorID,
		AuthorName:    m.AuthorName,
		AuthorRole:    m.AuthorRole,
		Content:       m.Content,
		MessageType:   m.MessageType,
		Attachments:   files,
		IsReadByUser:  m.IsReadByUser,
		IsReadByAdmin: m.IsReadByAdmin,
		ReadByUserAt:  m.ReadByUserAt,
		ReadByAdminAt: m.ReadByAdminAt,
		IsDeleted:     m.IsDeleted,
		DeletedAt:     m.DeletedAt,
		DeletedBy:     m.DeletedBy,
		CreatedAt:     m.CreatedAt,
	}
}

func quotationRecord(q store.Quotation) search.QuotationRecord {
	return search.QuotationRecord{
		ID:           q.ID,
		UserID:       q.UserID,
		UserName:     q.UserName,
		ProductName:  q.ProductName,
		Notes:        q.Notes,
		Status:       string(q.Status),
		ThreadStatus: string(q.ThreadStatus),
	}
}

func messageRecord(m store.Message, ownerID string) search.MessageRecord {
	return search.MessageRecord{
		ID:          m.ID,
		QuotationID: m.QuotationID,
		UserID:      ownerID,
		AuthorName:  m.AuthorName,
		AuthorRole:  string(m.AuthorRole),
		Content:     m.Content,
		MessageType: string(m.MessageType),
	}
}
