package store

import (
	"time"

	"quotedesk/api/internal/quotation"
)

type Admin struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Customer struct {
	ID          string
	DisplayName string
	Email       string
	Company     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type APIKey struct {
	ID                 string
	Name               string
	KeyPrefix          string
	KeyHash            string
	RateLimitPerMinute int
	CreatedBy          string
	CreatedAt          time.Time
	ExpiresAt          *time.Time
	RevokedAt          *time.Time
	LastUsedAt         *time.Time
}

// Active reports whether the key may authenticate a request at now.
func (k APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Quotation carries both lifecycles. Status is the commercial one and
// ThreadStatus gates the message thread; the closure fields record who moved
// the thread and when.
type Quotation struct {
	ID                      string
	UserID                  string
	UserName                string
	ProductID               string
	ProductName             string
	Quantity                float64
	Unit                    string
	Notes                   string
	Status                  quotation.Status
	ThreadStatus            quotation.ThreadStatus
	ClosureRequestedBy      string
	ClosureRequestedAt      *time.Time
	UserPermissionToClose   bool
	UserPermissionGrantedAt *time.Time
	ClosureRejectedAt       *time.Time
	ClosureRejectionReason  string
	ClosedBy                string
	ClosedAt                *time.Time
	ClosureReason           string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type QuotationFilter struct {
	UserID       string
	Status       quotation.Status
	ThreadStatus quotation.ThreadStatus
	Limit        int
	Offset       int
}

// QuotationSummary feeds the admin dashboard counters.
type QuotationSummary struct {
	Total          int
	ByStatus       map[quotation.Status]int
	ByThreadStatus map[quotation.ThreadStatus]int
	// AwaitingCustomer counts threads where the customer owes a closure answer.
	AwaitingCustomer int
	// ReadyToClose counts threads the customer already released.
	ReadyToClose int
}

type Attachment struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	ID            string
	QuotationID   string
	AuthorID      string
	AuthorName    string
	AuthorRole    quotation.Role
	Content       string
	MessageType   quotation.MessageType
	Attachments   []Attachment
	IsReadByUser  bool
	IsReadByAdmin bool
	ReadByUserAt  *time.Time
	ReadByAdminAt *time.Time
	IsDeleted     bool
	DeletedAt     *time.Time
	DeletedBy     string
	CreatedAt     time.Time
}

// Transition is one conditional thread_status change plus the system message
// that records it. The update only applies while the row still holds From
// (and, when OwnerID is set, still belongs to OwnerID).
type Transition struct {
	QuotationID string
	Event       quotation.Event
	From        quotation.ThreadStatus
	To          quotation.ThreadStatus
	OwnerID     string
	ActorID     string
	Reason      string
	Message     Message
}

type DeviceToken struct {
	Token     string
	UserID    string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
