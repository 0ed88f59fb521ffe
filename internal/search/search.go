package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultQuotation ResultType = "quotation"
	ResultMessage   ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	QuotationID  string     `json:"quotationId"`
	UserID       string     `json:"userId"`
	ThreadStatus string     `json:"threadStatus,omitempty"`
}

// Query describes a search request. UserID scopes results to one customer's
// quotations and is always set for customer callers.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	UserID       string
	ThreadStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// QuotationRecord is the data we index for a quotation.
type QuotationRecord struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	ProductName  string `json:"productName"`
	Notes        string `json:"notes"`
	Status       string `json:"status"`
	ThreadStatus string `json:"threadStatus"`
}

// MessageRecord is the data we index for a thread message. Soft-deleted
// messages are removed from the index.
type MessageRecord struct {
	ID          string `json:"id"`
	QuotationID string `json:"quotationId"`
	UserID      string `json:"userId"`
	AuthorName  string `json:"authorName"`
	AuthorRole  string `json:"authorRole"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}
