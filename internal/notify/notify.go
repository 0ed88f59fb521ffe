// Package notify tells the other side of a quotation thread that something
// happened. Delivery is best effort: failures are logged and reported in the
// Result, never returned as errors.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quotedesk/api/internal/email"
	"quotedesk/api/internal/metrics"
	"quotedesk/api/internal/push"
	"quotedesk/api/internal/quotation"
	"quotedesk/api/internal/store"
)

type Category int

const (
	CategoryClosureRequested Category = iota + 1
	CategoryClosurePermissionGranted
	CategoryClosurePermissionRejected
	CategoryThreadClosed
	CategoryNewMessage
)

func (c Category) String() string {
	switch c {
	case CategoryClosureRequested:
		return "closure_requested"
	case CategoryClosurePermissionGranted:
		return "closure_permission_granted"
	case CategoryClosurePermissionRejected:
		return "closure_permission_rejected"
	case CategoryThreadClosed:
		return "thread_closed"
	case CategoryNewMessage:
		return "new_message"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ForEvent maps a protocol event to the notification it triggers.
func ForEvent(e quotation.Event) Category {
	switch e {
	case quotation.EventRequestClosure:
		return CategoryClosureRequested
	case quotation.EventGrantPermission:
		return CategoryClosurePermissionGranted
	case quotation.EventRejectClosure:
		return CategoryClosurePermissionRejected
	case quotation.EventCloseThread:
		return CategoryThreadClosed
	default:
		return 0
	}
}

type Request struct {
	Category  Category
	Quotation store.Quotation
	ActorName string
	// ActorRole decides the audience of CategoryNewMessage.
	ActorRole quotation.Role
	Reason    string
	Excerpt   string
}

type Result struct {
	PushSuccess  bool     `json:"pushSuccess"`
	EmailSuccess bool     `json:"emailSuccess"`
	PushSent     int      `json:"pushSent"`
	PushFailed   int      `json:"pushFailed"`
	Warnings     []string `json:"warnings"`
}

type Directory interface {
	ListDeviceTokens(ctx context.Context, userID string) ([]string, error)
	DeleteDeviceTokens(ctx context.Context, tokens []string) error
	GetCustomer(ctx context.Context, customerID string) (store.Customer, error)
	ListAdminEmails(ctx context.Context) ([]string, error)
}

type Mailer interface {
	IsConfigured() bool
	SendThreadEmail(to []string, subject string, data email.ThreadEmail) error
}

type Dispatcher struct {
	directory   Directory
	push        push.Gateway
	mail        Mailer
	adminEmails []string
	timeout     time.Duration
	log         *slog.Logger
}

// NewDispatcher builds a dispatcher. adminEmails overrides the admin table
// as the recipient list for customer-originated notifications.
func NewDispatcher(directory Directory, gateway push.Gateway, mail Mailer, adminEmails []string, log *slog.Logger) *Dispatcher {
	if gateway == nil {
		gateway = push.Disabled{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		directory:   directory,
		push:        gateway,
		mail:        mail,
		adminEmails: adminEmails,
		timeout:     10 * time.Second,
		log:         log,
	}
}

type content struct {
	title          string
	body           string
	subject        string
	toCustomer     bool
	actionRequired bool
}

func render(req Request) (content, error) {
	q := req.Quotation
	product := q.ProductName
	if product == "" {
		product = "your quotation"
	}
	switch req.Category {
	case CategoryClosureRequested:
		return content{
			title:          "Can we close this conversation?",
			body:           fmt.Sprintf("Our team asked to close the conversation about %s. Please allow or decline.", product),
			subject:        fmt.Sprintf("Closure requested for quotation %s", q.ID),
			toCustomer:     true,
			actionRequired: true,
		}, nil
	case CategoryClosurePermissionGranted:
		return content{
			title:   "Customer allowed closure",
			body:    fmt.Sprintf("%s allowed closing the conversation about %s. The thread is ready to close.", req.ActorName, product),
			subject: fmt.Sprintf("Closure allowed for quotation %s", q.ID),
		}, nil
	case CategoryClosurePermissionRejected:
		return content{
			title:   "Customer declined closure",
			body:    fmt.Sprintf("%s wants to keep the conversation about %s open.", req.ActorName, product),
			subject: fmt.Sprintf("Closure declined for quotation %s", q.ID),
		}, nil
	case CategoryThreadClosed:
		return content{
			title:      "Conversation closed",
			body:       fmt.Sprintf("The conversation about %s has been closed.", product),
			subject:    fmt.Sprintf("Quotation %s conversation closed", q.ID),
			toCustomer: true,
		}, nil
	case CategoryNewMessage:
		return content{
			title:      fmt.Sprintf("New message from %s", req.ActorName),
			body:       req.Excerpt,
			subject:    fmt.Sprintf("New message on quotation %s", q.ID),
			toCustomer: req.ActorRole == quotation.RoleAdmin,
		}, nil
	default:
		return content{}, fmt.Errorf("unknown notification category %s", req.Category)
	}
}

// Dispatch sends push and email concurrently and reports what happened.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	result := Result{Warnings: []string{}}
	c, err := render(req)
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		return result
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	var mu sync.Mutex
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		d.log.Warn("notification degraded", "quotation_id", req.Quotation.ID, "category", req.Category.String(), "detail", msg)
		mu.Lock()
		result.Warnings = append(result.Warnings, msg)
		mu.Unlock()
	}

	var g errgroup.Group
	if c.toCustomer {
		g.Go(func() error {
			sent, failed, ok := d.pushToCustomer(ctx, req, c, warn)
			mu.Lock()
			result.PushSent, result.PushFailed, result.PushSuccess = sent, failed, ok
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		ok := d.sendEmail(ctx, req, c, warn)
		mu.Lock()
		result.EmailSuccess = ok
		mu.Unlock()
		return nil
	})
	_ = g.Wait()
	return result
}

func (d *Dispatcher) pushToCustomer(ctx context.Context, req Request, c content, warn func(string, ...any)) (int, int, bool) {
	tokens, err := d.directory.ListDeviceTokens(ctx, req.Quotation.UserID)
	if err != nil {
		warn("push: load device tokens: %v", err)
		metrics.Notifications.WithLabelValues("push", "error").Inc()
		return 0, 0, false
	}
	if len(tokens) == 0 {
		metrics.Notifications.WithLabelValues("push", "skipped").Inc()
		return 0, 0, false
	}

	batch, err := d.push.SendMulticast(ctx, tokens, push.Payload{
		Title: c.title,
		Body:  c.body,
		Data: map[string]string{
			"type":        req.Category.String(),
			"quotationId": req.Quotation.ID,
		},
	})
	if errors.Is(err, push.ErrDisabled) {
		warn("push: not configured")
		metrics.Notifications.WithLabelValues("push", "skipped").Inc()
		return 0, 0, false
	}
	if err != nil {
		warn("push: %v", err)
		metrics.Notifications.WithLabelValues("push", "error").Inc()
		return batch.Sent, batch.Failed, false
	}
	if len(batch.InvalidTokens) > 0 {
		if err := d.directory.DeleteDeviceTokens(ctx, batch.InvalidTokens); err != nil {
			d.log.Warn("prune device tokens failed", "quotation_id", req.Quotation.ID, "error", err)
		}
	}
	if batch.Failed > 0 {
		warn("push: %d of %d deliveries failed", batch.Failed, len(tokens))
	}
	outcome := "ok"
	if batch.Sent == 0 {
		outcome = "error"
	}
	metrics.Notifications.WithLabelValues("push", outcome).Inc()
	return batch.Sent, batch.Failed, batch.Sent > 0
}

func (d *Dispatcher) sendEmail(ctx context.Context, req Request, c content, warn func(string, ...any)) bool {
	if d.mail == nil || !d.mail.IsConfigured() {
		metrics.Notifications.WithLabelValues("email", "skipped").Inc()
		return false
	}

	var to []string
	recipientName := ""
	if c.toCustomer {
		customer, err := d.directory.GetCustomer(ctx, req.Quotation.UserID)
		if err != nil {
			warn("email: load customer: %v", err)
			metrics.Notifications.WithLabelValues("email", "error").Inc()
			return false
		}
		if customer.Email == "" {
			metrics.Notifications.WithLabelValues("email", "skipped").Inc()
			return false
		}
		to = []string{customer.Email}
		recipientName = customer.DisplayName
	} else {
		to = d.adminEmails
		if len(to) == 0 {
			emails, err := d.directory.ListAdminEmails(ctx)
			if err != nil {
				warn("email: load admin recipients: %v", err)
				metrics.Notifications.WithLabelValues("email", "error").Inc()
				return false
			}
			to = emails
		}
		if len(to) == 0 {
			metrics.Notifications.WithLabelValues("email", "skipped").Inc()
			return false
		}
	}

	err := d.mail.SendThreadEmail(to, c.subject, email.ThreadEmail{
		RecipientName:  recipientName,
		QuotationID:    req.Quotation.ID,
		ProductName:    req.Quotation.ProductName,
		Headline:       c.title,
		Body:           c.body,
		ActorName:      req.ActorName,
		Reason:         req.Reason,
		ActionRequired: c.actionRequired,
	})
	if err != nil {
		warn("email: %v", err)
		metrics.Notifications.WithLabelValues("email", "error").Inc()
		return false
	}
	metrics.Notifications.WithLabelValues("email", "ok").Inc()
	return true
}
