// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody, textBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return errors.New("email has no recipients")
	}
	if textBody == "" {
		textBody = "Please view this email in an HTML-capable email client."
	}

	boundary := "boundary-quotedesk"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// ThreadEmail is the content of a quotation thread notification.
type ThreadEmail struct {
	AppName       string
	RecipientName string
	QuotationID   string
	ProductName   string
	Headline      string
	Body          string
	ActorName     string
	Reason        string
	// ActionRequired renders the grant/reject call to action for customers.
	ActionRequired bool
}

// SendThreadEmail renders the thread notification template and sends it.
func (s *Service) SendThreadEmail(to []string, subject string, data ThreadEmail) error {
	if data.AppName == "" {
		data.AppName = "Quotation Desk"
	}
	html, err := renderTemplate(threadEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render thread template: %w", err)
	}
	text := data.Headline + "\r\n\r\n" + data.Body
	if data.Reason != "" {
		text += "\r\n\r\nReason: " + data.Reason
	}
	return s.SendHTMLEmail(to, subject, html, text)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const threadEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Headline}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0b7a5a; padding-bottom: 10px; margin-bottom: 20px; }
        .meta { background: #f5f7f6; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .action { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Headline}}</h2>

    {{if .RecipientName}}<p>Hi {{.RecipientName}},</p>{{end}}

    <p>{{.Body}}</p>

    <div class="meta">
        <strong>Quotation:</strong> {{.QuotationID}}{{if .ProductName}} ({{.ProductName}}){{end}}<br>
        {{if .ActorName}}<strong>By:</strong> {{.ActorName}}<br>{{end}}
        {{if .Reason}}<strong>Reason:</strong> {{.Reason}}{{end}}
    </div>

    {{if .ActionRequired}}
    <div class="action">
        Open the quotation in the app to allow or decline closing this conversation.
    </div>
    {{end}}

    <div class="footer">
        <p>You are receiving this email because you take part in this quotation conversation.</p>
    </div>
</body>
</html>`
