package export

import (
	"bytes"
	"embed"
	"html/template"
	"strconv"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(
	template.New("transcript.html").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.UTC().Format("Jan 2, 2006 15:04 MST")
		},
		"formatQty": func(q float64) string {
			return strconv.FormatFloat(q, 'f', -1, 64)
		},
		"humanize": func(s string) string {
			return strings.ReplaceAll(s, "_", " ")
		},
	}).ParseFS(templateFS, "templates/transcript.html"),
)

// TemplateData holds data for transcript rendering
type TemplateData struct {
	QuotationID   string
	ProductName   string
	Customer      string
	Quantity      float64
	Unit          string
	Status        string
	ThreadStatus  string
	ClosureReason string
	ClosedAt      time.Time
	GeneratedAt   time.Time
	Lines         []Line
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
