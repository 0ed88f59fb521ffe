// Package export renders quotation thread transcripts to PDF.
package export

import (
	"errors"
	"time"
)

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Line is one transcript entry. System lines record closure protocol steps.
type Line struct {
	Author    string
	Role      string
	Type      string
	Content   string
	Files     []string
	CreatedAt time.Time
}

// System reports whether the line was written by the closure protocol rather
// than typed by a participant.
func (l Line) System() bool {
	return l.Type != "" && l.Type != "message"
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
