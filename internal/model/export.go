package model

import "time"

// SessionExport is the top-level JSON structure for completed-session export.
type SessionExport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Count       int             `json:"count"`
	Sessions    []SessionRecord `json:"sessions"`
}

// SessionRecord holds one completed answer copy for export.
type SessionRecord struct {
	ID          string       `json:"id"`
	Metadata    ExamMetadata `json:"metadata"`
	PDFPath     string       `json:"pdf_path"`
	PageCount   int          `json:"page_count"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Pages       []PageRecord `json:"pages"`
}

// PageRecord is a single page in an exported answer copy.
type PageRecord struct {
	Sequence     int             `json:"sequence" yaml:"sequence"`
	OriginalName string          `json:"original_name" yaml:"original_name"`
	Origin       Origin          `json:"origin" yaml:"origin"`
	Flags        []string        `json:"flags,omitempty" yaml:"flags,omitempty"`
	Processing   ProcessingState `json:"processing_state" yaml:"processing_state"`
	Width        int             `json:"width" yaml:"width"`
	Height       int             `json:"height" yaml:"height"`
}

// NewPageRecord converts a page into its export form.
func NewPageRecord(p Page) PageRecord {
	var flags []string
	for _, f := range p.Flags {
		flags = append(flags, string(f))
	}
	return PageRecord{
		Sequence:     p.Sequence,
		OriginalName: p.OriginalName,
		Origin:       p.Origin,
		Flags:        flags,
		Processing:   p.Processing,
		Width:        p.Width,
		Height:       p.Height,
	}
}
