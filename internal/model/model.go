package model

import (
	"slices"
	"strings"
	"time"
)

// SessionState represents the lifecycle state of an answer copy session.
type SessionState string

const (
	// SessionEmpty means no answer copy is open.
	SessionEmpty SessionState = "empty"
	// SessionActive means pages are being accumulated.
	SessionActive SessionState = "active"
	// SessionCompleted means the PDF was emitted and the session is immutable.
	SessionCompleted SessionState = "completed"
)

// QualityFlag is an informational marker attached to a page by the validator.
type QualityFlag string

const (
	FlagBlurry        QualityFlag = "BLURRY"
	FlagLowResolution QualityFlag = "LOW_RESOLUTION"
	FlagCorrupted     QualityFlag = "CORRUPTED"
	FlagDuplicate     QualityFlag = "DUPLICATE"
)

// ProcessingState tracks what the auto-processor and the operator did to a page.
type ProcessingState string

const (
	ProcessingRaw           ProcessingState = "RAW"
	ProcessingAutoChecked   ProcessingState = "AUTO_CHECKED"
	ProcessingAutoProcessed ProcessingState = "AUTO_PROCESSED"
	ProcessingSplit         ProcessingState = "SPLIT"
	ProcessingEdited        ProcessingState = "EDITED"
)

// Origin records how a page entered the session.
type Origin string

const (
	OriginUpload  Origin = "upload"
	OriginScanner Origin = "scanner"
	OriginSplit   Origin = "split"
)

// Flags is a set of quality flags kept in a stable order.
type Flags []QualityFlag

// Has reports whether f contains flag.
func (f Flags) Has(flag QualityFlag) bool {
	return slices.Contains(f, flag)
}

// With returns f with flag added, keeping the set sorted and free of duplicates.
func (f Flags) With(flag QualityFlag) Flags {
	if f.Has(flag) {
		return f
	}
	out := append(slices.Clone(f), flag)
	slices.Sort(out)
	return out
}

// String joins the flags with commas (the storage form).
func (f Flags) String() string {
	parts := make([]string, len(f))
	for i, fl := range f {
		parts[i] = string(fl)
	}
	return strings.Join(parts, ",")
}

// ParseFlags is the inverse of Flags.String.
func ParseFlags(s string) Flags {
	var f Flags
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			f = f.With(QualityFlag(p))
		}
	}
	return f
}

// ExamMetadata holds the answer-copy details needed to name and label the PDF.
type ExamMetadata struct {
	Degree      string `json:"degree" yaml:"degree"`
	Subject     string `json:"subject" yaml:"subject"`
	ExamDate    string `json:"exam_date" yaml:"exam_date"` // YYYY-MM-DD
	Institution string `json:"institution" yaml:"institution"`
	UniqueID    string `json:"unique_id" yaml:"unique_id"`
}

// Missing returns the names of mandatory fields that are empty.
func (m ExamMetadata) Missing() []string {
	var missing []string
	fields := []struct{ name, value string }{
		{"degree", m.Degree},
		{"subject", m.Subject},
		{"exam_date", m.ExamDate},
		{"institution", m.Institution},
		{"unique_id", m.UniqueID},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Merge returns m with every non-empty field of other applied on top.
func (m ExamMetadata) Merge(other ExamMetadata) ExamMetadata {
	pick := func(cur, next string) string {
		if strings.TrimSpace(next) != "" {
			return strings.TrimSpace(next)
		}
		return cur
	}
	m.Degree = pick(m.Degree, other.Degree)
	m.Subject = pick(m.Subject, other.Subject)
	m.ExamDate = pick(m.ExamDate, other.ExamDate)
	m.Institution = pick(m.Institution, other.Institution)
	m.UniqueID = pick(m.UniqueID, other.UniqueID)
	return m
}

// Page is one accepted image of an answer copy.
type Page struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Sequence     int             `json:"sequence"`
	SourcePath   string          `json:"source_path"`
	OriginalName string          `json:"original_name"`
	OriginPath   string          `json:"origin_path,omitempty"` // watched file the page was ingested from
	Origin       Origin          `json:"origin"`
	Fingerprint  uint64          `json:"fingerprint"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	FocusScore   float64         `json:"focus_score"`
	Flags        Flags           `json:"flags"`
	Processing   ProcessingState `json:"processing_state"`
	Spread       *SpreadInfo     `json:"spread,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Session is an answer copy: an ordered bundle of pages destined for one PDF.
type Session struct {
	ID          string       `json:"id"`
	State       SessionState `json:"state"`
	Metadata    ExamMetadata `json:"metadata"`
	Pages       []Page       `json:"pages"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	PDFPath     string       `json:"pdf_path,omitempty"`
}

// PagePaths returns the page image paths in sequence order.
func (s *Session) PagePaths() []string {
	paths := make([]string, len(s.Pages))
	for i, p := range s.Pages {
		paths[i] = p.SourcePath
	}
	return paths
}

// ValidationResult is the validator's verdict on one candidate image.
type ValidationResult struct {
	Accepted    bool    `json:"accepted"`
	Flags       Flags   `json:"flags"`
	Reason      string  `json:"reason,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	FocusScore  float64 `json:"focus_score"`
	Fingerprint uint64  `json:"fingerprint,omitempty"`
	DuplicateOf string  `json:"duplicate_of,omitempty"`
	Distance    int     `json:"distance,omitempty"`
}

// Axis is the direction of the gutter between two pages of a spread.
type Axis string

const (
	// AxisVertical splits left/right.
	AxisVertical Axis = "vertical"
	// AxisHorizontal splits top/bottom.
	AxisHorizontal Axis = "horizontal"
)

// SpreadInfo describes a detected two-page spread.
type SpreadInfo struct {
	IsSpread    bool    `json:"is_spread"`
	Axis        Axis    `json:"axis,omitempty"`
	SplitOffset int     `json:"split_offset,omitempty"`
	GapWidth    int     `json:"gap_width,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Status is the read-only snapshot served to UI polling.
type Status struct {
	Active    bool         `json:"active"`
	SessionID string       `json:"session_id,omitempty"`
	State     SessionState `json:"state"`
	Pages     []Page       `json:"pages"`
	Metadata  ExamMetadata `json:"metadata"`
	Missing   []string     `json:"missing_metadata,omitempty"`
}

// PipelineConfig holds runtime pipeline parameters set via CLI flags.
type PipelineConfig struct {
	WorkDir        string
	OutputDir      string
	WatchDir       string
	AutoCheck      bool // auto-check every page as it is added
	AutoSplit      bool // split detected spreads during auto-check
	CleanupSources bool // delete ingested scanner files after a successful completion
	Lang           string
	MaxPixels      int64 // largest decoded canvas, width times height
}
