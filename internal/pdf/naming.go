package pdf

import (
	"strings"
	"time"
	"unicode"

	"github.com/pavelanni/examscan/internal/model"
)

// FileName returns the PDF base name for an answer copy:
// Degree_Subject_YYYYMMDD_Institution_UniqueID.pdf. When any part is empty
// after sanitising, the session id is used instead.
func FileName(sessionID string, m model.ExamMetadata) string {
	parts := []string{
		sanitize(m.Degree),
		sanitize(m.Subject),
		compactDate(m.ExamDate),
		sanitize(m.Institution),
		sanitize(m.UniqueID),
	}
	for _, p := range parts {
		if p == "" {
			return fallbackName(sessionID)
		}
	}
	return strings.Join(parts, "_") + ".pdf"
}

func fallbackName(sessionID string) string {
	if s := sanitize(sessionID); s != "" {
		return s + ".pdf"
	}
	return "answer-copy.pdf"
}

// compactDate turns 2026-05-04 into 20260504. Dates in other layouts are
// sanitised as they are.
func compactDate(s string) string {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Format("20060102")
	}
	return strings.ReplaceAll(sanitize(s), "-", "")
}

// sanitize keeps letters, digits, '-' and '.'; any other run becomes a single
// '-'. Leading and trailing separators are dropped.
func sanitize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-.")
}
