package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/examscan/internal/model"
)

// ExportCompleted builds export-ready records for every completed answer copy.
func (s *Store) ExportCompleted() (model.SessionExport, error) {
	sessions, err := s.ListSessions(model.SessionCompleted)
	if err != nil {
		return model.SessionExport{}, fmt.Errorf("list sessions: %w", err)
	}

	out := model.SessionExport{GeneratedAt: time.Now().UTC(), Sessions: []model.SessionRecord{}}
	for _, sess := range sessions {
		pages, err := s.Pages(sess.ID)
		if err != nil {
			return model.SessionExport{}, fmt.Errorf("get pages of %s: %w", sess.ID, err)
		}

		records := make([]model.PageRecord, 0, len(pages))
		for _, p := range pages {
			records = append(records, model.NewPageRecord(p))
		}

		out.Sessions = append(out.Sessions, model.SessionRecord{
			ID:          sess.ID,
			Metadata:    sess.Metadata,
			PDFPath:     sess.PDFPath,
			PageCount:   len(pages),
			CreatedAt:   sess.CreatedAt,
			CompletedAt: sess.CompletedAt,
			Pages:       records,
		})
	}
	out.Count = len(out.Sessions)
	return out, nil
}
