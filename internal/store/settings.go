package store

import (
	"database/sql"

	"github.com/pavelanni/examscan/internal/model"
)

// SetSetting upserts a key-value pair in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetSetting returns the value for a settings key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetLastExamDetails remembers the exam details shared by consecutive answer
// copies. The unique id belongs to one copy and is not kept.
func (s *Store) SetLastExamDetails(m model.ExamMetadata) error {
	pairs := []struct{ k, v string }{
		{"exam.degree", m.Degree},
		{"exam.subject", m.Subject},
		{"exam.date", m.ExamDate},
		{"exam.institution", m.Institution},
	}
	for _, p := range pairs {
		if err := s.SetSetting(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// LastExamDetails reads back what SetLastExamDetails stored.
func (s *Store) LastExamDetails() (model.ExamMetadata, error) {
	var m model.ExamMetadata
	var err error

	if m.Degree, err = s.GetSetting("exam.degree"); err != nil {
		return m, err
	}
	if m.Subject, err = s.GetSetting("exam.subject"); err != nil {
		return m, err
	}
	if m.ExamDate, err = s.GetSetting("exam.date"); err != nil {
		return m, err
	}
	if m.Institution, err = s.GetSetting("exam.institution"); err != nil {
		return m, err
	}
	return m, nil
}
