package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pavelanni/examscan/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'active',
		degree TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		exam_date TEXT NOT NULL DEFAULT '',
		institution TEXT NOT NULL DEFAULT '',
		unique_id TEXT NOT NULL DEFAULT '',
		pdf_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		source_path TEXT NOT NULL,
		original_name TEXT NOT NULL DEFAULT '',
		origin_path TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		focus_score REAL NOT NULL DEFAULT 0,
		flags TEXT NOT NULL DEFAULT '',
		processing TEXT NOT NULL DEFAULT 'RAW',
		spread TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_pages_session ON pages(session_id, sequence);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession stores a new session row. Pages are inserted separately.
func (s *Store) CreateSession(sess model.Session) error {
	m := sess.Metadata
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, state, degree, subject, exam_date, institution, unique_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.State, m.Degree, m.Subject, m.ExamDate, m.Institution, m.UniqueID, sess.CreatedAt,
	)
	return err
}

const sessionColumns = `id, state, degree, subject, exam_date, institution, unique_id, pdf_path, created_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	var completed sql.NullTime
	m := &sess.Metadata
	err := row.Scan(&sess.ID, &sess.State, &m.Degree, &m.Subject, &m.ExamDate, &m.Institution, &m.UniqueID,
		&sess.PDFPath, &sess.CreatedAt, &completed)
	if completed.Valid {
		t := completed.Time
		sess.CompletedAt = &t
	}
	return sess, err
}

// GetSession returns a session with its pages. A missing id yields sql.ErrNoRows.
func (s *Store) GetSession(id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if sess.Pages, err = s.Pages(sess.ID); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ActiveSession returns the single ACTIVE session, or nil if there is none.
func (s *Store) ActiveSession() (*model.Session, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM sessions WHERE state = ? ORDER BY created_at DESC LIMIT 1`, model.SessionActive,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetSession(id)
}

// ListSessions returns sessions in the given state, newest first, without pages.
// An empty state lists every session.
func (s *Store) ListSessions(state model.SessionState) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateMetadata replaces the exam metadata of a session.
func (s *Store) UpdateMetadata(id string, m model.ExamMetadata) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET degree = ?, subject = ?, exam_date = ?, institution = ?, unique_id = ? WHERE id = ?`,
		m.Degree, m.Subject, m.ExamDate, m.Institution, m.UniqueID, id,
	)
	return err
}

// CompleteSession marks a session COMPLETED with the emitted PDF path.
func (s *Store) CompleteSession(id, pdfPath string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET state = ?, pdf_path = ?, completed_at = ? WHERE id = ? AND state = ?`,
		model.SessionCompleted, pdfPath, at, id, model.SessionActive,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complete session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertPage(db execer, p model.Page) error {
	spread := ""
	if p.Spread != nil {
		b, err := json.Marshal(p.Spread)
		if err != nil {
			return fmt.Errorf("encode spread: %w", err)
		}
		spread = string(b)
	}
	_, err := db.Exec(
		`INSERT INTO pages (id, session_id, sequence, source_path, original_name, origin_path, origin,
		  fingerprint, width, height, focus_score, flags, processing, spread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Sequence, p.SourcePath, p.OriginalName, p.OriginPath, p.Origin,
		formatFingerprint(p.Fingerprint), p.Width, p.Height, p.FocusScore, p.Flags.String(), p.Processing, spread, p.CreatedAt,
	)
	return err
}

// InsertPage appends one page row.
func (s *Store) InsertPage(p model.Page) error {
	return insertPage(s.db, p)
}

// UpdatePage rewrites the mutable fields of a page.
func (s *Store) UpdatePage(p model.Page) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM pages WHERE id = ?`, p.ID); err != nil {
		return err
	}
	if err := insertPage(tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplacePages atomically rewrites the ordered page list of a session.
func (s *Store) ReplacePages(sessionID string, pages []model.Page) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, p := range pages {
		if p.SessionID != sessionID {
			return fmt.Errorf("page %s belongs to session %s, not %s", p.ID, p.SessionID, sessionID)
		}
		if err := insertPage(tx, p); err != nil {
			return fmt.Errorf("insert page %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Pages returns the pages of a session in sequence order.
func (s *Store) Pages(sessionID string) ([]model.Page, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, sequence, source_path, original_name, origin_path, origin, fingerprint,
		  width, height, focus_score, flags, processing, spread, created_at
		 FROM pages WHERE session_id = ? ORDER BY sequence`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pages []model.Page
	for rows.Next() {
		var p model.Page
		var fp, flags, spread string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Sequence, &p.SourcePath, &p.OriginalName, &p.OriginPath,
			&p.Origin, &fp, &p.Width, &p.Height, &p.FocusScore, &flags, &p.Processing, &spread, &p.CreatedAt); err != nil {
			return nil, err
		}
		if p.Fingerprint, err = parseFingerprint(fp); err != nil {
			return nil, fmt.Errorf("page %s: %w", p.ID, err)
		}
		p.Flags = model.ParseFlags(flags)
		if spread != "" {
			p.Spread = &model.SpreadInfo{}
			if err := json.Unmarshal([]byte(spread), p.Spread); err != nil {
				return nil, fmt.Errorf("page %s spread: %w", p.ID, err)
			}
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// PageCount returns the number of pages stored for a session.
func (s *Store) PageCount(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// Fingerprints are 64-bit; SQLite integers are signed, so they are kept as hex text.
func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

func parseFingerprint(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
