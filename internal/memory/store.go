// Package memory is the durable long-term history of past builds: project
// records, extracted lessons, and detected patterns. It is advisory context
// for the planner, never a hard dependency of the pipeline.
package memory

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding projects, lessons, and patterns.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the memory database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "forged.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Projects ---

// RecordProject appends a project record and returns its ID. The write is
// durable before the call returns.
func (s *Store) RecordProject(summary, appType string, outcome Outcome) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO projects (id, request_summary, app_type, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, summary, appType, string(outcome), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetProject returns a single project record.
func (s *Store) GetProject(id string) (ProjectRecord, error) {
	var p ProjectRecord
	var createdAt, outcome string
	err := s.db.QueryRow(`
		SELECT id, request_summary, app_type, outcome, created_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.RequestSummary, &p.AppType, &outcome, &createdAt)
	if err == sql.ErrNoRows {
		return ProjectRecord{}, ErrNotFound
	}
	if err != nil {
		return ProjectRecord{}, err
	}
	p.Outcome = Outcome(outcome)
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ProjectRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

// RecentProjects returns the newest records first.
func (s *Store) RecentProjects(limit int) ([]ProjectRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, request_summary, app_type, outcome, created_at
		FROM projects ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProjectRecord
	for rows.Next() {
		var p ProjectRecord
		var createdAt, outcome string
		if err := rows.Scan(&p.ID, &p.RequestSummary, &p.AppType, &outcome, &createdAt); err != nil {
			return nil, err
		}
		p.Outcome = Outcome(outcome)
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Lessons ---

// AddLesson appends a free-text insight for a project.
func (s *Store) AddLesson(projectID, insight string) error {
	_, err := s.db.Exec(`
		INSERT INTO lessons_learned (id, project_id, insight_text, created_at)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), projectID, insight, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LessonsFor returns all lessons for a project, oldest first.
func (s *Store) LessonsFor(projectID string) ([]Lesson, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, insight_text, created_at
		FROM lessons_learned WHERE project_id = ? ORDER BY created_at ASC`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Lesson
	for rows.Next() {
		var l Lesson
		var createdAt string
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.InsightText, &createdAt); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// --- Patterns ---

// UpsertPattern records an occurrence of a structural signature,
// incrementing its count if already known.
func (s *Store) UpsertPattern(signature string) error {
	_, err := s.db.Exec(`
		INSERT INTO patterns (id, signature, occurrence_count, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(signature) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			last_seen = excluded.last_seen`,
		uuid.New().String(), signature, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DetectedPatterns returns all known patterns, most frequent first.
func (s *Store) DetectedPatterns() ([]Pattern, error) {
	rows, err := s.db.Query(`
		SELECT id, signature, occurrence_count, last_seen
		FROM patterns ORDER BY occurrence_count DESC, signature ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Pattern
	for rows.Next() {
		var p Pattern
		var lastSeen string
		if err := rows.Scan(&p.ID, &p.Signature, &p.OccurrenceCount, &lastSeen); err != nil {
			return nil, err
		}
		if p.LastSeen, err = time.Parse(time.RFC3339, lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
