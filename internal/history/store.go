package history

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"talkgen/internal/core"
)

type Config struct {
	Path      string
	Retention time.Duration
}

// Store keeps an on-disk record of jobs that reached a terminal state and
// prunes old entries together with their artifact files. It sits entirely
// off the scheduling path: failures are logged, never surfaced to the queue.
type Store struct {
	db        *sql.DB
	retention time.Duration
	stopCh    chan struct{}
	mu        sync.Mutex
}

type Entry struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Prompt       string     `json:"prompt,omitempty"`
	ImagePath    string     `json:"image_path,omitempty"`
	AudioPath    string     `json:"audio_path,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultPath   string     `json:"result_path,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func New(cfg Config) (*Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:        db,
		retention: cfg.Retention,
		stopCh:    make(chan struct{}),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_history (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			prompt TEXT,
			image_path TEXT,
			audio_path TEXT,
			error_kind TEXT,
			error_message TEXT,
			result_path TEXT,
			submitted_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return nil
}

// RecordTerminal implements core.HistorySink.
func (s *Store) RecordTerminal(job *core.Job) {
	var errorKind, errorMessage string
	if job.Error != nil {
		errorKind = string(job.Error.Kind)
		errorMessage = job.Error.Message
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO job_history
			(id, status, prompt, image_path, audio_path, error_kind, error_message, result_path, submitted_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Status), job.Inputs.Prompt, job.Inputs.ImagePath, job.Inputs.AudioPath,
		errorKind, errorMessage, job.ResultPath, job.SubmittedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		log.Printf("history: failed to record job %s: %v", job.ID, err)
	}
}

// Recent returns the most recently finished entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, status, prompt, image_path, audio_path, error_kind, error_message, result_path, submitted_at, started_at, finished_at
		FROM job_history
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Status, &e.Prompt, &e.ImagePath, &e.AudioPath,
			&e.ErrorKind, &e.ErrorMessage, &e.ResultPath, &e.SubmittedAt, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Time
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Start launches the periodic retention loop.
func (s *Store) Start() {
	go s.runRetention()
}

func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runRetention() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Prune(time.Now().Add(-s.retention)); err != nil {
				log.Printf("history: retention prune failed: %v", err)
			}
		}
	}
}

// Prune removes entries finished before cutoff along with their upload and
// output files.
func (s *Store) Prune(cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, image_path, audio_path, result_path FROM job_history WHERE finished_at < ?
	`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query expired entries: %w", err)
	}

	type expired struct {
		id         string
		imagePath  string
		audioPath  string
		resultPath string
	}
	var old []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.imagePath, &e.audioPath, &e.resultPath); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan expired entry: %w", err)
		}
		old = append(old, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range old {
		s.removeArtifacts(e.id, e.imagePath, e.audioPath, e.resultPath)
		if _, err := s.db.Exec("DELETE FROM job_history WHERE id = ?", e.id); err != nil {
			return fmt.Errorf("failed to delete expired entry %s: %w", e.id, err)
		}
	}

	return nil
}

func (s *Store) removeArtifacts(id string, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("history: failed to remove artifact for %s: %v", id, err)
		}
	}
}
