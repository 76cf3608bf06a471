// Package auditlog is an optional Postgres sink for access-log lines
// (§6.4), the durable counterpart to the text-file access log the
// formatter in pkg/alog produces. Wiring it is optional: a deployment
// with no postgres_dsn configured runs with file-only access logging.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/protei/bearerbox/internal/logger"
)

// Config configures the connection pool.
type Config struct {
	DSN      string
	MaxConns int
	MaxIdle  int
}

// Sink batches formatted access-log lines and flushes them to Postgres
// on a timer, so a slow database never blocks message dispatch.
type Sink struct {
	db  *sql.DB
	log *logger.Logger

	lines chan string
	done  chan struct{}
}

// Open connects to Postgres, ensures the access_log table exists, and
// starts the background batch-writer.
func Open(cfg Config) (*Sink, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS access_log (
			id BIGSERIAL PRIMARY KEY,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			line TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("auditlog: create table: %w", err)
	}

	s := &Sink{
		db:    db,
		log:   logger.Get().WithComponent("auditlog"),
		lines: make(chan string, 4096),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Write enqueues a formatted access-log line. Non-blocking: a full
// buffer drops the line and logs a warning, rather than stalling the
// dispatch path that produced it.
func (s *Sink) Write(line string) {
	select {
	case s.lines <- line:
	default:
		s.log.Warn("audit log buffer full, dropping line")
	}
}

func (s *Sink) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			s.log.Error("auditlog: batch insert failed", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case line := <-s.lines:
			batch = append(batch, line)
			if len(batch) >= 200 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			flush()
			return
		}
	}
}

func (s *Sink) insertBatch(lines []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO access_log (line) VALUES ($1)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, line := range lines {
		if _, err := stmt.Exec(line); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close drains the pending batch and closes the connection pool.
func (s *Sink) Close() error {
	close(s.done)
	return s.db.Close()
}
