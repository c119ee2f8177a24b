package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/poller"
)

const createSamplesSQL = `
CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    slave TEXT NOT NULL,
    point TEXT NOT NULL,
    value REAL NOT NULL,
    stale INTEGER NOT NULL
);`

const createSamplesIndexSQL = `CREATE INDEX IF NOT EXISTS samples_point ON samples(slave, point, timestamp)`

const insertSampleSQL = `INSERT INTO samples(timestamp, slave, point, value, stale) VALUES(?, ?, ?, ?, ?)`

// TimestampLayout is how sample times are stored.
const TimestampLayout = "2006-01-02 15:04:05.000"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("sink closed")

// SQLiteSink appends samples to a SQLite database from a single writer
// goroutine. Batches queue in a bounded channel; Close writes what is queued
// before closing the database.
type SQLiteSink struct {
	db     *sql.DB
	logger *logging.Logger
	queue  chan []poller.Sample

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *logging.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{createSamplesSQL, createSamplesIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create samples table in %s: %w", path, err)
		}
	}
	s := &SQLiteSink{db: db, logger: logger, queue: make(chan []poller.Sample, 256)}
	s.wg.Add(1)
	go s.writer()
	logger.Verbose("Opened sample database %s", path)
	return s, nil
}

// Publish queues a batch for the writer.
func (s *SQLiteSink) Publish(ctx context.Context, samples []poller.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- samples:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

// DB exposes the database for queries.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) writer() {
	defer s.wg.Done()
	for batch := range s.queue {
		if err := s.write(batch); err != nil && s.logger.Sampled("sqlite-write") {
			s.logger.Error("Writing %d samples failed: %v", len(batch), err)
		}
	}
}

func (s *SQLiteSink) write(batch []poller.Sample) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, smp := range batch {
		stale := 0
		if smp.Stale {
			stale = 1
		}
		if _, err := stmt.Exec(smp.Time.UTC().Format(TimestampLayout), smp.Slave, smp.Point, smp.Value, stale); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s/%s: %w", smp.Slave, smp.Point, err)
		}
	}
	return tx.Commit()
}

// Latest returns the most recent stored sample of a point.
func (s *SQLiteSink) Latest(ctx context.Context, slave, point string) (poller.Sample, error) {
	var (
		ts    string
		out   = poller.Sample{Slave: slave, Point: point}
		stale int
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT timestamp, value, stale FROM samples WHERE slave = ? AND point = ? ORDER BY id DESC LIMIT 1`, slave, point)
	if err := row.Scan(&ts, &out.Value, &stale); err != nil {
		return out, err
	}
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return out, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	out.Time = t
	out.Stale = stale != 0
	return out, nil
}
