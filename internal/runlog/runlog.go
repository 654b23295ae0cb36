// Package runlog records the loss history of a training run.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Point is one logged loss value.
type Point struct {
	Epoch      int
	Step       int // optimizer step within the epoch
	GlobalStep int
	Loss       float64
	LR         float64
	Time       time.Time
}

type Epoch struct {
	Epoch          int
	Started        time.Time
	Finished       time.Time
	OptimizerSteps int
	Overflows      int
}

type Recorder interface {
	RecordLoss(ctx context.Context, p Point) error
	RecordEpoch(ctx context.Context, e Epoch) error
	Close() error
}

// Nop drops everything.
type Nop struct{}

func (Nop) RecordLoss(context.Context, Point) error  { return nil }
func (Nop) RecordEpoch(context.Context, Epoch) error { return nil }
func (Nop) Close() error                             { return nil }

// SQLite stores points in a sqlite database file.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS losses(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			step INTEGER NOT NULL,
			global_step INTEGER NOT NULL,
			loss REAL NOT NULL,
			lr REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create losses table: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS epochs(
			epoch INTEGER PRIMARY KEY,
			started_ms INTEGER NOT NULL,
			finished_ms INTEGER NOT NULL,
			optimizer_steps INTEGER NOT NULL,
			overflows INTEGER NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create epochs table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) RecordLoss(ctx context.Context, p Point) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO losses(ts_ms, epoch, step, global_step, loss, lr) VALUES(?,?,?,?,?,?)",
		p.Time.UnixMilli(), p.Epoch, p.Step, p.GlobalStep, p.Loss, p.LR)
	if err != nil {
		return fmt.Errorf("record loss: %w", err)
	}
	return nil
}

// RecordEpoch replaces any earlier row for the same epoch, which happens
// when a run is resumed.
func (s *SQLite) RecordEpoch(ctx context.Context, e Epoch) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO epochs(epoch, started_ms, finished_ms, optimizer_steps, overflows) VALUES(?,?,?,?,?)",
		e.Epoch, e.Started.UnixMilli(), e.Finished.UnixMilli(), e.OptimizerSteps, e.Overflows)
	if err != nil {
		return fmt.Errorf("record epoch: %w", err)
	}
	return nil
}

// Losses returns the recorded points in insertion order.
func (s *SQLite) Losses(ctx context.Context) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT ts_ms, epoch, step, global_step, loss, lr FROM losses ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var p Point
		var ts int64
		if err := rows.Scan(&ts, &p.Epoch, &p.Step, &p.GlobalStep, &p.Loss, &p.LR); err != nil {
			return nil, err
		}
		p.Time = time.UnixMilli(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Epochs(ctx context.Context) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT epoch, started_ms, finished_ms, optimizer_steps, overflows FROM epochs ORDER BY epoch")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Epoch
	for rows.Next() {
		var e Epoch
		var started, finished int64
		if err := rows.Scan(&e.Epoch, &started, &finished, &e.OptimizerSteps, &e.Overflows); err != nil {
			return nil, err
		}
		e.Started = time.UnixMilli(started)
		e.Finished = time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
