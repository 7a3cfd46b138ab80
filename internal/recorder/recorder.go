// Package recorder persists a per-cycle summary of tracking outputs to
// SQLite for offline analysis of tracker timing and track continuity.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/tracking"
)

// QueueSize is the number of outputs held while the writer catches up.
const QueueSize = 256

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// RunInfo describes the tracker run being recorded.
type RunInfo struct {
	Filter      string
	TargetFrame string
	TargetHz    float64
}

// Run is one recorded tracker run.
type Run struct {
	ID      string
	Started time.Time
	RunInfo
}

// Cycle is one recorded output.
type Cycle struct {
	Cycle       uint64
	Stamp       time.Time
	Reset       bool
	ResetReason string
	Tracks      int
	Applied     int
	Skipped     int
	PrimaryID   *uint64
	Primary     [3]float64
}

// Recorder writes outputs from a queue on its own goroutine so that
// Publish never waits on disk.
type Recorder struct {
	db    *sql.DB
	runID string
	queue chan tracking.Output

	dropped atomic.Uint64
	written atomic.Uint64

	closeOnce sync.Once
}

// Open opens (creating if needed) the database at path, applies
// migrations and registers a new run.
func Open(path string, info RunInfo) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:    db,
		runID: uuid.NewString(),
		queue: make(chan tracking.Output, QueueSize),
	}
	_, err = db.Exec(`INSERT INTO runs (run_id, started_ns, filter, target_frame, target_hz) VALUES (?, ?, ?, ?, ?)`,
		r.runID, time.Now().UnixNano(), info.Filter, info.TargetFrame, info.TargetHz)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	monitoring.Diagf("[Recorder] recording run %s to %s", r.runID, path)
	return r, nil
}

// RunID returns the id of the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// Publish implements tracking.Sink. Outputs are dropped when the queue is
// full.
func (r *Recorder) Publish(out tracking.Output) {
	select {
	case r.queue <- out:
	default:
		n := r.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			monitoring.Opsf("[Recorder] queue full, dropped %d outputs", n)
		}
	}
}

// Dropped returns the number of outputs lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of outputs stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Run stores queued outputs until ctx is cancelled, then stores whatever
// is still queued and returns.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case out := <-r.queue:
			r.store(out)
		case <-ctx.Done():
			for {
				select {
				case out := <-r.queue:
					r.store(out)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) store(out tracking.Output) {
	if err := r.insert(out); err != nil {
		monitoring.Opsf("[Recorder] cycle %d: %v", out.Cycle, err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) insert(out tracking.Output) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		primaryID   sql.NullInt64
		px, py, pz  sql.NullFloat64
		resetReason sql.NullString
	)
	if p := out.Primary; p != nil {
		primaryID = sql.NullInt64{Int64: int64(p.ID), Valid: true}
		px = sql.NullFloat64{Float64: p.Position.X, Valid: true}
		py = sql.NullFloat64{Float64: p.Position.Y, Valid: true}
		pz = sql.NullFloat64{Float64: p.Position.Z, Valid: true}
	}
	if out.Reset {
		resetReason = sql.NullString{String: out.ResetReason, Valid: true}
	}

	res, err := tx.Exec(`INSERT INTO cycles
		(run_id, cycle, stamp_ns, reset, reset_reason, tracks, applied, skipped, primary_id, primary_x, primary_y, primary_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, int64(out.Cycle), out.Stamp.UnixNano(), out.Reset, resetReason,
		len(out.Tracks), out.Applied, len(out.Skipped), primaryID, px, py, pz)
	if err != nil {
		return err
	}
	row, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, t := range out.Tracks {
		_, err := tx.Exec(`INSERT INTO cycle_tracks (cycle_row, track_id, uuid, tag, state, x, y, z) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row, int64(t.ID), t.UUID, sql.NullString{String: t.Tag, Valid: t.Tag != ""}, t.State,
			t.Position.X, t.Position.Y, t.Position.Z)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database. Call it after Run has returned.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.db.Close() })
	return err
}

// Reader gives read access to a recording database.
type Reader struct {
	db *sql.DB
}

// OpenReader opens an existing recording for reading.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	version, dirty, err := schemaVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if version == 0 || dirty {
		db.Close()
		return nil, fmt.Errorf("%s is not a tracking recording (schema version %d, dirty=%t)", path, version, dirty)
	}
	return &Reader{db: db}, nil
}

// Reader returns a reader sharing the recorder's connection. Closing it
// closes the recorder too.
func (r *Recorder) Reader() *Reader { return &Reader{db: r.db} }

// Close closes the reader's database.
func (rd *Reader) Close() error { return rd.db.Close() }

// ErrNoRuns is returned by Latest on an empty recording.
var ErrNoRuns = errors.New("recorder: no runs recorded")

// Runs lists recorded runs, oldest first.
func (rd *Reader) Runs(ctx context.Context) ([]Run, error) {
	rows, err := rd.db.QueryContext(ctx,
		`SELECT run_id, started_ns, filter, target_frame, target_hz FROM runs ORDER BY started_ns, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run     Run
			started int64
		)
		if err := rows.Scan(&run.ID, &started, &run.Filter, &run.TargetFrame, &run.TargetHz); err != nil {
			return nil, err
		}
		run.Started = time.Unix(0, started)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Latest returns the most recently started run.
func (rd *Reader) Latest(ctx context.Context) (Run, error) {
	runs, err := rd.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNoRuns
	}
	return runs[len(runs)-1], nil
}

// Cycles returns the outputs recorded for runID in publish order.
func (rd *Reader) Cycles(ctx context.Context, runID string) ([]Cycle, error) {
	rows, err := rd.db.QueryContext(ctx, `SELECT cycle, stamp_ns, reset, reset_reason, tracks, applied, skipped,
			primary_id, primary_x, primary_y, primary_z
		FROM cycles WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c          Cycle
			cycle      int64
			stamp      int64
			reason     sql.NullString
			primaryID  sql.NullInt64
			px, py, pz sql.NullFloat64
		)
		if err := rows.Scan(&cycle, &stamp, &c.Reset, &reason, &c.Tracks, &c.Applied, &c.Skipped,
			&primaryID, &px, &py, &pz); err != nil {
			return nil, err
		}
		c.Cycle = uint64(cycle)
		c.Stamp = time.Unix(0, stamp).UTC()
		c.ResetReason = reason.String
		if primaryID.Valid {
			id := uint64(primaryID.Int64)
			c.PrimaryID = &id
			c.Primary = [3]float64{px.Float64, py.Float64, pz.Float64}
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// TrackTags returns the distinct tags seen per track id in runID.
func (rd *Reader) TrackTags(ctx context.Context, runID string) (map[uint64][]string, error) {
	rows, err := rd.db.QueryContext(ctx, `SELECT DISTINCT t.track_id, t.tag
		FROM cycle_tracks t JOIN cycles c ON c.id = t.cycle_row
		WHERE c.run_id = ? AND t.tag IS NOT NULL ORDER BY t.track_id, t.tag`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make(map[uint64][]string)
	for rows.Next() {
		var (
			id  int64
			tag string
		)
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		tags[uint64(id)] = append(tags[uint64(id)], tag)
	}
	return tags, rows.Err()
}
