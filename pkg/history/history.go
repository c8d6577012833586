// Package history records reflow runs and their telemetry in SQLite.
package history

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP,
	outcome    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS samples (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	elapsed     INTEGER NOT NULL,
	zone        TEXT NOT NULL,
	measurement REAL NOT NULL,
	setpoint    REAL NOT NULL,
	output      REAL NOT NULL,
	duty        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_run ON samples(run_id, elapsed);`

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("history: run not found")

// Run is one recorded run.
type Run struct {
	ID        string       `db:"id" json:"id"`
	Mode      string       `db:"mode" json:"mode"`
	StartedAt time.Time    `db:"started_at" json:"started_at"`
	EndedAt   sql.NullTime `db:"ended_at" json:"-"`
	Outcome   string       `db:"outcome" json:"outcome,omitempty"`
	Samples   int          `db:"samples" json:"samples"`
}

// Sample is one zone's control step within a run.
type Sample struct {
	RunID       string  `db:"run_id" json:"-"`
	Elapsed     uint32  `db:"elapsed" json:"elapsed"`
	Zone        string  `db:"zone" json:"zone"`
	Measurement float32 `db:"measurement" json:"measurement"`
	Setpoint    float32 `db:"setpoint" json:"setpoint"`
	Output      float32 `db:"output" json:"output"`
	Duty        uint16  `db:"duty" json:"duty"`
}

// Recorder is a telemetry sink writing every run to the database.
type Recorder struct {
	db *sqlx.DB

	mu      sync.Mutex
	current string
}

var _ telemetry.Sink = (*Recorder)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Recorder, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create history schema")
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Name() string { return "history" }

// Publish records ev. A run starts with the first event of a non-idle state
// and ends with a completed or stopped event.
func (r *Recorder) Publish(ev telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Started && r.current != "" {
		if err := r.end(ev.Time, OutcomeStopped); err != nil {
			return err
		}
	}
	if r.current == "" && ev.State != runmode.Idle {
		if err := r.begin(ev); err != nil {
			return err
		}
	}
	if r.current == "" {
		return nil
	}

	if err := r.record(ev); err != nil {
		return err
	}

	switch {
	case ev.Completed:
		return r.end(ev.Time, OutcomeCompleted)
	case ev.Stopped:
		return r.end(ev.Time, OutcomeStopped)
	}
	return nil
}

func (r *Recorder) begin(ev telemetry.Event) error {
	id := uuid.NewString()
	const query = `INSERT INTO runs(id, mode, started_at) VALUES($1, $2, $3)`
	if _, err := r.db.Exec(query, id, ev.State.String(), ev.Time.UTC()); err != nil {
		return errors.Wrap(err, "insert run")
	}
	r.current = id
	return nil
}

func (r *Recorder) end(at time.Time, outcome string) error {
	const query = `UPDATE runs SET ended_at=$1, outcome=$2 WHERE id=$3`
	id := r.current
	r.current = ""
	if _, err := r.db.Exec(query, at.UTC(), outcome, id); err != nil {
		return errors.Wrapf(err, "end run %s", id)
	}
	return nil
}

func (r *Recorder) record(ev telemetry.Event) error {
	var samples []Sample
	for z := runmode.Top; z < runmode.Zones; z++ {
		if !ev.Active[z] {
			continue
		}
		samples = append(samples, Sample{
			RunID:       r.current,
			Elapsed:     ev.Elapsed,
			Zone:        z.String(),
			Measurement: ev.Terms[z].Measurement,
			Setpoint:    ev.Terms[z].Setpoint,
			Output:      ev.Terms[z].Output,
			Duty:        ev.Duties[z],
		})
	}
	if len(samples) == 0 {
		return nil
	}

	const query = `INSERT INTO samples(run_id, elapsed, zone, measurement, setpoint, output, duty)
		VALUES(:run_id, :elapsed, :zone, :measurement, :setpoint, :output, :duty)`
	if _, err := r.db.NamedExec(query, samples); err != nil {
		return errors.Wrap(err, "insert samples")
	}
	return nil
}

// Runs returns up to limit runs, newest first.
func (r *Recorder) Runs(limit int) ([]Run, error) {
	const query = `
		SELECT r.id, r.mode, r.started_at, r.ended_at, r.outcome,
			(SELECT COUNT(*) FROM samples s WHERE s.run_id = r.id) AS samples
		FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT $1`
	runs := []Run{}
	if err := r.db.Select(&runs, query, limit); err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

// Samples returns the samples of a run in time order.
func (r *Recorder) Samples(runID string) ([]Sample, error) {
	var n int
	if err := r.db.Get(&n, `SELECT COUNT(*) FROM runs WHERE id=$1`, runID); err != nil {
		return nil, errors.Wrap(err, "find run")
	}
	if n == 0 {
		return nil, errors.Wrap(ErrNotFound, runID)
	}

	samples := []Sample{}
	const query = `SELECT * FROM samples WHERE run_id=$1 ORDER BY elapsed, zone DESC`
	if err := r.db.Select(&samples, query, runID); err != nil {
		return nil, errors.Wrap(err, "list samples")
	}
	return samples, nil
}

// Close ends an open run and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.current != "" {
		err = r.end(time.Now(), OutcomeStopped)
	}
	if cerr := r.db.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close history")
	}
	return err
}
