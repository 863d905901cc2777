// Package trajectory persists the fused trajectory to a SQLite database, one run per service session.
package trajectory

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/num/quat"
	// registers the sqlite driver.
	_ "modernc.org/sqlite"

	"github.com/viam-modules/viam-lio/fusion"
)

//go:embed schema.sql
var schemaSQL string

const insertPoseSQL = `
	INSERT INTO poses (run_id, seq, time, x, y, z, qw, qx, qy, qz)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Store appends every published path pose to the poses table under the run id chosen at Open.
type Store struct {
	fusion.NopPublisher

	db     *sql.DB
	insert *sql.Stmt
	runID  string
	seq    int64
	logger logging.Logger
}

// Open opens or creates the database at path, applies the schema and starts a new run.
func Open(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trajectory database %q", path)
	}
	// single connection so the pragmas below apply to every statement
	db.SetMaxOpenConns(1)

	store := &Store{db: db, runID: uuid.NewString(), logger: logger}
	if err := store.init(ctx); err != nil {
		return nil, multierr.Combine(err, db.Close())
	}
	logger.Infow("trajectory database opened", "path", path, "run_id", store.runID)
	return store, nil
}

func (st *Store) init(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := st.db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "applying %q", pragma)
		}
	}
	if _, err := st.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "applying trajectory schema")
	}
	if _, err := st.db.ExecContext(ctx, `INSERT INTO runs (run_id, started_at) VALUES (?, ?)`,
		st.runID, time.Now().UnixNano()); err != nil {
		return errors.Wrap(err, "starting trajectory run")
	}
	insert, err := st.db.PrepareContext(ctx, insertPoseSQL)
	if err != nil {
		return errors.Wrap(err, "preparing pose insert")
	}
	st.insert = insert
	return nil
}

// RunID returns the id under which this store writes poses.
func (st *Store) RunID() string {
	return st.runID
}

// PublishPose appends one pose. Failures are logged; the fusion loop never stops on a storage error.
func (st *Store) PublishPose(pose fusion.PoseStamped) {
	q := pose.Orientation
	if _, err := st.insert.Exec(st.runID, st.seq, pose.Time,
		pose.Position.X, pose.Position.Y, pose.Position.Z, q.Real, q.Imag, q.Jmag, q.Kmag); err != nil {
		st.logger.Warnw("unable to store trajectory pose", "time", pose.Time, "error", err)
		return
	}
	st.seq++
}

// Runs returns every run id in start order.
func (st *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, errors.Wrap(err, "listing trajectory runs")
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// Poses returns the poses of a run in the order they were published.
func (st *Store) Poses(ctx context.Context, runID string) ([]fusion.PoseStamped, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT time, x, y, z, qw, qx, qy, qz FROM poses WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading poses of run %q", runID)
	}
	defer rows.Close()

	var poses []fusion.PoseStamped
	for rows.Next() {
		var p fusion.PoseStamped
		var q quat.Number
		if err := rows.Scan(&p.Time, &p.Position.X, &p.Position.Y, &p.Position.Z,
			&q.Real, &q.Imag, &q.Jmag, &q.Kmag); err != nil {
			return nil, err
		}
		p.Orientation = q
		poses = append(poses, p)
	}
	return poses, rows.Err()
}

// Close marks the run as ended and closes the database.
func (st *Store) Close() error {
	_, err := st.db.Exec(`UPDATE runs SET ended_at = ? WHERE run_id = ?`, time.Now().UnixNano(), st.runID)
	return multierr.Combine(err, st.insert.Close(), st.db.Close())
}
