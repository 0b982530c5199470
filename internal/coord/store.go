package coord

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Store is the transactional checkpoint and audit store. One execution
// metadata row, one latest-checkpoint row per cycle, one row per conflict,
// and rolling metrics counters, enough to reconstruct coordinator state
// after a restart.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	checkpointStmts checkpointStatements
	conflictStmts   conflictStatements
	metricStmts     metricStatements
}

// Prepared statements, grouped by table.
type checkpointStatements struct {
	get, upsert, list *sql.Stmt
}

type conflictStatements struct {
	record, resolve, listOpen, listAll, count *sql.Stmt
}

type metricStatements struct {
	incr, all *sql.Stmt
}

// NewStore opens (or creates) the database at dbPath, applies migrations,
// and prepares all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening coordinator state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("coord: open sqlite: %w", err)
	}

	// Single writer: the coordinator is the only mutator, and a single
	// connection sidesteps SQLITE_BUSY under concurrent checkpoints.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("coord: setting %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) prepare() error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.checkpointStmts.get, `SELECT cycle_id, phase, state, seq, snapshot, updated_at FROM checkpoints WHERE cycle_id = ?`},
		{&s.checkpointStmts.upsert, `INSERT INTO checkpoints (cycle_id, execution_id, phase, state, seq, snapshot, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (cycle_id) DO UPDATE SET phase = excluded.phase, state = excluded.state,
				seq = excluded.seq, snapshot = excluded.snapshot, updated_at = excluded.updated_at`},
		{&s.checkpointStmts.list, `SELECT cycle_id, phase, state, seq, snapshot, updated_at FROM checkpoints WHERE execution_id = ? ORDER BY cycle_id`},
		{&s.conflictStmts.record, `INSERT INTO conflicts (id, execution_id, type, severity, cycles, resources, detected_at, strategy, outcome)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.conflictStmts.resolve, `UPDATE conflicts SET strategy = ?, resolved_at = ?, outcome = ? WHERE id = ?`},
		{&s.conflictStmts.listOpen, `SELECT id, type, severity, cycles, resources, detected_at, strategy, resolved_at, outcome
			FROM conflicts WHERE execution_id = ? AND resolved_at IS NULL ORDER BY detected_at`},
		{&s.conflictStmts.listAll, `SELECT id, type, severity, cycles, resources, detected_at, strategy, resolved_at, outcome
			FROM conflicts WHERE execution_id = ? ORDER BY detected_at`},
		{&s.conflictStmts.count, `SELECT COUNT(*) FROM conflicts WHERE execution_id = ? AND resolved_at IS NULL`},
		{&s.metricStmts.incr, `INSERT INTO metrics (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = value + excluded.value`},
		{&s.metricStmts.all, `SELECT name, value FROM metrics ORDER BY name`},
	}

	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.sql)
		if err != nil {
			return fmt.Errorf("coord: preparing %q: %w", st.sql, err)
		}
		*st.dst = prepared
	}

	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("coord: closing store: %w", err)
	}
	return nil
}

// CreateExecution writes the execution metadata record.
func (s *Store) CreateExecution(ctx context.Context, id string, startedAt time.Time, configJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, started_at, config_json) VALUES (?, ?, ?)`,
		id, startedAt.UnixNano(), configJSON)
	if err != nil {
		return fmt.Errorf("coord: creating execution %s: %w", id, err)
	}
	return nil
}

// FinishExecution marks the execution record terminal.
func (s *Store) FinishExecution(ctx context.Context, id, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, finished_at = ? WHERE id = ?`,
		status, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("coord: finishing execution %s: %w", id, err)
	}
	return nil
}

// LatestExecution returns the most recently started execution id and
// status, or sql.ErrNoRows wrapped if none exists.
func (s *Store) LatestExecution(ctx context.Context) (id, status string, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status FROM executions ORDER BY started_at DESC LIMIT 1`)
	if err := row.Scan(&id, &status); err != nil {
		return "", "", fmt.Errorf("coord: latest execution: %w", err)
	}
	return id, status, nil
}

// SaveCheckpoint upserts the latest checkpoint for a cycle, enforcing
// per-cycle sequence monotonicity: the new seq must be exactly previous+1
// (or 1 for the first write). Any other sequence is state corruption: the
// write is rejected with ErrStateCorrupted and the caller must halt
// scheduling for the cycle.
func (s *Store) SaveCheckpoint(ctx context.Context, executionID string, cp Checkpoint) error {
	prev, err := s.GetCheckpoint(ctx, cp.CycleID)
	switch {
	case err == nil:
		if cp.Seq != prev.Seq+1 {
			return fmt.Errorf("coord: checkpoint for cycle %s: seq %d after %d: %w",
				cp.CycleID, cp.Seq, prev.Seq, ErrStateCorrupted)
		}
	case errors.Is(err, sql.ErrNoRows):
		if cp.Seq != 1 {
			return fmt.Errorf("coord: first checkpoint for cycle %s has seq %d: %w",
				cp.CycleID, cp.Seq, ErrStateCorrupted)
		}
	default:
		return err
	}

	_, err = s.checkpointStmts.upsert.ExecContext(ctx,
		cp.CycleID, executionID, string(cp.Phase), string(cp.State), cp.Seq, cp.Snapshot, cp.At.UnixNano())
	if err != nil {
		return fmt.Errorf("coord: saving checkpoint for cycle %s: %w", cp.CycleID, err)
	}
	return nil
}

// GetCheckpoint returns the latest checkpoint for a cycle.
func (s *Store) GetCheckpoint(ctx context.Context, cycleID string) (Checkpoint, error) {
	var cp Checkpoint
	var phase, state string
	var at int64

	row := s.checkpointStmts.get.QueryRowContext(ctx, cycleID)
	if err := row.Scan(&cp.CycleID, &phase, &state, &cp.Seq, &cp.Snapshot, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, fmt.Errorf("coord: checkpoint for cycle %s: %w", cycleID, err)
		}
		return Checkpoint{}, fmt.Errorf("coord: reading checkpoint for cycle %s: %w", cycleID, err)
	}

	cp.Phase = Phase(phase)
	cp.State = CycleState(state)
	cp.At = time.Unix(0, at)
	return cp, nil
}

// ListCheckpoints returns every cycle's latest checkpoint for an execution.
func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]Checkpoint, error) {
	rows, err := s.checkpointStmts.list.QueryContext(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("coord: listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var phase, state string
		var at int64

		if err := rows.Scan(&cp.CycleID, &phase, &state, &cp.Seq, &cp.Snapshot, &at); err != nil {
			return nil, fmt.Errorf("coord: scanning checkpoint: %w", err)
		}

		cp.Phase = Phase(phase)
		cp.State = CycleState(state)
		cp.At = time.Unix(0, at)
		out = append(out, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coord: iterating checkpoints: %w", err)
	}
	return out, nil
}

// RecordConflict inserts a conflict audit row.
func (s *Store) RecordConflict(ctx context.Context, executionID string, c Conflict) error {
	cycles, err := json.Marshal(c.Cycles)
	if err != nil {
		return fmt.Errorf("coord: encoding conflict cycles: %w", err)
	}
	resources, err := json.Marshal(c.Resources)
	if err != nil {
		return fmt.Errorf("coord: encoding conflict resources: %w", err)
	}

	_, err = s.conflictStmts.record.ExecContext(ctx,
		c.ID, executionID, string(c.Type), int(c.Severity), string(cycles), string(resources),
		c.DetectedAt.UnixNano(), string(c.Strategy), c.Outcome)
	if err != nil {
		return fmt.Errorf("coord: recording conflict %s: %w", c.ID, err)
	}
	return nil
}

// ResolveConflict closes the audit row with the chosen strategy and
// outcome. The row is retained for audit after resolution.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy, outcome string, at time.Time) error {
	_, err := s.conflictStmts.resolve.ExecContext(ctx, string(strategy), at.UnixNano(), outcome, conflictID)
	if err != nil {
		return fmt.Errorf("coord: resolving conflict %s: %w", conflictID, err)
	}
	return nil
}

// OpenConflicts returns unresolved conflicts in detection order.
func (s *Store) OpenConflicts(ctx context.Context, executionID string) ([]Conflict, error) {
	return s.scanConflicts(s.conflictStmts.listOpen, ctx, executionID)
}

// AllConflicts returns the full audit log for an execution.
func (s *Store) AllConflicts(ctx context.Context, executionID string) ([]Conflict, error) {
	return s.scanConflicts(s.conflictStmts.listAll, ctx, executionID)
}

// OpenConflictCount returns the number of unresolved conflicts.
func (s *Store) OpenConflictCount(ctx context.Context, executionID string) (int, error) {
	var n int
	if err := s.conflictStmts.count.QueryRowContext(ctx, executionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("coord: counting open conflicts: %w", err)
	}
	return n, nil
}

func (s *Store) scanConflicts(stmt *sql.Stmt, ctx context.Context, executionID string) ([]Conflict, error) {
	rows, err := stmt.QueryContext(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("coord: querying conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var ctype, cycles, resources, strategy string
		var severity int
		var detectedAt int64
		var resolvedAt sql.NullInt64

		if err := rows.Scan(&c.ID, &ctype, &severity, &cycles, &resources, &detectedAt, &strategy, &resolvedAt, &c.Outcome); err != nil {
			return nil, fmt.Errorf("coord: scanning conflict: %w", err)
		}

		c.Type = ConflictType(ctype)
		c.Severity = Severity(severity)
		c.Strategy = Strategy(strategy)
		c.DetectedAt = time.Unix(0, detectedAt)
		if resolvedAt.Valid {
			c.ResolvedAt = time.Unix(0, resolvedAt.Int64)
		}
		if err := json.Unmarshal([]byte(cycles), &c.Cycles); err != nil {
			return nil, fmt.Errorf("coord: decoding conflict cycles: %w", err)
		}
		if err := json.Unmarshal([]byte(resources), &c.Resources); err != nil {
			return nil, fmt.Errorf("coord: decoding conflict resources: %w", err)
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coord: iterating conflicts: %w", err)
	}
	return out, nil
}

// IncrMetric adds delta to a named rolling counter.
func (s *Store) IncrMetric(ctx context.Context, name string, delta int64) error {
	if _, err := s.metricStmts.incr.ExecContext(ctx, name, delta); err != nil {
		return fmt.Errorf("coord: incrementing metric %s: %w", name, err)
	}
	return nil
}

// Metrics returns all counters.
func (s *Store) Metrics(ctx context.Context) (map[string]int64, error) {
	rows, err := s.metricStmts.all.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("coord: querying metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("coord: scanning metric: %w", err)
		}
		out[name] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coord: iterating metrics: %w", err)
	}
	return out, nil
}

// RecoveredState is the snapshot LoadState reconstructs after a restart.
type RecoveredState struct {
	ExecutionID   string
	Status        string
	Checkpoints   []Checkpoint
	OpenConflicts []Conflict
	Metrics       map[string]int64
}

// LoadState rebuilds coordinator state from the latest execution's
// persisted records.
func (s *Store) LoadState(ctx context.Context) (*RecoveredState, error) {
	execID, status, err := s.LatestExecution(ctx)
	if err != nil {
		return nil, err
	}

	checkpoints, err := s.ListCheckpoints(ctx, execID)
	if err != nil {
		return nil, err
	}

	conflicts, err := s.OpenConflicts(ctx, execID)
	if err != nil {
		return nil, err
	}

	metrics, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	return &RecoveredState{
		ExecutionID:   execID,
		Status:        status,
		Checkpoints:   checkpoints,
		OpenConflicts: conflicts,
		Metrics:       metrics,
	}, nil
}
