package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/conductor/internal/parser"
	"github.com/petrijr/conductor/pkg/api"
)

// SQLStore implements every store interface on a SQL database through sqlx.
// The same statements run on SQLite and PostgreSQL; placeholders are rebound
// for the driver in use.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db    *sqlx.DB
	clock clockwork.Clock
	// batch bounds the rows fetched per ProcessExpired* round.
	batch int
}

var (
	_ FlowStore       = (*SQLStore)(nil)
	_ ExecutionStore  = (*SQLStore)(nil)
	_ SLAMonitorStore = (*SQLStore)(nil)
	_ DelayStore      = (*SQLStore)(nil)
)

// NewSQLStore initializes the schema in db and returns a store.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	return NewSQLStoreWithClock(db, clockwork.NewRealClock())
}

// NewSQLStoreWithClock is NewSQLStore with an explicit lease clock.
func NewSQLStoreWithClock(db *sqlx.DB, clock clockwork.Clock) (*SQLStore, error) {
	s := &SQLStore{db: db, clock: clock, batch: 100}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLStore opens driver/dsn ("sqlite" or "pgx") and initializes a store.
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
	}
	return NewSQLStore(db)
}

// DB exposes the underlying handle so queues can share the database.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			namespace  TEXT NOT NULL,
			id         TEXT NOT NULL,
			revision   INTEGER NOT NULL,
			source     TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (namespace, id, revision)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id         TEXT PRIMARY KEY,
			namespace  TEXT NOT NULL,
			flow_id    TEXT NOT NULL,
			state      TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			payload    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_leases (
			id         TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sla_monitors (
			execution_id TEXT NOT NULL,
			sla_id       TEXT NOT NULL,
			deadline     BIGINT NOT NULL,
			PRIMARY KEY (execution_id, sla_id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_delays (
			execution_id TEXT NOT NULL,
			delay_key    TEXT NOT NULL,
			task_run_id  TEXT NOT NULL,
			kind         TEXT NOT NULL,
			attempt      INTEGER NOT NULL,
			due_at       BIGINT NOT NULL,
			PRIMARY KEY (execution_id, delay_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sla_monitors_deadline ON sla_monitors (deadline)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_delays_due_at ON execution_delays (due_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

type executionRow struct {
	ID        string `db:"id"`
	Namespace string `db:"namespace"`
	FlowID    string `db:"flow_id"`
	State     string `db:"state"`
	CreatedAt int64  `db:"created_at"`
	Payload   string `db:"payload"`
}

func (s *SQLStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	payload, err := EncodeExecution(exec)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, namespace, flow_id, state, created_at, payload)
		VALUES (:id, :namespace, :flow_id, :state, :created_at, :payload)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload`,
		executionRow{
			ID:        exec.ID,
			Namespace: exec.Namespace,
			FlowID:    exec.FlowID,
			State:     string(exec.State.Current()),
			CreatedAt: unixNano(exec.State.StartDate()),
			Payload:   string(payload),
		},
	)
	return err
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(`SELECT payload FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeExecution([]byte(payload))
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT payload FROM executions`
	var (
		args    []any
		clauses []string
	)
	if filter.Namespace != "" {
		clauses = append(clauses, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*api.Execution, 0, len(payloads))
	for _, p := range payloads {
		exec, err := DecodeExecution([]byte(p))
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO execution_leases (id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE execution_leases.owner = excluded.owner
			OR execution_leases.expires_at <= ?`),
		executionID, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_leases
		SET expires_at = ?
		WHERE id = ? AND owner = ? AND expires_at > ?`),
		now.Add(ttl).UnixNano(), executionID, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrExecutionLocked
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM execution_leases WHERE id = ? AND owner = ?`), executionID, owner)
	return err
}

type monitorRow struct {
	ExecutionID string `db:"execution_id"`
	SLAID       string `db:"sla_id"`
	Deadline    int64  `db:"deadline"`
}

func (s *SQLStore) SaveMonitor(ctx context.Context, m api.SLAMonitor) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sla_monitors (execution_id, sla_id, deadline)
		VALUES (:execution_id, :sla_id, :deadline)
		ON CONFLICT (execution_id, sla_id) DO UPDATE SET deadline = excluded.deadline`,
		monitorRow{ExecutionID: m.ExecutionID, SLAID: m.SLAID, Deadline: unixNano(m.Deadline)},
	)
	return err
}

func (s *SQLStore) PurgeMonitors(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sla_monitors WHERE execution_id = ?`), executionID)
	return err
}

func (s *SQLStore) ProcessExpiredMonitors(ctx context.Context, now time.Time, fn func(api.SLAMonitor) error) error {
	var rows []monitorRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT execution_id, sla_id, deadline FROM sla_monitors
		WHERE deadline <= ?
		ORDER BY deadline
		LIMIT ?`),
		now.UnixNano(), s.batch,
	)
	if err != nil {
		return err
	}
	for _, r := range rows {
		m := api.SLAMonitor{ExecutionID: r.ExecutionID, SLAID: r.SLAID, Deadline: fromUnixNano(r.Deadline)}
		if err := fn(m); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM sla_monitors WHERE execution_id = ? AND sla_id = ? AND deadline = ?`),
			r.ExecutionID, r.SLAID, r.Deadline,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

type delayRow struct {
	ExecutionID string `db:"execution_id"`
	Key         string `db:"delay_key"`
	TaskRunID   string `db:"task_run_id"`
	Kind        string `db:"kind"`
	Attempt     int    `db:"attempt"`
	Date        int64  `db:"due_at"`
}

func (s *SQLStore) SaveDelay(ctx context.Context, d api.ExecutionDelay) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO execution_delays (execution_id, delay_key, task_run_id, kind, attempt, due_at)
		VALUES (:execution_id, :delay_key, :task_run_id, :kind, :attempt, :due_at)
		ON CONFLICT (execution_id, delay_key) DO UPDATE SET due_at = excluded.due_at`,
		delayRow{
			ExecutionID: d.ExecutionID,
			Key:         d.Key(),
			TaskRunID:   d.TaskRunID,
			Kind:        string(d.Kind),
			Attempt:     d.Attempt,
			Date:        unixNano(d.Date),
		},
	)
	return err
}

func (s *SQLStore) PurgeDelays(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM execution_delays WHERE execution_id = ?`), executionID)
	return err
}

func (s *SQLStore) ProcessExpiredDelays(ctx context.Context, now time.Time, fn func(api.ExecutionDelay) error) error {
	var rows []delayRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT execution_id, delay_key, task_run_id, kind, attempt, due_at FROM execution_delays
		WHERE due_at <= ?
		ORDER BY due_at
		LIMIT ?`),
		now.UnixNano(), s.batch,
	)
	if err != nil {
		return err
	}
	for _, r := range rows {
		d := api.ExecutionDelay{
			ExecutionID: r.ExecutionID,
			TaskRunID:   r.TaskRunID,
			Kind:        api.DelayKind(r.Kind),
			Attempt:     r.Attempt,
			Date:        fromUnixNano(r.Date),
		}
		if err := fn(d); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM execution_delays WHERE execution_id = ? AND delay_key = ? AND due_at = ?`),
			r.ExecutionID, r.Key, r.Date,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

type flowRow struct {
	Namespace string `db:"namespace"`
	ID        string `db:"id"`
	Revision  int    `db:"revision"`
	Source    string `db:"source"`
	CreatedAt int64  `db:"created_at"`
}

func (s *SQLStore) SaveFlow(ctx context.Context, flow *api.Flow) (*api.Flow, error) {
	if errs := flow.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}
	source, err := parser.Marshal(flow)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var latest flowRow
	err = tx.GetContext(ctx, &latest, tx.Rebind(`
		SELECT namespace, id, revision, source, created_at FROM flows
		WHERE namespace = ? AND id = ?
		ORDER BY revision DESC
		LIMIT 1`),
		flow.Namespace, flow.ID,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	case latest.Source == string(source):
		return decodeFlow(latest)
	}

	row := flowRow{
		Namespace: flow.Namespace,
		ID:        flow.ID,
		Revision:  latest.Revision + 1,
		Source:    string(source),
		CreatedAt: s.clock.Now().UnixNano(),
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO flows (namespace, id, revision, source, created_at)
		VALUES (:namespace, :id, :revision, :source, :created_at)`, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return decodeFlow(row)
}

func (s *SQLStore) FindFlow(ctx context.Context, namespace, id string, revision *int) (*api.Flow, error) {
	var (
		row flowRow
		err error
	)
	if revision == nil {
		err = s.db.GetContext(ctx, &row, s.db.Rebind(`
			SELECT namespace, id, revision, source, created_at FROM flows
			WHERE namespace = ? AND id = ?
			ORDER BY revision DESC
			LIMIT 1`), namespace, id)
	} else {
		err = s.db.GetContext(ctx, &row, s.db.Rebind(`
			SELECT namespace, id, revision, source, created_at FROM flows
			WHERE namespace = ? AND id = ? AND revision = ?`), namespace, id, *revision)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrFlowNotFound, namespace, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeFlow(row)
}

func (s *SQLStore) FindRevisions(ctx context.Context, namespace, id string) ([]int, error) {
	var out []int
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT revision FROM flows WHERE namespace = ? AND id = ? ORDER BY revision`), namespace, id)
	return out, err
}

func (s *SQLStore) ListFlows(ctx context.Context) ([]*api.Flow, error) {
	var rows []flowRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT f.namespace, f.id, f.revision, f.source, f.created_at FROM flows f
		WHERE f.revision = (SELECT MAX(revision) FROM flows l WHERE l.namespace = f.namespace AND l.id = f.id)
		ORDER BY f.namespace, f.id`)
	if err != nil {
		return nil, err
	}
	out := make([]*api.Flow, 0, len(rows))
	for _, r := range rows {
		flow, err := decodeFlow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, nil
}

func decodeFlow(row flowRow) (*api.Flow, error) {
	flow, err := parser.Parse([]byte(row.Source))
	if err != nil {
		return nil, fmt.Errorf("stored flow %s/%s revision %d: %w", row.Namespace, row.ID, row.Revision, err)
	}
	flow.Revision = row.Revision
	return flow, nil
}
