package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

// dialect carries the few differences between the SQL backends.
type dialect struct {
	name string
	// numbered reports whether placeholders are $1, $2, ... instead of ?.
	numbered bool
	schema   []string
}

// SQLStore implements every store interface on database/sql. Queries are
// written with ? placeholders and rebound for the dialect.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var (
	_ RunStore      = (*SQLStore)(nil)
	_ StepStore     = (*SQLStore)(nil)
	_ EventStore    = (*SQLStore)(nil)
	_ ArtifactStore = (*SQLStore)(nil)
)

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("persistence: %s schema: %w", d.name, err)
	}
	return s, nil
}

// Persistence returns a Persistence whose stores are all s.
func (s *SQLStore) Persistence() Persistence {
	return Persistence{Runs: s, Steps: s, Events: s, Artifacts: s}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for numbered dialects.
func (s *SQLStore) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

const runColumns = `id, project_id, org_id, creator_id, workflow, status, progress,
	idempotency_key, request_hash, cancel_requested, parent_run_id, scope, policy,
	input, state, needs_human_edit, artifact_id, error_code, error_message,
	version, created_at, updated_at`

type runRow struct {
	scope, policy, state []byte
}

func encodeRun(run *api.Run) (runRow, error) {
	var r runRow
	var err error
	if run.Scope != nil {
		if r.scope, err = encodeJSON(run.Scope); err != nil {
			return r, err
		}
	}
	if r.policy, err = encodeJSON(run.Policy); err != nil {
		return r, err
	}
	if r.state, err = encodeJSON(run.State); err != nil {
		return r, err
	}
	return r, nil
}

func scanRun(row rowScanner) (*api.Run, error) {
	var (
		run                      api.Run
		idem                     sql.NullString
		scope, policy, in, state []byte
		created, updated         int64
	)
	err := row.Scan(&run.ID, &run.ProjectID, &run.OrgID, &run.CreatorID, &run.Workflow,
		&run.Status, &run.Progress, &idem, &run.RequestHash, &run.CancelRequested,
		&run.ParentRunID, &scope, &policy, &in, &state, &run.NeedsHumanEdit,
		&run.ArtifactID, &run.ErrorCode, &run.ErrorMessage, &run.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	run.IdempotencyKey = idem.String
	if len(scope) > 0 {
		run.Scope = &api.Scope{}
		if err := decodeJSON(scope, run.Scope); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(policy, &run.Policy); err != nil {
		return nil, err
	}
	if err := decodeJSON(state, &run.State); err != nil {
		return nil, err
	}
	run.Input = rawJSON(in)
	run.CreatedAt = fromUnixNano(created)
	run.UpdatedAt = fromUnixNano(updated)
	return &run, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *api.Run) error {
	r, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("persistence: encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (`+runColumns+`, next_event_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT DO NOTHING`),
		run.ID, run.ProjectID, run.OrgID, run.CreatorID, run.Workflow, string(run.Status),
		run.Progress, nullString(run.IdempotencyKey), run.RequestHash, run.CancelRequested,
		run.ParentRunID, r.scope, r.policy, []byte(run.Input), r.state, run.NeedsHumanEdit,
		run.ArtifactID, string(run.ErrorCode), run.ErrorMessage, run.Version,
		unixNano(run.CreatedAt), unixNano(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("persistence: create run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get run: %w", err)
	}
	return run, nil
}

func (s *SQLStore) FindRunByIdempotencyKey(ctx context.Context, orgID, creatorID, key string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE org_id = ? AND creator_id = ? AND idempotency_key = ?`),
		orgID, creatorID, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: find run: %w", err)
	}
	return run, nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *api.Run, expectStatus api.RunStatus) error {
	r, err := encodeRun(run)
	if err != nil {
		return fmt.Errorf("persistence: encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs
		SET status = ?, progress = ?, cancel_requested = ?, scope = ?, policy = ?,
			input = ?, state = ?, needs_human_edit = ?, artifact_id = ?, error_code = ?,
			error_message = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`),
		string(run.Status), run.Progress, run.CancelRequested, r.scope, r.policy,
		[]byte(run.Input), r.state, run.NeedsHumanEdit, run.ArtifactID, string(run.ErrorCode),
		run.ErrorMessage, unixNano(run.UpdatedAt),
		run.ID, string(expectStatus), run.Version,
	)
	if err != nil {
		return fmt.Errorf("persistence: update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	run.Version++
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

const stepColumns = `id, run_id, step_key, base_key, iteration, step_type, handler, status,
	attempt, input_json, input_hash, output_json, error_code, error_message, metrics,
	created_at, started_at, finished_at`

func scanStep(row rowScanner) (*api.RunStep, error) {
	var (
		st                api.RunStep
		in, out, metrics  []byte
		created           int64
		started, finished sql.NullInt64
	)
	err := row.Scan(&st.ID, &st.RunID, &st.StepKey, &st.BaseKey, &st.Iteration, &st.Type,
		&st.Handler, &st.Status, &st.Attempt, &in, &st.InputHash, &out, &st.ErrorCode,
		&st.ErrorMessage, &metrics, &created, &started, &finished)
	if err != nil {
		return nil, err
	}
	st.InputJSON = rawJSON(in)
	st.OutputJSON = rawJSON(out)
	if err := decodeJSON(metrics, &st.Metrics); err != nil {
		return nil, err
	}
	st.CreatedAt = fromUnixNano(created)
	st.StartedAt = fromNullTime(started)
	st.FinishedAt = fromNullTime(finished)
	return &st, nil
}

func (s *SQLStore) CreateStep(ctx context.Context, step *api.RunStep) error {
	metrics, err := encodeJSON(step.Metrics)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		step.ID, step.RunID, step.StepKey, step.BaseKey, step.Iteration, string(step.Type),
		step.Handler, string(step.Status), step.Attempt, []byte(step.InputJSON), step.InputHash,
		[]byte(step.OutputJSON), string(step.ErrorCode), step.ErrorMessage, metrics,
		unixNano(step.CreatedAt), nullTime(step.StartedAt), nullTime(step.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("persistence: create step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) GetStep(ctx context.Context, runID, stepKey string) (*api.RunStep, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_key = ?`), runID, stepKey)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get step: %w", err)
	}
	return st, nil
}

func (s *SQLStore) UpdateStep(ctx context.Context, step *api.RunStep) error {
	metrics, err := encodeJSON(step.Metrics)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE steps
		SET status = ?, attempt = ?, input_json = ?, input_hash = ?, output_json = ?,
			error_code = ?, error_message = ?, metrics = ?, started_at = ?, finished_at = ?
		WHERE run_id = ? AND step_key = ? AND status NOT IN ('succeeded', 'skipped', 'cancelled')`),
		string(step.Status), step.Attempt, []byte(step.InputJSON), step.InputHash,
		[]byte(step.OutputJSON), string(step.ErrorCode), step.ErrorMessage, metrics,
		nullTime(step.StartedAt), nullTime(step.FinishedAt),
		step.RunID, step.StepKey,
	)
	if err != nil {
		return fmt.Errorf("persistence: update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetStep(ctx, step.RunID, step.StepKey); err != nil {
			return err
		}
		return ErrStepFinal
	}
	return nil
}

func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]*api.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY ord`), runID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*api.RunStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// AppendEvent allocates the sequence number from runs.next_event_seq in the
// same transaction as the insert, so concurrent appenders never collide.
func (s *SQLStore) AppendEvent(ctx context.Context, runID string, typ api.EventType, payload json.RawMessage, at time.Time) (api.RunEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.RunEvent{}, fmt.Errorf("persistence: append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		UPDATE runs SET next_event_seq = next_event_seq + 1
		WHERE id = ?
		RETURNING next_event_seq`), runID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return api.RunEvent{}, ErrRunNotFound
	}
	if err != nil {
		return api.RunEvent{}, fmt.Errorf("persistence: allocate event seq: %w", err)
	}

	ev := api.RunEvent{
		RunID:   runID,
		Seq:     next - 1,
		Type:    typ,
		Payload: append(json.RawMessage(nil), payload...),
		At:      at,
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO events (run_id, seq, event_type, payload, at)
		VALUES (?, ?, ?, ?, ?)`),
		runID, ev.Seq, string(typ), []byte(payload), unixNano(at),
	); err != nil {
		return api.RunEvent{}, fmt.Errorf("persistence: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return api.RunEvent{}, fmt.Errorf("persistence: commit event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]api.RunEvent, error) {
	q := `SELECT run_id, seq, event_type, payload, at FROM events
		WHERE run_id = ? AND seq > ? ORDER BY seq`
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("persistence: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []api.RunEvent
	for rows.Next() {
		var (
			ev      api.RunEvent
			payload []byte
			at      int64
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &payload, &at); err != nil {
			return nil, err
		}
		ev.Payload = rawJSON(payload)
		ev.At = fromUnixNano(at)
		result = append(result, ev)
	}
	return result, rows.Err()
}

const artifactColumns = `id, project_id, run_id, parent_run_id, version, checksum,
	needs_human_edit, issues, ir, plan, created_at`

func scanArtifact(row rowScanner) (*api.ArtifactVersion, error) {
	var (
		a                api.ArtifactVersion
		issues, ir, plan []byte
		created          int64
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.RunID, &a.ParentRunID, &a.Version, &a.Checksum,
		&a.NeedsHumanEdit, &issues, &ir, &plan, &created)
	if err != nil {
		return nil, err
	}
	a.Issues = rawJSON(issues)
	a.IR = rawJSON(ir)
	a.Plan = rawJSON(plan)
	a.CreatedAt = fromUnixNano(created)
	return &a, nil
}

// CreateArtifact picks the next project version and inserts in one
// transaction; the (project_id, version) unique index rejects a concurrent
// writer that picked the same number.
func (s *SQLStore) CreateArtifact(ctx context.Context, a *api.ArtifactVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: create artifact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE project_id = ?`),
		a.ProjectID).Scan(&version); err != nil {
		return fmt.Errorf("persistence: next artifact version: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		a.ID, a.ProjectID, a.RunID, a.ParentRunID, version, a.Checksum, a.NeedsHumanEdit,
		[]byte(a.Issues), []byte(a.IR), []byte(a.Plan), unixNano(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("persistence: create artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit artifact: %w", err)
	}
	a.Version = version
	return nil
}

func (s *SQLStore) GetArtifact(ctx context.Context, id string) (*api.ArtifactVersion, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`), id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get artifact: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListArtifacts(ctx context.Context, projectID string) ([]*api.ArtifactVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+artifactColumns+` FROM artifacts WHERE project_id = ? ORDER BY version DESC`), projectID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*api.ArtifactVersion
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
