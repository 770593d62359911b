package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/hitlgate/pkg/persistence/sqlbase"
	"github.com/google/uuid"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type stepRecord struct {
	name   string
	output json.RawMessage
}

type signalRecord struct {
	id      string
	payload json.RawMessage
}

// store holds every SQL statement of the engine. Methods taking an execer run inside the
// caller's transaction.
type store struct {
	db      *sql.DB
	dialect sqlbase.Dialect
}

func affected(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

func (s *store) insertWorkflow(ctx context.Context, q execer, id, name string, input []byte, now time.Time) (bool, error) {
	inserted, err := affected(q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO durable_workflows (workflow_id, name, input, status, lease_until, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (workflow_id) DO NOTHING
	`), id, name, string(input), string(StatusEnqueued), now.UnixMilli(), now.UnixMilli()))
	if err != nil {
		return false, fmt.Errorf("failed to insert workflow %s: %w", id, err)
	}

	return inserted, nil
}

func (s *store) getWorkflow(ctx context.Context, id string) (*WorkflowStatus, error) {
	var (
		status                               WorkflowStatus
		state, input                         string
		output, errText, waitingTopic, owner sql.NullString
		createdAt, updatedAt                 int64
	)

	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT workflow_id, name, input, status, output, error, waiting_topic, owner, attempts, created_at, updated_at
		FROM durable_workflows
		WHERE workflow_id = ?
	`), id).Scan(
		&status.WorkflowID, &status.Name, &input, &state, &output, &errText, &waitingTopic, &owner,
		&status.Attempts, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}

		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}

	status.Status = Status(state)
	status.Input = json.RawMessage(input)
	status.Error = errText.String
	status.WaitingTopic = waitingTopic.String
	status.CreatedAt = time.UnixMilli(createdAt).UTC()
	status.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if output.Valid {
		status.Output = json.RawMessage(output.String)
	}

	return &status, nil
}

// claim takes the lease of a run that is enqueued or whose previous lease lapsed.
func (s *store) claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	claimed, err := affected(s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_workflows
		SET status = ?, owner = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
		WHERE workflow_id = ? AND (status = ? OR (status = ? AND lease_until < ?))
	`), string(StatusPending), owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
		id, string(StatusEnqueued), string(StatusPending), now.UnixMilli()))
	if err != nil {
		return false, fmt.Errorf("failed to claim workflow %s: %w", id, err)
	}

	return claimed, nil
}

func (s *store) claimable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT workflow_id
		FROM durable_workflows
		WHERE status = ? OR (status = ? AND lease_until < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`), string(StatusEnqueued), string(StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable workflows: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var ids []string

	for rows.Next() {
		var id string

		err := rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimable workflows: %w", err)
	}

	return ids, nil
}

func (s *store) renew(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	renewed, err := affected(s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_workflows SET lease_until = ?
		WHERE workflow_id = ? AND owner = ? AND status = ?
	`), until.UnixMilli(), id, owner, string(StatusPending)))
	if err != nil {
		return false, fmt.Errorf("failed to renew lease of %s: %w", id, err)
	}

	return renewed, nil
}

// release gives the lease back so the next sweep or Resume picks the run up immediately.
func (s *store) release(ctx context.Context, id, owner string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_workflows SET lease_until = 0, updated_at = ?
		WHERE workflow_id = ? AND owner = ? AND status = ?
	`), now.UnixMilli(), id, owner, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to release workflow %s: %w", id, err)
	}

	return nil
}

func (s *store) finish(ctx context.Context, id, owner string, status Status, output []byte, errText string, now time.Time) (bool, error) {
	var outputValue, errValue any

	if output != nil {
		outputValue = string(output)
	}

	if errText != "" {
		errValue = errText
	}

	finished, err := affected(s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_workflows
		SET status = ?, output = ?, error = ?, waiting_topic = NULL, lease_until = 0, updated_at = ?
		WHERE workflow_id = ? AND owner = ? AND status = ?
	`), string(status), outputValue, errValue, now.UnixMilli(), id, owner, string(StatusPending)))
	if err != nil {
		return false, fmt.Errorf("failed to settle workflow %s: %w", id, err)
	}

	return finished, nil
}

func (s *store) cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	cancelled, err := affected(s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_workflows
		SET status = ?, waiting_topic = NULL, lease_until = 0, updated_at = ?
		WHERE workflow_id = ? AND status IN (?, ?)
	`), string(StatusCancelled), now.UnixMilli(), id, string(StatusEnqueued), string(StatusPending)))
	if err != nil {
		return false, fmt.Errorf("failed to cancel workflow %s: %w", id, err)
	}

	return cancelled, nil
}

func (s *store) setWaiting(ctx context.Context, id, topic string) error {
	var value any
	if topic != "" {
		value = topic
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_workflows SET waiting_topic = ? WHERE workflow_id = ? AND status = ?
	`), value, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update waiting topic of %s: %w", id, err)
	}

	return nil
}

func (s *store) loadSteps(ctx context.Context, id string) (map[int]stepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT seq, name, output FROM durable_steps WHERE workflow_id = ?
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of %s: %w", id, err)
	}

	defer func() { _ = rows.Close() }()

	steps := make(map[int]stepRecord)

	for rows.Next() {
		var (
			seq          int
			name, output string
		)

		err := rows.Scan(&seq, &name, &output)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps[seq] = stepRecord{name: name, output: json.RawMessage(output)}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}

	return steps, nil
}

func (s *store) getStep(ctx context.Context, q execer, id string, seq int) (stepRecord, error) {
	var record stepRecord

	var output string

	err := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT name, output FROM durable_steps WHERE workflow_id = ? AND seq = ?
	`), id, seq).Scan(&record.name, &output)
	if err != nil {
		return record, fmt.Errorf("failed to read step %d of %s: %w", seq, id, err)
	}

	record.output = json.RawMessage(output)

	return record, nil
}

// insertStep records the outcome of seq. It reports false when another executor recorded it first.
func (s *store) insertStep(ctx context.Context, q execer, id string, seq int, name string, output []byte, now time.Time) (bool, error) {
	inserted, err := affected(q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO durable_steps (workflow_id, seq, name, output, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, seq) DO NOTHING
	`), id, seq, name, string(output), now.UnixMilli()))
	if err != nil {
		return false, fmt.Errorf("failed to record step %d of %s: %w", seq, id, err)
	}

	return inserted, nil
}

func (s *store) getEvent(ctx context.Context, q execer, id, key string) (json.RawMessage, bool, error) {
	var value string

	err := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT value FROM durable_events WHERE workflow_id = ? AND event_key = ?
	`), id, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to read event %s of %s: %w", key, id, err)
	}

	return json.RawMessage(value), true, nil
}

func (s *store) upsertEvent(ctx context.Context, q execer, id, key string, value []byte, now time.Time) error {
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO durable_events (workflow_id, event_key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, event_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), id, key, string(value), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write event %s of %s: %w", key, id, err)
	}

	return nil
}

func (s *store) insertEventOnce(ctx context.Context, q execer, id, key string, value []byte, now time.Time) (bool, error) {
	inserted, err := affected(q.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO durable_events (workflow_id, event_key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, event_key) DO NOTHING
	`), id, key, string(value), now.UnixMilli(), now.UnixMilli()))
	if err != nil {
		return false, fmt.Errorf("failed to write event %s of %s: %w", key, id, err)
	}

	return inserted, nil
}

func (s *store) insertSignal(ctx context.Context, id, topic, dedupeKey string, payload []byte, now time.Time) (bool, error) {
	inserted, err := affected(s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO durable_signals (id, workflow_id, topic, dedupe_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, topic, dedupe_key) DO NOTHING
	`), uuid.NewString(), id, topic, dedupeKey, string(payload), now.UnixMilli()))
	if err != nil {
		return false, fmt.Errorf("failed to store signal for %s on %s: %w", id, topic, err)
	}

	return inserted, nil
}

// nextSignal returns the oldest unconsumed signal on topic stored before deadline.
// Signals stored at or after the deadline never satisfy the wait.
func (s *store) nextSignal(ctx context.Context, q execer, id, topic string, deadline time.Time) (*signalRecord, error) {
	var (
		record  signalRecord
		payload string
	)

	err := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, payload FROM durable_signals
		WHERE workflow_id = ? AND topic = ? AND consumed_seq IS NULL AND created_at < ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`), id, topic, deadline.UnixMilli()).Scan(&record.id, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read signals of %s on %s: %w", id, topic, err)
	}

	record.payload = json.RawMessage(payload)

	return &record, nil
}

func (s *store) consumeSignal(ctx context.Context, q execer, signalID string, seq int) (bool, error) {
	consumed, err := affected(q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE durable_signals SET consumed_seq = ? WHERE id = ? AND consumed_seq IS NULL
	`), seq, signalID))
	if err != nil {
		return false, fmt.Errorf("failed to consume signal %s: %w", signalID, err)
	}

	return consumed, nil
}

// waitDeadline persists the deadline of the wait at seq on first call and returns the stored one.
func (s *store) waitDeadline(ctx context.Context, id string, seq int, topic string, deadline, now time.Time) (time.Time, error) {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO durable_waits (workflow_id, seq, topic, deadline_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, seq) DO NOTHING
	`), id, seq, topic, deadline.UnixMilli(), now.UnixMilli())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to record wait of %s: %w", id, err)
	}

	var deadlineAt int64

	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT deadline_at FROM durable_waits WHERE workflow_id = ? AND seq = ?
	`), id, seq).Scan(&deadlineAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read wait of %s: %w", id, err)
	}

	return time.UnixMilli(deadlineAt), nil
}

func (s *store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
