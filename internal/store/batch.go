package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/internal/batch"
)

// CreateBatch implements batch.Store: insert the parent row and every
// child row in one transaction.
func (s *Store) CreateBatch(ctx context.Context, cmd batch.Command, children []batch.Child) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin create batch tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	targetIDs, err := json.Marshal(cmd.TargetHostIDs)
	if err != nil {
		return fmt.Errorf("store: marshal target host ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_command_tasks
			(uuid, owner_user_id, content, script_ref, target_host_ids, working_directory, alias, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		cmd.UUID, cmd.OwnerUserID, cmd.Content, cmd.ScriptRef, targetIDs, cmd.WorkingDirectory, cmd.Alias,
		string(cmd.Status), cmd.CreatedAt, cmd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert batch command: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO child_command_tasks (uuid, parent_uuid, host_id, status)
		VALUES ($1,$2,$3,$4)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert child command: %w", err)
	}
	defer stmt.Close()

	for _, c := range children {
		if _, err := stmt.ExecContext(ctx, c.UUID, c.ParentUUID, c.HostID, string(c.Status)); err != nil {
			return fmt.Errorf("store: insert child command %s: %w", c.UUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit create batch tx: %w", err)
	}
	return nil
}

// UpdateChildStatus implements batch.Store.
func (s *Store) UpdateChildStatus(ctx context.Context, childUUID string, status batch.ChildStatus, exitCode int, errMsg string) error {
	var startedAt, completedAt any
	if status == batch.ChildSentToAgent || status == batch.ChildAgentAccepted || status == batch.ChildExecuting {
		startedAt = time.Now().UTC()
	}
	if status.IsTerminal() {
		completedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE child_command_tasks SET
			status = $2, exit_code = $3, error_message = $4,
			agent_started_at = COALESCE(agent_started_at, $5),
			agent_completed_at = COALESCE($6, agent_completed_at)
		WHERE uuid = $1`, childUUID, string(status), exitCode, errMsg, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("store: update child status %s: %w", childUUID, err)
	}
	return nil
}

// UpdateChildOutputTime implements batch.Store.
func (s *Store) UpdateChildOutputTime(ctx context.Context, childUUID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE child_command_tasks SET last_output_at = $2 WHERE uuid = $1`, childUUID, at)
	if err != nil {
		return fmt.Errorf("store: update child output time %s: %w", childUUID, err)
	}
	return nil
}

// ChildStatuses implements batch.Store.
func (s *Store) ChildStatuses(ctx context.Context, batchUUID string) ([]batch.ChildStatus, error) {
	var raw []string
	if err := s.db.SelectContext(ctx, &raw, `SELECT status FROM child_command_tasks WHERE parent_uuid = $1`, batchUUID); err != nil {
		return nil, fmt.Errorf("store: list child statuses for %s: %w", batchUUID, err)
	}
	out := make([]batch.ChildStatus, len(raw))
	for i, r := range raw {
		out[i] = batch.ChildStatus(r)
	}
	return out, nil
}

type childRow struct {
	UUID             string         `db:"uuid"`
	ParentUUID       string         `db:"parent_uuid"`
	HostID           int64          `db:"host_id"`
	Status           string         `db:"status"`
	ExitCode         int            `db:"exit_code"`
	ErrorMessage     string         `db:"error_message"`
	AgentStartedAt   sql.NullTime   `db:"agent_started_at"`
	AgentCompletedAt sql.NullTime   `db:"agent_completed_at"`
	LastOutputAt     sql.NullTime   `db:"last_output_at"`
}

func (r childRow) toChild() batch.Child {
	c := batch.Child{
		UUID:         r.UUID,
		ParentUUID:   r.ParentUUID,
		HostID:       r.HostID,
		Status:       batch.ChildStatus(r.Status),
		ExitCode:     r.ExitCode,
		ErrorMessage: r.ErrorMessage,
	}
	if r.AgentStartedAt.Valid {
		t := r.AgentStartedAt.Time
		c.AgentStartedAt = &t
	}
	if r.AgentCompletedAt.Valid {
		t := r.AgentCompletedAt.Time
		c.AgentCompletedAt = &t
	}
	if r.LastOutputAt.Valid {
		t := r.LastOutputAt.Time
		c.LastOutputAt = &t
	}
	return c
}

// Child implements batch.Store.
func (s *Store) Child(ctx context.Context, childUUID string) (batch.Child, error) {
	var row childRow
	err := s.db.GetContext(ctx, &row, `
		SELECT uuid, parent_uuid, host_id, status, exit_code, error_message,
		       agent_started_at, agent_completed_at, last_output_at
		FROM child_command_tasks WHERE uuid = $1`, childUUID)
	if err != nil {
		return batch.Child{}, fmt.Errorf("store: load child %s: %w", childUUID, err)
	}
	return row.toChild(), nil
}

// Children returns every child row of a batch, for the batch-detail DTO.
func (s *Store) Children(ctx context.Context, batchUUID string) ([]batch.Child, error) {
	var rows []childRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT uuid, parent_uuid, host_id, status, exit_code, error_message,
		       agent_started_at, agent_completed_at, last_output_at
		FROM child_command_tasks WHERE parent_uuid = $1`, batchUUID)
	if err != nil {
		return nil, fmt.Errorf("store: load children for %s: %w", batchUUID, err)
	}
	out := make([]batch.Child, len(rows))
	for i, r := range rows {
		out[i] = r.toChild()
	}
	return out, nil
}

// NonTerminalChildren implements batch.Store.
func (s *Store) NonTerminalChildren(ctx context.Context, batchUUID string) ([]batch.Child, error) {
	var rows []childRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT uuid, parent_uuid, host_id, status, exit_code, error_message,
		       agent_started_at, agent_completed_at, last_output_at
		FROM child_command_tasks
		WHERE parent_uuid = $1
		  AND status NOT IN ('CompletedSuccessfully','CompletedWithFailure','Terminated','AgentUnreachable','TimedOut','AgentError')`,
		batchUUID)
	if err != nil {
		return nil, fmt.Errorf("store: load non-terminal children for %s: %w", batchUUID, err)
	}
	out := make([]batch.Child, len(rows))
	for i, r := range rows {
		out[i] = r.toChild()
	}
	return out, nil
}

// UpdateBatchStatus implements batch.Store, returning the status that was
// in place before this update so callers can detect a real transition.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchUUID string, status batch.Status) (batch.Status, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin update batch status tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prev string
	if err := tx.GetContext(ctx, &prev, `SELECT status FROM batch_command_tasks WHERE uuid = $1 FOR UPDATE`, batchUUID); err != nil {
		return "", fmt.Errorf("store: load batch status %s: %w", batchUUID, err)
	}

	var completedAt any
	if status.IsTerminal() {
		completedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_command_tasks SET status = $2, updated_at = now(), completed_at = COALESCE($3, completed_at)
		WHERE uuid = $1`, batchUUID, string(status), completedAt); err != nil {
		return "", fmt.Errorf("store: update batch status %s: %w", batchUUID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit update batch status tx: %w", err)
	}
	return batch.Status(prev), nil
}

type batchRow struct {
	UUID             string         `db:"uuid"`
	OwnerUserID      int64          `db:"owner_user_id"`
	Content          string         `db:"content"`
	ScriptRef        string         `db:"script_ref"`
	TargetHostIDs    []byte         `db:"target_host_ids"`
	WorkingDirectory string         `db:"working_directory"`
	Alias            string         `db:"alias"`
	Status           string         `db:"status"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
}

// Batch implements batch.Store.
func (s *Store) Batch(ctx context.Context, batchUUID string) (batch.Command, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT uuid, owner_user_id, content, script_ref, target_host_ids, working_directory, alias,
		       status, created_at, updated_at, completed_at
		FROM batch_command_tasks WHERE uuid = $1`, batchUUID)
	if err != nil {
		return batch.Command{}, fmt.Errorf("store: load batch %s: %w", batchUUID, err)
	}

	var targetIDs []int64
	_ = json.Unmarshal(row.TargetHostIDs, &targetIDs)

	cmd := batch.Command{
		UUID:             row.UUID,
		OwnerUserID:      row.OwnerUserID,
		Content:          row.Content,
		ScriptRef:        row.ScriptRef,
		TargetHostIDs:    targetIDs,
		WorkingDirectory: row.WorkingDirectory,
		Alias:            row.Alias,
		Status:           batch.Status(row.Status),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		cmd.CompletedAt = &t
	}
	return cmd, nil
}
