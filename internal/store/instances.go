package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/companion/internal/scenario"
)

const instanceColumns = `id, user_id, chat_id, scenario_type, current_state, delivery_mode, thread_id,
	step_pointers, completion_flags, launch_day, created_at, last_interaction_at`

// CreateInstance inserts a new instance. A second open instance of the same
// type for the same user and launch day fails with scenario.ErrAlreadyOpen.
func (s *Store) CreateInstance(ctx context.Context, inst scenario.Instance) error {
	if inst.ID == "" || inst.UserID == "" || inst.ChatID == "" {
		return fmt.Errorf("create instance: id, user and chat are required")
	}
	if inst.Mode == "" {
		inst.Mode = scenario.Direct
	}
	pointers, err := json.Marshal(nonNilPointers(inst.StepPointers))
	if err != nil {
		return fmt.Errorf("marshal step pointers: %w", err)
	}
	flags, err := json.Marshal(nonNilFlags(inst.CompletionFlags))
	if err != nil {
		return fmt.Errorf("marshal completion flags: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO scenario_instances
		(id, user_id, chat_id, scenario_type, current_state, delivery_mode, thread_id,
		 step_pointers, completion_flags, is_open, launch_day, created_at, last_interaction_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		inst.ID, inst.UserID, inst.ChatID, string(inst.Type), string(inst.State), string(inst.Mode),
		nullInt64(inst.ThreadID), string(pointers), string(flags), boolToInt(inst.Open()),
		inst.LaunchDay, toNanos(inst.CreatedAt), toNanos(inst.LastInteractionAt),
	)
	if err != nil {
		return persistErr("insert instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("insert instance", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing inserted: work out which constraint held.
	if _, err := s.getInstance(ctx, inst.ID); err == nil {
		return fmt.Errorf("instance %s: %w", inst.ID, scenario.ErrAlreadyExists)
	}
	if inst.ThreadID != 0 {
		if other, err := s.instanceByThread(ctx, inst.ChatID, inst.ThreadID); err == nil {
			return fmt.Errorf("thread %d already anchors instance %s: %w", inst.ThreadID, other.ID, scenario.ErrAlreadyExists)
		}
	}
	return fmt.Errorf("%s for user %s on %s: %w", inst.Type, inst.UserID, inst.LaunchDay, scenario.ErrAlreadyOpen)
}

func (s *Store) GetInstance(ctx context.Context, id string) (scenario.Instance, error) {
	return s.getInstance(ctx, id)
}

func (s *Store) getInstance(ctx context.Context, id string) (scenario.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+instanceColumns+`
		FROM scenario_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scenario.Instance{}, fmt.Errorf("instance %s: %w", id, scenario.ErrNotFound)
	}
	if err != nil {
		return scenario.Instance{}, persistErr("get instance", err)
	}
	return inst, nil
}

// InstanceByThread returns the instance anchored to a shared thread.
func (s *Store) InstanceByThread(ctx context.Context, chatID string, threadID int64) (scenario.Instance, error) {
	return s.instanceByThread(ctx, chatID, threadID)
}

func (s *Store) instanceByThread(ctx context.Context, chatID string, threadID int64) (scenario.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+instanceColumns+`
		FROM scenario_instances WHERE chat_id = ? AND thread_id = ?`), chatID, threadID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scenario.Instance{}, fmt.Errorf("thread %s/%d: %w", chatID, threadID, scenario.ErrNotFound)
	}
	if err != nil {
		return scenario.Instance{}, persistErr("get instance by thread", err)
	}
	return inst, nil
}

// LatestOpenInstance returns the most recently created open instance of the
// user across all scenario types.
func (s *Store) LatestOpenInstance(ctx context.Context, userID string) (scenario.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+instanceColumns+`
		FROM scenario_instances WHERE user_id = ? AND is_open = 1
		ORDER BY created_at DESC, id DESC LIMIT 1`), userID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scenario.Instance{}, fmt.Errorf("open instance for user %s: %w", userID, scenario.ErrNotFound)
	}
	if err != nil {
		return scenario.Instance{}, persistErr("latest open instance", err)
	}
	return inst, nil
}

// OpenInstances lists open instances, newest first. An empty userID lists all users.
func (s *Store) OpenInstances(ctx context.Context, userID string) ([]scenario.Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM scenario_instances WHERE is_open = 1`
	args := []any{}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, persistErr("list open instances", err)
	}
	defer rows.Close()

	var out []scenario.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, persistErr("scan instance", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate instances", err)
	}
	return out, nil
}

// HasOpenInstance reports whether the user already has an open instance of
// the type launched on day.
func (s *Store) HasOpenInstance(ctx context.Context, userID string, typ scenario.Type, day string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(1) FROM scenario_instances
		WHERE user_id = ? AND scenario_type = ? AND launch_day = ? AND is_open = 1`),
		userID, string(typ), day).Scan(&n)
	if err != nil {
		return false, persistErr("check open instance", err)
	}
	return n > 0, nil
}

// UpdateInstanceState moves an instance from one state to another. The write
// only lands if the stored state still equals from.
func (s *Store) UpdateInstanceState(ctx context.Context, id string, from, to scenario.State, flags []bool, at time.Time) error {
	encoded, err := json.Marshal(nonNilFlags(flags))
	if err != nil {
		return fmt.Errorf("marshal completion flags: %w", err)
	}
	open := scenario.Instance{CompletionFlags: flags}.Open()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`UPDATE scenario_instances
		SET current_state = ?, completion_flags = ?, is_open = ?, last_interaction_at = ?
		WHERE id = ? AND current_state = ?`),
		string(to), string(encoded), boolToInt(open), toNanos(at), id, string(from))
	if err != nil {
		return persistErr("update instance state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update instance state", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.getInstance(ctx, id); err != nil {
		return err
	}
	return persistErr("update instance state", fmt.Errorf("instance %s is no longer in state %q", id, from))
}

// SetStepPointer records the transport message id carrying a step prompt.
func (s *Store) SetStepPointer(ctx context.Context, id, step string, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin tx", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT step_pointers FROM scenario_instances WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("instance %s: %w", id, scenario.ErrNotFound)
	}
	if err != nil {
		return persistErr("read step pointers", err)
	}
	pointers := map[string]int64{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &pointers); err != nil {
			return persistErr("decode step pointers", err)
		}
	}
	pointers[step] = messageID
	encoded, err := json.Marshal(pointers)
	if err != nil {
		return fmt.Errorf("marshal step pointers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE scenario_instances
		SET step_pointers = ?, last_interaction_at = ? WHERE id = ?`), string(encoded), toNanos(at), id); err != nil {
		return persistErr("write step pointers", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit step pointers", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (scenario.Instance, error) {
	var (
		inst                       scenario.Instance
		typ, state, mode           string
		thread                     sql.NullInt64
		pointers, flags            string
		createdAt, lastInteraction int64
	)
	if err := row.Scan(&inst.ID, &inst.UserID, &inst.ChatID, &typ, &state, &mode, &thread,
		&pointers, &flags, &inst.LaunchDay, &createdAt, &lastInteraction); err != nil {
		return scenario.Instance{}, err
	}
	inst.Type = scenario.Type(typ)
	inst.State = scenario.State(state)
	inst.Mode = scenario.DeliveryMode(mode)
	if thread.Valid {
		inst.ThreadID = thread.Int64
	}
	inst.StepPointers = map[string]int64{}
	if pointers != "" {
		if err := json.Unmarshal([]byte(pointers), &inst.StepPointers); err != nil {
			return scenario.Instance{}, fmt.Errorf("decode step pointers: %w", err)
		}
	}
	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &inst.CompletionFlags); err != nil {
			return scenario.Instance{}, fmt.Errorf("decode completion flags: %w", err)
		}
	}
	inst.CreatedAt = fromNanos(createdAt)
	inst.LastInteractionAt = fromNanos(lastInteraction)
	return inst, nil
}

func nonNilPointers(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func nonNilFlags(f []bool) []bool {
	if f == nil {
		return []bool{}
	}
	return f
}
