package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/companion/internal/scenario"
)

// LedgerEntry is one physical message observed on the transport, in either
// direction. Empty InstanceID means the message never resolved.
type LedgerEntry struct {
	Seq            int64
	ChatID         string
	MessageID      int64
	UserID         string
	InstanceID     string
	Direction      scenario.Direction
	BotStepKind    string
	StateAtArrival scenario.State
	PreviewText    string
	CreatedAt      time.Time
	ProcessedAt    time.Time
}

func (e LedgerEntry) Resolved() bool  { return e.InstanceID != "" }
func (e LedgerEntry) Processed() bool { return !e.ProcessedAt.IsZero() }

// SweepEntry is an unprocessed user entry joined with its owning instance.
type SweepEntry struct {
	LedgerEntry
	OwnerID  string
	Scenario scenario.Type
}

const ledgerColumns = `seq, chat_id, message_id, user_id, instance_id, direction, bot_step_kind,
	state_at_arrival, preview_text, created_at, processed_at`

// AppendLedger records an entry once per (chat, message). It returns the
// stored row and whether this call inserted it.
func (s *Store) AppendLedger(ctx context.Context, e LedgerEntry) (LedgerEntry, bool, error) {
	if e.ChatID == "" || e.MessageID == 0 {
		return LedgerEntry{}, false, fmt.Errorf("append ledger: chat and message id are required")
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO ledger_entries
		(chat_id, message_id, user_id, instance_id, direction, bot_step_kind, state_at_arrival,
		 preview_text, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT DO NOTHING`),
		e.ChatID, e.MessageID, e.UserID, nullString(e.InstanceID), string(e.Direction),
		nullString(e.BotStepKind), nullString(string(e.StateAtArrival)), e.PreviewText, toNanos(e.CreatedAt),
	)
	s.mu.Unlock()
	if err != nil {
		return LedgerEntry{}, false, persistErr("insert ledger entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LedgerEntry{}, false, persistErr("insert ledger entry", err)
	}
	stored, err := s.LedgerEntry(ctx, e.ChatID, e.MessageID)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return stored, n == 1, nil
}

// LedgerEntry returns the entry for a transport message.
func (s *Store) LedgerEntry(ctx context.Context, chatID string, messageID int64) (LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+ledgerColumns+`
		FROM ledger_entries WHERE chat_id = ? AND message_id = ?`), chatID, messageID)
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, fmt.Errorf("ledger entry %s/%d: %w", chatID, messageID, scenario.ErrNotFound)
	}
	if err != nil {
		return LedgerEntry{}, persistErr("get ledger entry", err)
	}
	return e, nil
}

// InstanceLedger lists every entry of an instance in arrival order.
func (s *Store) InstanceLedger(ctx context.Context, instanceID string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+ledgerColumns+`
		FROM ledger_entries WHERE instance_id = ? ORDER BY created_at, seq`), instanceID)
	if err != nil {
		return nil, persistErr("list instance ledger", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, persistErr("scan ledger entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate ledger", err)
	}
	return out, nil
}

// UnprocessedUserEntries returns resolved, non-empty user entries that no
// sweep has consumed yet, ordered by instance and then arrival.
func (s *Store) UnprocessedUserEntries(ctx context.Context) ([]SweepEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT
		l.seq, l.chat_id, l.message_id, l.user_id, l.instance_id, l.direction, l.bot_step_kind,
		l.state_at_arrival, l.preview_text, l.created_at, l.processed_at,
		i.user_id, i.scenario_type
		FROM ledger_entries l
		JOIN scenario_instances i ON i.id = l.instance_id
		WHERE l.direction = ? AND l.processed_at IS NULL AND l.preview_text <> ''
		ORDER BY i.created_at, l.instance_id, l.created_at, l.seq`), string(scenario.DirectionUser))
	if err != nil {
		return nil, persistErr("list unprocessed entries", err)
	}
	defer rows.Close()

	var out []SweepEntry
	for rows.Next() {
		var (
			se  SweepEntry
			typ string
		)
		e, err := scanLedgerWith(rows, &se.OwnerID, &typ)
		if err != nil {
			return nil, persistErr("scan unprocessed entry", err)
		}
		se.LedgerEntry = e
		se.Scenario = scenario.Type(typ)
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate unprocessed entries", err)
	}
	return out, nil
}

func scanLedger(row rowScanner) (LedgerEntry, error) {
	return scanLedgerWith(row)
}

func scanLedgerWith(row rowScanner, extra ...any) (LedgerEntry, error) {
	var (
		e                    LedgerEntry
		instanceID, stepKind sql.NullString
		stateAtArrival       sql.NullString
		direction            string
		createdAt            int64
		processedAt          sql.NullInt64
	)
	dest := []any{&e.Seq, &e.ChatID, &e.MessageID, &e.UserID, &instanceID, &direction, &stepKind,
		&stateAtArrival, &e.PreviewText, &createdAt, &processedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return LedgerEntry{}, err
	}
	e.InstanceID = instanceID.String
	e.BotStepKind = stepKind.String
	e.StateAtArrival = scenario.State(stateAtArrival.String)
	e.Direction = scenario.Direction(direction)
	e.CreatedAt = fromNanos(createdAt)
	if processedAt.Valid {
		e.ProcessedAt = fromNanos(processedAt.Int64)
	}
	return e, nil
}
