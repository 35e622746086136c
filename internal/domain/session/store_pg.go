package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthtwin/healthtwin/internal/domain/record"
	"github.com/healthtwin/healthtwin/internal/platform/db"
)

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pool interface {
	queryable
	db.Beginner
}

// PGStore persists sessions in the workflow_session and conversation_turn
// tables. Every Get builds a fresh Session; wrap it in a CachedStore to share
// live sessions across requests.
type PGStore struct {
	pool    pool
	welcome string
}

func NewPGStore(p *pgxpool.Pool, welcome string) *PGStore {
	return newPGStore(p, welcome)
}

func newPGStore(p pool, welcome string) *PGStore {
	if welcome == "" {
		welcome = DefaultWelcome
	}
	return &PGStore{pool: p, welcome: welcome}
}

func (r *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionColumns = `id, phase, input_view, health_record, result, explanation, notices, created_at, updated_at`

func (r *PGStore) Create(ctx context.Context, s *Session) error {
	st := s.State()
	rec, res, notices, err := encodeState(st)
	if err != nil {
		return err
	}

	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO workflow_session (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			st.ID, string(st.Phase), string(st.View), rec, res, st.Explanation, notices, st.CreatedAt, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return r.writeTurns(ctx, st.ID, st.Turns)
	})
}

func (r *PGStore) Save(ctx context.Context, s *Session) error {
	st := s.State()
	rec, res, notices, err := encodeState(st)
	if err != nil {
		return err
	}

	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE workflow_session SET
				phase = $2, input_view = $3, health_record = $4, result = $5,
				explanation = $6, notices = $7, updated_at = $8
			WHERE id = $1`,
			st.ID, string(st.Phase), string(st.View), rec, res, st.Explanation, notices, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM conversation_turn WHERE session_id = $1`, st.ID); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		return r.writeTurns(ctx, st.ID, st.Turns)
	})
}

func (r *PGStore) writeTurns(ctx context.Context, id uuid.UUID, turns []Turn) error {
	for i, t := range turns {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO conversation_turn (session_id, seq, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			id, i, string(t.Role), t.Content, t.At,
		)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	return nil
}

func (r *PGStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	st, err := r.scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionColumns+` FROM workflow_session WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if st.Turns, err = r.loadTurns(ctx, id); err != nil {
		return nil, err
	}
	return Restore(st), nil
}

func (r *PGStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM workflow_session WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGStore) List(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM workflow_session`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sessionColumns+` FROM workflow_session ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	var states []State
	for rows.Next() {
		st, err := r.scanState(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		states = append(states, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	out := make([]*Session, 0, len(states))
	for _, st := range states {
		if st.Turns, err = r.loadTurns(ctx, st.ID); err != nil {
			return nil, 0, err
		}
		out = append(out, Restore(st))
	}
	return out, total, nil
}

func (r *PGStore) loadTurns(ctx context.Context, id uuid.UUID) ([]Turn, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT role, content, created_at FROM conversation_turn WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var role, content string
		var at time.Time
		if err := rows.Scan(&role, &content, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, Turn{Role: Role(role), Content: content, At: at})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

func (r *PGStore) scanState(row pgx.Row) (State, error) {
	var (
		st                State
		phase, view       string
		rec, res, notices []byte
	)
	err := row.Scan(&st.ID, &phase, &view, &rec, &res, &st.Explanation, &notices, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("scan session: %w", err)
	}

	st.Phase = Phase(phase)
	st.View = View(view)
	st.Welcome = r.welcome

	var hr record.HealthRecord
	if len(rec) > 0 {
		if err := json.Unmarshal(rec, &hr); err != nil {
			return State{}, fmt.Errorf("decode health record: %w", err)
		}
	}
	st.Record = hr.Snapshot()

	if len(res) > 0 && string(res) != "null" {
		st.Result = &AnalysisResult{}
		if err := json.Unmarshal(res, st.Result); err != nil {
			return State{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(notices) > 0 {
		if err := json.Unmarshal(notices, &st.Notices); err != nil {
			return State{}, fmt.Errorf("decode notices: %w", err)
		}
	}
	return st, nil
}

func encodeState(st State) (rec, res, notices []byte, err error) {
	if rec, err = json.Marshal(st.Record); err != nil {
		return nil, nil, nil, fmt.Errorf("encode health record: %w", err)
	}
	if st.Result != nil {
		if res, err = json.Marshal(st.Result); err != nil {
			return nil, nil, nil, fmt.Errorf("encode result: %w", err)
		}
	}
	if st.Notices == nil {
		st.Notices = []Notice{}
	}
	if notices, err = json.Marshal(st.Notices); err != nil {
		return nil, nil, nil, fmt.Errorf("encode notices: %w", err)
	}
	return rec, res, notices, nil
}
