package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/gym-sniper/internal/db"
)

// queueLockKey serialises writers across processes sharing one database.
const queueLockKey = 0x67796d73

// PGStore keeps the queue in the snipe_queue table.
type PGStore struct {
	db db.Conn
}

func NewPGStore(conn db.Conn) *PGStore {
	return &PGStore{db: conn}
}

const selectEntries = `
select class_id, class_name, trainer, class_time, window_opens_at, status, created_at, resolved_at, message
from snipe_queue
order by window_opens_at, class_id`

const insertEntry = `
insert into snipe_queue (class_id, class_name, trainer, class_time, window_opens_at, status, created_at, resolved_at, message)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PGStore) Load(ctx context.Context) (Queue, error) {
	return loadEntries(ctx, s.db)
}

func (s *PGStore) Update(ctx context.Context, fn func(*Queue) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin queue update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, int64(queueLockKey)); err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}
	q, err := loadEntries(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(&q); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `delete from snipe_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for _, e := range q.Entries {
		if _, err := tx.Exec(ctx, insertEntry,
			e.ClassID, e.ClassName, e.Trainer, e.ClassTime, e.WindowOpensAt,
			string(e.Status), e.CreatedAt, e.ResolvedAt, e.Message,
		); err != nil {
			return fmt.Errorf("save snipe %d: %w", e.ClassID, err)
		}
	}
	return tx.Commit(ctx)
}

func loadEntries(ctx context.Context, db querier) (Queue, error) {
	rows, err := db.Query(ctx, selectEntries)
	if err != nil {
		return Queue{}, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	var q Queue
	for rows.Next() {
		var e Entry
		var status string
		var resolvedAt *time.Time
		if err := rows.Scan(&e.ClassID, &e.ClassName, &e.Trainer, &e.ClassTime, &e.WindowOpensAt,
			&status, &e.CreatedAt, &resolvedAt, &e.Message); err != nil {
			return Queue{}, fmt.Errorf("scan snipe: %w", err)
		}
		e.Status = Status(status)
		e.ResolvedAt = resolvedAt
		q.Entries = append(q.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Queue{}, fmt.Errorf("load queue: %w", err)
	}
	return q, nil
}
