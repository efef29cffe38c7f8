package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-counters/internal/apperrors"
	"ms-counters/internal/logger"
	"ms-counters/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

type DB struct {
	Bun *bun.DB
	Log *logger.Logger
}

// TxFunc is the body of a transaction. It must only use tx for store access.
type TxFunc func(ctx context.Context, tx bun.IDB) error

func New(bunDB *bun.DB, log *logger.Logger) *DB {
	if log == nil {
		log = logger.NewNop()
	}
	return &DB{Bun: bunDB, Log: log}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or panics, and the connection is returned to the pool on
// every path. afterCommit runs only after Commit succeeded.
func (d *DB) WithTx(ctx context.Context, fn TxFunc, afterCommit func()) error {
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, tx)
	})
	if err != nil {
		d.Log.Debug("DATABASE", fmt.Sprintf("Transaction rolled back: %v", err))
		if isDomainError(err) {
			return err
		}
		return apperrors.NewStorageError("transaction", err)
	}

	if afterCommit != nil {
		afterCommit()
	}
	return nil
}

func isDomainError(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrInvariant) ||
		errors.Is(err, apperrors.ErrStorage)
}

// Ping verifies the store is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.Bun.PingContext(ctx)
}

// ---------------- EVENTS ----------------

// ListEvents returns every event, newest first, each with its counters in
// creation order.
func (d *DB) ListEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	err := d.Bun.NewSelect().
		Model(&events).
		Relation("Counters", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("c.created_at ASC, c.id ASC")
		}).
		OrderExpr("e.created_at DESC, e.id DESC").
		Scan(ctx)
	if err != nil {
		return nil, apperrors.NewStorageError("list events", err)
	}

	if events == nil {
		events = []models.Event{}
	}
	for i := range events {
		if events[i].Counters == nil {
			events[i].Counters = []models.Counter{}
		}
	}
	d.Log.LogDatabase("SELECT", "events", fmt.Sprintf("Listed %d events", len(events)))
	return events, nil
}

// InsertEvent inserts a new event row without counters.
func (d *DB) InsertEvent(ctx context.Context, idb bun.IDB, name string) (*models.Event, error) {
	event := &models.Event{Name: name, CreatedAt: now()}
	if _, err := idb.NewInsert().Model(event).Exec(ctx); err != nil {
		return nil, apperrors.NewStorageError("insert event", err)
	}
	d.Log.LogDatabase("INSERT", "events", fmt.Sprintf("Inserted event %d", event.ID))
	return event, nil
}

// EventExists reports whether an event row with id exists.
func (d *DB) EventExists(ctx context.Context, idb bun.IDB, eventID int64) (bool, error) {
	exists, err := idb.NewSelect().
		Model((*models.Event)(nil)).
		Where("id = ?", eventID).
		Exists(ctx)
	if err != nil {
		return false, apperrors.NewStorageError("check event", err)
	}
	return exists, nil
}

// LockEvent takes a row lock on the event for the rest of the transaction so
// concurrent counter deletions for the same event are serialized. SQLite
// serializes writers itself and has no row locks, so it is a no-op there.
// A missing event is not an error here.
func (d *DB) LockEvent(ctx context.Context, idb bun.IDB, eventID int64) error {
	if idb.Dialect().Name() != dialect.PG {
		return nil
	}

	var id int64
	err := idb.NewSelect().
		Model((*models.Event)(nil)).
		Column("id").
		Where("id = ?", eventID).
		For("UPDATE").
		Scan(ctx, &id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewStorageError("lock event", err)
	}
	return nil
}

// DeleteEvent deletes the event row and returns the number of rows removed.
// Its counters must be removed first (see DeleteCountersByEvent).
func (d *DB) DeleteEvent(ctx context.Context, idb bun.IDB, eventID int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*models.Event)(nil)).
		Where("id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return 0, apperrors.NewStorageError("delete event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewStorageError("delete event", err)
	}
	d.Log.LogDatabase("DELETE", "events", fmt.Sprintf("Deleted event %d (%d rows)", eventID, n))
	return n, nil
}

// ---------------- COUNTERS ----------------

// InsertCounter inserts a counter with count 0.
func (d *DB) InsertCounter(ctx context.Context, idb bun.IDB, eventID int64, name string) (*models.Counter, error) {
	counter := &models.Counter{EventID: eventID, Name: name, Count: 0, CreatedAt: now()}
	if _, err := idb.NewInsert().Model(counter).Exec(ctx); err != nil {
		return nil, apperrors.NewStorageError("insert counter", err)
	}
	d.Log.LogDatabase("INSERT", "counters", fmt.Sprintf("Inserted counter %d for event %d", counter.ID, eventID))
	return counter, nil
}

// CountCounters returns how many counters the event currently has.
func (d *DB) CountCounters(ctx context.Context, idb bun.IDB, eventID int64) (int, error) {
	n, err := idb.NewSelect().
		Model((*models.Counter)(nil)).
		Where("event_id = ?", eventID).
		Count(ctx)
	if err != nil {
		return 0, apperrors.NewStorageError("count counters", err)
	}
	return n, nil
}

// DeleteCounter removes the counter only when it belongs to eventID and
// returns the number of rows removed.
func (d *DB) DeleteCounter(ctx context.Context, idb bun.IDB, eventID, counterID int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*models.Counter)(nil)).
		Where("id = ?", counterID).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return 0, apperrors.NewStorageError("delete counter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewStorageError("delete counter", err)
	}
	d.Log.LogDatabase("DELETE", "counters", fmt.Sprintf("Deleted counter %d of event %d (%d rows)", counterID, eventID, n))
	return n, nil
}

// DeleteCountersByEvent removes every counter of the event.
func (d *DB) DeleteCountersByEvent(ctx context.Context, idb bun.IDB, eventID int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*models.Counter)(nil)).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return 0, apperrors.NewStorageError("delete counters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewStorageError("delete counters", err)
	}
	return n, nil
}

// AdjustCount applies count = max(0, count + delta) in a single UPDATE and
// returns the stored row. A nil counter means no row matched both ids.
func (d *DB) AdjustCount(ctx context.Context, idb bun.IDB, eventID, counterID, delta int64) (*models.Counter, error) {
	res, err := idb.NewUpdate().
		Model((*models.Counter)(nil)).
		Set("count = CASE WHEN count + ? < 0 THEN 0 ELSE count + ? END", delta, delta).
		Where("id = ?", counterID).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return nil, apperrors.NewStorageError("adjust counter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewStorageError("adjust counter", err)
	}
	if n == 0 {
		return nil, nil
	}

	counter := new(models.Counter)
	err = idb.NewSelect().
		Model(counter).
		Where("id = ?", counterID).
		Scan(ctx)
	if err != nil {
		return nil, apperrors.NewStorageError("read counter", err)
	}
	d.Log.LogDatabase("UPDATE", "counters", fmt.Sprintf("Counter %d adjusted by %d to %d", counterID, delta, counter.Count))
	return counter, nil
}

// CreateSchema creates the tables from the models. Used for SQLite-backed
// tests and local runs; PostgreSQL uses the SQL migrations.
func (d *DB) CreateSchema(ctx context.Context) error {
	_, err := d.Bun.NewCreateTable().
		Model((*models.Event)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	_, err = d.Bun.NewCreateTable().
		Model((*models.Counter)(nil)).
		IfNotExists().
		ForeignKey(`("event_id") REFERENCES "events" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create counters table: %w", err)
	}
	return nil
}
