// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"encoding/json"
	"iter"
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/SparrowTek/nostr-relay/model"
)

const selectDefaultBatchLimit = 100

var (
	ErrUnexpectedRowsAffected   = errors.New("unexpected rows affected")
	errEventIteratorInterrupted = errors.New("interrupted")
)

type databaseEvent struct {
	model.Event
	Jtags      string `db:"jtags"`
	InsertedAt int64
	Tombstoned bool
}

type EventIterator iter.Seq2[*model.Event, error]

// AcceptEvent persists the event with its replacement and deletion
// semantics, atomically. Ephemeral events never touch the database.
func (db *dbClient) AcceptEvent(ctx context.Context, event *model.Event) error {
	if event.IsEphemeral() {
		return nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin event transaction")
	}
	if err = acceptEventTx(ctx, tx, event); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("ERROR: failed to rollback event %v: %v", event.ID, rbErr)
		}

		return err
	}

	return errors.Wrapf(tx.Commit(), "failed to commit event %v", event.ID)
}

func acceptEventTx(ctx context.Context, tx *sqlx.Tx, event *model.Event) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, "select exists (select 1 from events where id = ?)", event.ID); err != nil {
		return errors.Wrapf(err, "failed to check event %v for duplicates", event.ID)
	}
	if exists {
		return model.ErrDuplicate
	}

	tombstoned, err := superseded(ctx, tx, event)
	if err != nil {
		return err
	}
	if err = insertEvent(ctx, tx, event, tombstoned); err != nil {
		return err
	}
	if event.IsDeletion() {
		return applyDeletion(ctx, tx, event)
	}

	return nil
}

// superseded resolves the replacement slot: losers among the stored events
// are tombstoned in place, and the incoming event itself arrives tombstoned
// when a stored event outranks it. Greater created_at wins, ties go to the
// greater id.
func superseded(ctx context.Context, tx *sqlx.Tx, event *model.Event) (bool, error) {
	key, replaceable := event.ReplacementKey()
	if !replaceable {
		return false, nil
	}

	type slotEvent struct {
		ID        string
		CreatedAt int64 `db:"created_at"`
	}
	var stored []slotEvent
	args := []any{key.PubKey, key.Kind}
	sql := `select id, created_at from events where pubkey = ? and kind = ? and tombstoned = 0`
	if event.IsParameterizedReplaceable() {
		sql += ` and coalesce((select t.value from tags t where t.event_id = events.id and t.name = 'd' order by t.position limit 1), '') = ?`
		args = append(args, key.DTag)
	}
	if err := tx.SelectContext(ctx, &stored, sql, args...); err != nil {
		return false, errors.Wrapf(err, "failed to load replacement slot for event %v", event.ID)
	}

	incomingLoses := false
	for _, old := range stored {
		if old.CreatedAt > int64(event.CreatedAt) || (old.CreatedAt == int64(event.CreatedAt) && old.ID > event.ID) {
			incomingLoses = true

			continue
		}
		if _, err := tx.ExecContext(ctx, "update events set tombstoned = 1 where id = ?", old.ID); err != nil {
			return false, errors.Wrapf(err, "failed to tombstone superseded event %v", old.ID)
		}
	}

	return incomingLoses, nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, event *model.Event, tombstoned bool) error {
	const stmt = `insert into events
	(id, pubkey, created_at, kind, content, sig, tags, tombstoned, inserted_at)
values
	(:id, :pubkey, :created_at, :kind, :content, :sig, :jtags, :tombstoned, :inserted_at)`

	jtags, err := json.Marshal(event.Tags)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal tags of event %v", event.ID)
	}

	result, err := tx.NamedExecContext(ctx, stmt, &databaseEvent{
		Event:      *event,
		Jtags:      string(jtags),
		InsertedAt: time.Now().UnixNano(),
		Tombstoned: tombstoned,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to insert event %v", event.ID)
	}
	if rowsAffected, raErr := result.RowsAffected(); raErr != nil || rowsAffected == 0 {
		return ErrUnexpectedRowsAffected
	}

	for position, tag := range event.Tags {
		if len(tag) == 0 {
			continue
		}
		value := ""
		if len(tag) > 1 {
			value = tag[1]
		}
		if _, err = tx.ExecContext(ctx,
			"insert into tags (event_id, name, value, position) values (?, ?, ?, ?)",
			event.ID, tag[0], value, position,
		); err != nil {
			return errors.Wrapf(err, "failed to insert tag %d of event %v", position, event.ID)
		}
	}

	return nil
}

// applyDeletion tombstones every referenced event that shares the deletion
// event's author and records an audit row per referenced target.
func applyDeletion(ctx context.Context, tx *sqlx.Tx, event *model.Event) error {
	now := time.Now().Unix()
	for _, target := range event.DeletionTargets() {
		if _, err := tx.ExecContext(ctx,
			"update events set tombstoned = 1 where id = ? and pubkey = ?",
			target, event.PubKey,
		); err != nil {
			return errors.Wrapf(err, "failed to tombstone event %v", target)
		}
		if _, err := tx.ExecContext(ctx,
			"insert into deletions (target_event_id, deletion_event_id, at) values (?, ?, ?)",
			target, event.ID, now,
		); err != nil {
			return errors.Wrapf(err, "failed to record deletion of event %v", target)
		}
	}

	return nil
}

// SelectEvents streams stored, non-tombstoned events matching the
// subscription's filters, newest first.
func (db *dbClient) SelectEvents(ctx context.Context, subscription *model.Subscription) EventIterator {
	limit := int64(selectDefaultBatchLimit)
	hasLimitFilter := subscription != nil && len(subscription.Filters) > 0 && subscription.Filters[0].Limit > 0
	if hasLimitFilter {
		limit = int64(subscription.Filters[0].Limit)
	}

	it := &eventIterator{
		oneShot: hasLimitFilter && limit <= selectDefaultBatchLimit,
		fetch: func(pivot *eventPivot) (*sqlx.Rows, error) {
			if limit <= 0 {
				return nil, nil
			}

			sql, params, err := generateSelectEventsSQL(subscription, pivot, min(selectDefaultBatchLimit, limit))
			if err != nil {
				return nil, err
			}

			stmt, err := db.prepare(ctx, sql, hashSQL(sql))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to prepare select events sql: %q", sql)
			}

			rows, err := stmt.QueryxContext(ctx, params)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to query events sql: %q", sql)
			}

			if hasLimitFilter {
				limit -= selectDefaultBatchLimit
			}

			return rows, nil
		}}

	return func(yield func(*model.Event, error) bool) {
		err := it.Each(ctx, func(event *model.Event) error {
			if !yield(event, nil) {
				return errEventIteratorInterrupted
			}

			return nil
		})

		if err != nil && !errors.Is(err, errEventIteratorInterrupted) {
			yield(nil, errors.Wrap(err, "failed to iterate events"))
		}
	}
}

func (db *dbClient) CountEvents(ctx context.Context, subscription *model.Subscription) (count int64, err error) {
	where, params, err := generateEventsWhereClause(subscription)
	if err != nil {
		return -1, errors.Wrap(err, "failed to generate events where clause")
	}

	sql := `select count(e.id) from events e where ` + where

	stmt, err := db.prepare(ctx, sql, hashSQL(sql))
	if err != nil {
		return -1, errors.Wrapf(err, "failed to prepare count events sql: %q", sql)
	}
	if err = stmt.GetContext(ctx, &count, params); err != nil {
		return -1, errors.Wrapf(err, "failed to query events count sql: %q", sql)
	}

	return count, nil
}

// DeleteAll wipes every stored event. Administrative only, never reachable
// from the wire.
func (db *dbClient) DeleteAll(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "delete from events")

	return errors.Wrap(err, "failed to delete all events")
}

func generateSelectEventsSQL(subscription *model.Subscription, pivot *eventPivot, limit int64) (sql string, params map[string]any, err error) {
	where, params, err := generateEventsWhereClause(subscription)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to generate events where clause")
	}

	var pivotFilter string
	if pivot != nil {
		pivotFilter = ` (e.created_at < :pivot_created_at or (e.created_at = :pivot_created_at and e.id < :pivot_id)) and`
		params["pivot_created_at"] = pivot.CreatedAt
		params["pivot_id"] = pivot.ID
	}

	params["mainlimit"] = limit

	return `
select
	e.id,
	e.pubkey,
	e.created_at,
	e.kind,
	e.content,
	e.sig,
	e.tags as jtags
from
	events e
where` + pivotFilter + ` (` + where + `)
order by
	e.created_at desc,
	e.id desc
limit :mainlimit`, params, nil
}

func generateEventsWhereClause(subscription *model.Subscription) (clause string, params map[string]any, err error) {
	var filters []model.Filter

	if subscription != nil {
		filters = subscription.Filters
	}

	return newWhereBuilder().Build(filters...)
}
