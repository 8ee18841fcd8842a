// SPDX-License-Identifier: MIT

package query

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/SparrowTek/nostr-relay/model"
)

type (
	eventPivot struct {
		ID        string
		CreatedAt int64
	}

	eventIterator struct {
		fetch   func(pivot *eventPivot) (*sqlx.Rows, error)
		oneShot bool
	}
)

func (it *eventIterator) scanEvent(rows *sqlx.Rows) (*databaseEvent, error) {
	var ev databaseEvent

	if err := rows.StructScan(&ev); err != nil {
		return nil, errors.Wrap(err, "failed to struct scan")
	}
	if len(ev.Jtags) > 0 {
		if err := ev.Tags.Scan(ev.Jtags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
	}

	return &ev, nil
}

func (it *eventIterator) scanBatch(ctx context.Context, fn func(*model.Event) error, pivot *eventPivot) (*eventPivot, error) {
	rows, err := it.fetch(pivot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	} else if rows == nil {
		return pivot, nil
	}
	defer rows.Close()

	next := pivot
	for rows.Next() && ctx.Err() == nil {
		event, err := it.scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}

		next = &eventPivot{ID: event.ID, CreatedAt: int64(event.CreatedAt)}
		if err = fn(&event.Event); err != nil {
			return nil, errors.Wrap(err, "failed to process event")
		}
	}

	return next, nil
}

func (it *eventIterator) Each(ctx context.Context, fn func(*model.Event) error) error {
	var pivot *eventPivot

	for ctx.Err() == nil {
		newPivot, err := it.scanBatch(ctx, fn, pivot)
		if err != nil {
			return err
		}

		if newPivot == pivot || it.oneShot {
			return nil
		}

		pivot = newPivot
	}

	return ctx.Err()
}
