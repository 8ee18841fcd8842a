// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"sync"

	"github.com/SparrowTek/nostr-relay/model"
)

var globalDB struct {
	Client *dbClient
	Once   sync.Once
}

// MustInit opens the event store, running the schema DDL. An empty target
// selects an in-memory database.
func MustInit(url ...string) {
	target := ":memory:"

	if len(url) > 0 && url[0] != "" {
		target = url[0]
	}

	globalDB.Once.Do(func() {
		globalDB.Client = openDatabase(target, true)
	})
}

func AcceptEvent(ctx context.Context, event *model.Event) error {
	return globalDB.Client.AcceptEvent(ctx, event)
}

func GetStoredEvents(ctx context.Context, subscription *model.Subscription) EventIterator {
	return globalDB.Client.SelectEvents(ctx, subscription)
}

func CountEvents(ctx context.Context, subscription *model.Subscription) (int64, error) {
	return globalDB.Client.CountEvents(ctx, subscription)
}

func DeleteAll(ctx context.Context) error {
	return globalDB.Client.DeleteAll(ctx)
}
