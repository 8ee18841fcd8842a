// SPDX-License-Identifier: MIT

package subscriptions

import (
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/SparrowTek/nostr-relay/model"
)

type (
	// Sink delivers a matched event to the connection that owns the
	// subscription. The connection owns the sink; the manager drops it on
	// unregister so it can never extend a connection's lifetime.
	Sink func(event *model.Event, subscriptionID string) error

	Match struct {
		ConnID string
		SubID  string
	}

	subKey struct {
		connID string
		subID  string
	}

	subscription struct {
		createdAt time.Time
		key       subKey
		filters   model.Filters
		matched   uint64
	}

	connection struct {
		sink      Sink
		subs      map[string]*subscription
		id        string
		source    string
		delivered uint64
	}

	// Manager is the live subscription index: connection registry, inverted
	// indexes for fast candidate lookup, a catch-all set, and a dedup window
	// over recently broadcast event ids. All operations serialize on one
	// mutex; per-connection delivery order follows admission order.
	Manager struct {
		now          func() time.Time
		connections  map[string]*connection
		byAuthor     map[string]map[subKey]struct{}
		byKind       map[int]map[subKey]struct{}
		byETag       map[string]map[subKey]struct{}
		byPTag       map[string]map[subKey]struct{}
		catchAll     map[subKey]struct{}
		recentEvents *lru.LRU[string, time.Time]

		duplicatesDropped uint64
		eventsMatched     uint64
		framesDelivered   uint64

		mx sync.Mutex
	}
)

const (
	defaultDedupWindow  = time.Minute
	defaultDedupEntries = 65536
)

func New() *Manager {
	return &Manager{
		now:         time.Now,
		connections: make(map[string]*connection),
		byAuthor:    make(map[string]map[subKey]struct{}),
		byKind:      make(map[int]map[subKey]struct{}),
		byETag:      make(map[string]map[subKey]struct{}),
		byPTag:      make(map[string]map[subKey]struct{}),
		catchAll:    make(map[subKey]struct{}),
		// The expirable LRU evicts stale ids on its own; no sweeper needed.
		recentEvents: lru.NewLRU[string, time.Time](defaultDedupEntries, nil, defaultDedupWindow),
	}
}

// RegisterConnection is idempotent by connection id.
func (m *Manager) RegisterConnection(connID, source string, sink Sink) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if _, ok := m.connections[connID]; ok {
		return
	}
	m.connections[connID] = &connection{
		id:     connID,
		source: source,
		sink:   sink,
		subs:   make(map[string]*subscription),
	}
	activeConnections.Inc()
}

// UnregisterConnection removes the connection's subscriptions from every
// index and drops the connection record together with its sink.
func (m *Manager) UnregisterConnection(connID string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	for subID := range conn.subs {
		m.removeLocked(subKey{connID: connID, subID: subID})
	}
	delete(m.connections, connID)
	activeConnections.Dec()
}

// AddSubscription registers the filter list under the subscription id. A
// re-used id replaces the previous filter set.
func (m *Manager) AddSubscription(connID, subID string, filters model.Filters) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	conn, ok := m.connections[connID]
	if !ok {
		return errors.Newf("unknown connection %v", connID)
	}
	key := subKey{connID: connID, subID: subID}
	if _, exists := conn.subs[subID]; exists {
		m.removeLocked(key)
	}

	sub := &subscription{createdAt: m.now(), key: key, filters: filters}
	conn.subs[subID] = sub
	m.indexLocked(sub)
	activeSubscriptions.Inc()

	return nil
}

func (m *Manager) RemoveSubscription(connID, subID string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if conn, ok := m.connections[connID]; ok {
		if _, exists := conn.subs[subID]; exists {
			m.removeLocked(subKey{connID: connID, subID: subID})
		}
	}
}

func (m *Manager) indexLocked(sub *subscription) {
	for i := range sub.filters {
		filter := &sub.filters[i]
		indexed := false
		for _, author := range filter.Authors {
			addIndexEntry(m.byAuthor, author, sub.key)
			indexed = true
		}
		for _, kind := range filter.Kinds {
			addIndexEntry(m.byKind, kind, sub.key)
			indexed = true
		}
		for _, id := range filter.Tags["e"] {
			addIndexEntry(m.byETag, id, sub.key)
			indexed = true
		}
		for _, pubkey := range filter.Tags["p"] {
			addIndexEntry(m.byPTag, pubkey, sub.key)
			indexed = true
		}
		// A filter with no indexed selector (including ids- or time-only
		// ones) falls back to the catch-all set so it still sees live
		// fan-out, no matter what its sibling filters select on.
		if !indexed {
			m.catchAll[sub.key] = struct{}{}
		}
	}
}

func (m *Manager) removeLocked(key subKey) {
	conn, ok := m.connections[key.connID]
	if !ok {
		return
	}
	sub, ok := conn.subs[key.subID]
	if !ok {
		return
	}
	for i := range sub.filters {
		filter := &sub.filters[i]
		for _, author := range filter.Authors {
			dropIndexEntry(m.byAuthor, author, key)
		}
		for _, kind := range filter.Kinds {
			dropIndexEntry(m.byKind, kind, key)
		}
		for _, id := range filter.Tags["e"] {
			dropIndexEntry(m.byETag, id, key)
		}
		for _, pubkey := range filter.Tags["p"] {
			dropIndexEntry(m.byPTag, pubkey, key)
		}
	}
	delete(m.catchAll, key)
	delete(conn.subs, key.subID)
	activeSubscriptions.Dec()
}

func addIndexEntry[K comparable](index map[K]map[subKey]struct{}, value K, key subKey) {
	entries, ok := index[value]
	if !ok {
		entries = make(map[subKey]struct{})
		index[value] = entries
	}
	entries[key] = struct{}{}
}

func dropIndexEntry[K comparable](index map[K]map[subKey]struct{}, value K, key subKey) {
	if entries, ok := index[value]; ok {
		delete(entries, key)
		if len(entries) == 0 {
			delete(index, value)
		}
	}
}

// MatchEvent resolves the subscriptions whose filters accept the event. The
// first call for an event id within the dedup window matches; repeats are
// dropped.
func (m *Manager) MatchEvent(event *model.Event) []Match {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.matchLocked(event)
}

func (m *Manager) matchLocked(event *model.Event) []Match {
	if _, seen := m.recentEvents.Get(event.ID); seen {
		m.duplicatesDropped++
		duplicatesDropped.Inc()

		return nil
	}
	m.recentEvents.Add(event.ID, m.now())

	candidates := make(map[subKey]struct{}, len(m.catchAll))
	for key := range m.catchAll {
		candidates[key] = struct{}{}
	}
	for key := range m.byAuthor[event.PubKey] {
		candidates[key] = struct{}{}
	}
	for key := range m.byKind[event.Kind] {
		candidates[key] = struct{}{}
	}
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag.Key() {
		case "e":
			for key := range m.byETag[tag.Value()] {
				candidates[key] = struct{}{}
			}
		case "p":
			for key := range m.byPTag[tag.Value()] {
				candidates[key] = struct{}{}
			}
		}
	}

	matches := make([]Match, 0, len(candidates))
	for key := range candidates {
		conn, ok := m.connections[key.connID]
		if !ok {
			continue
		}
		sub, ok := conn.subs[key.subID]
		if !ok {
			continue
		}
		if sub.filters.Match(&event.Event) {
			sub.matched++
			m.eventsMatched++
			eventsMatched.Inc()
			matches = append(matches, Match{ConnID: key.connID, SubID: key.subID})
		}
	}

	return matches
}

// BroadcastEvent fans the event out to every matching connection, once per
// connection no matter how many of its subscriptions match. A failing sink
// never affects delivery to the other subscribers.
func (m *Manager) BroadcastEvent(event *model.Event) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	perConnection := make(map[string]string)
	for _, match := range m.matchLocked(event) {
		if _, ok := perConnection[match.ConnID]; !ok {
			perConnection[match.ConnID] = match.SubID
		}
	}

	var mErr *multierror.Error
	for connID, subID := range perConnection {
		conn, ok := m.connections[connID]
		if !ok {
			continue
		}
		if err := conn.sink(event, subID); err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "failed to deliver event %v to connection %v", event.ID, connID))
			fanoutErrors.Inc()

			continue
		}
		conn.delivered++
		m.framesDelivered++
		framesDelivered.Inc()
	}
	if err := mErr.ErrorOrNil(); err != nil {
		log.Printf("WARN: broadcast: %v", err)

		return err
	}

	return nil
}

func (m *Manager) ConnectionCount() int {
	m.mx.Lock()
	defer m.mx.Unlock()

	return len(m.connections)
}

func (m *Manager) SubscriptionCount(connID string) int {
	m.mx.Lock()
	defer m.mx.Unlock()

	if conn, ok := m.connections[connID]; ok {
		return len(conn.subs)
	}

	return 0
}

func (m *Manager) DuplicatesDropped() uint64 {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.duplicatesDropped
}
