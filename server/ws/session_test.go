// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/SparrowTek/nostr-relay/database/query"
	"github.com/SparrowTek/nostr-relay/model"
	"github.com/SparrowTek/nostr-relay/policy"
	"github.com/SparrowTek/nostr-relay/ratelimit"
	"github.com/SparrowTek/nostr-relay/spam"
	"github.com/SparrowTek/nostr-relay/subscriptions"
)

type frameRecorder struct {
	mx     sync.Mutex
	frames []string
}

func (r *frameRecorder) WriteMessage(data []byte) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.frames = append(r.frames, string(data))

	return nil
}

func (r *frameRecorder) all() []string {
	r.mx.Lock()
	defer r.mx.Unlock()

	return append([]string(nil), r.frames...)
}

func (r *frameRecorder) last() string {
	frames := r.all()
	if len(frames) == 0 {
		return ""
	}

	return frames[len(frames)-1]
}

type memoryStore struct {
	mx     sync.Mutex
	events []*model.Event
}

func (m *memoryStore) accept(_ context.Context, event *model.Event) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	for _, stored := range m.events {
		if stored.ID == event.ID {
			return model.ErrDuplicate
		}
	}
	m.events = append(m.events, event)

	return nil
}

func (m *memoryStore) selectEvents(_ context.Context, subscription *model.Subscription) query.EventIterator {
	m.mx.Lock()
	matched := make([]*model.Event, 0, len(m.events))
	for _, stored := range m.events {
		if subscription.Filters.Match(&stored.Event) {
			matched = append(matched, stored)
		}
	}
	m.mx.Unlock()

	// Newest first, as the repository serves them.
	for i := range len(matched) / 2 {
		matched[i], matched[len(matched)-1-i] = matched[len(matched)-1-i], matched[i]
	}

	return func(yield func(*model.Event, error) bool) {
		for _, event := range matched {
			if !yield(event, nil) {
				return
			}
		}
	}
}

func (m *memoryStore) count(_ context.Context, subscription *model.Subscription) (int64, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	var count int64
	for _, stored := range m.events {
		if subscription.Filters.Match(&stored.Event) {
			count++
		}
	}

	return count, nil
}

const testRelayURL = "wss://relay.example.com"

func newTestConfig() *Config {
	return &Config{
		RelayURL:         testRelayURL,
		MaxEventBytes:    65536,
		MaxEventTags:     2000,
		MaxContentLength: 65536,
		MaxSubscriptions: 4,
		MaxFilters:       3,
		MaxLimit:         100,
		MaxSubIDLength:   16,
	}
}

func newTestHandler(t *testing.T, cfg *Config) (*Handler, *memoryStore) {
	t.Helper()

	store := new(memoryStore)
	RegisterWSEventListener(store.accept)
	RegisterWSSubscriptionListener(store.selectEvents)
	RegisterWSCountListener(store.count)

	limiter := ratelimit.New(&ratelimit.Config{
		AddressCapacity:         1000,
		AddressRefillRate:       1000,
		PubkeyCapacity:          1000,
		PubkeyRefillRate:        1000,
		SubscriptionCost:        1,
		MaxEventBytes:           cfg.MaxEventBytes,
		MaxConnectionsPerSource: 16,
	})
	spamFilter := spam.New(&spam.Config{
		DuplicateWindow:     time.Minute,
		MaxEventsPerMinute:  10000,
		MaxMentionsPerEvent: 100,
		MaxURLsPerEvent:     100,
		MaxTagsPerEvent:     2000,
		MaxHashtagsPerEvent: 100,
	})

	return NewHandler(cfg, limiter, spamFilter, subscriptions.New(), policy.New(), policy.NewAuthManager(testRelayURL)), store
}

func newTestSession(t *testing.T, h *Handler, connID string) (*session, *frameRecorder) {
	t.Helper()

	rec := new(frameRecorder)
	sess := h.newSession(connID, "1.2.3.4", rec)
	h.subs.RegisterConnection(connID, "1.2.3.4", sess.Sink())
	t.Cleanup(func() { h.subs.UnregisterConnection(connID) })

	return sess, rec
}

func signedNote(t *testing.T, content string) *model.Event {
	t.Helper()

	ev := &model.Event{Event: nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      model.KindTextNote,
		Tags:      model.Tags{},
		Content:   content,
	}}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))

	return ev
}

func eventFrame(t *testing.T, ev *model.Event) []byte {
	t.Helper()

	frame, err := json.Marshal([]any{"EVENT", ev.Event})
	require.NoError(t, err)

	return frame
}

func TestEventHappyPath(t *testing.T) {
	h, store := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	ev := signedNote(t, "hello")
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, ev)))

	frame := rec.last()
	assert.Equal(t, "OK", gjson.Get(frame, "0").Str)
	assert.Equal(t, ev.ID, gjson.Get(frame, "1").Str)
	assert.True(t, gjson.Get(frame, "2").Bool())
	require.Len(t, store.events, 1)
}

func TestEventFansOutToSubscribers(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	publisher, _ := newTestSession(t, h, "publisher")
	subscriber, subFrames := newTestSession(t, h, "subscriber")

	require.NoError(t, subscriber.Handle(context.Background(), []byte(`["REQ","live",{"kinds":[1]}]`)))
	require.Equal(t, `["EOSE","live"]`, subFrames.last())

	ev := signedNote(t, "to everyone")
	require.NoError(t, publisher.Handle(context.Background(), eventFrame(t, ev)))

	frames := subFrames.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "EVENT", gjson.Get(frames[1], "0").Str)
	assert.Equal(t, "live", gjson.Get(frames[1], "1").Str)
	assert.Equal(t, ev.ID, gjson.Get(frames[1], "2.id").Str)
}

func TestEventIDMismatch(t *testing.T) {
	h, store := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	ev := signedNote(t, "hello")
	ev.ID = strings.Repeat("0", 64)
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, ev)))

	frame := rec.last()
	assert.Equal(t, strings.Repeat("0", 64), gjson.Get(frame, "1").Str)
	assert.False(t, gjson.Get(frame, "2").Bool())
	assert.Equal(t, "invalid: event id does not match", gjson.Get(frame, "3").Str)
	assert.Empty(t, store.events)
}

func TestEventTooLarge(t *testing.T) {
	h, store := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	ev := signedNote(t, strings.Repeat("x", 200_000))
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, ev)))

	frame := rec.last()
	assert.False(t, gjson.Get(frame, "2").Bool())
	assert.Equal(t, "invalid: event too large: maximum size is 65536 bytes", gjson.Get(frame, "3").Str)
	assert.Empty(t, store.events)
}

func TestEventDuplicate(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	ev := signedNote(t, "hello")
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, ev)))
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, ev)))

	frame := rec.last()
	assert.True(t, gjson.Get(frame, "2").Bool())
	assert.True(t, strings.HasPrefix(gjson.Get(frame, "3").Str, "duplicate: "))
}

func TestEphemeralEventSkipsStore(t *testing.T) {
	h, store := newTestHandler(t, newTestConfig())
	publisher, rec := newTestSession(t, h, "publisher")
	subscriber, subFrames := newTestSession(t, h, "subscriber")

	require.NoError(t, subscriber.Handle(context.Background(), []byte(`["REQ","eph",{"kinds":[20001]}]`)))

	ev := &model.Event{Event: nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      20001,
		Tags:      model.Tags{},
		Content:   "now you see me",
	}}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, publisher.Handle(context.Background(), eventFrame(t, ev)))

	assert.True(t, gjson.Get(rec.last(), "2").Bool())
	assert.Empty(t, store.events)

	frames := subFrames.all()
	require.Len(t, frames, 2)
	assert.Equal(t, ev.ID, gjson.Get(frames[1], "2.id").Str)
}

func TestEventRateLimited(t *testing.T) {
	cfg := newTestConfig()
	h, _ := newTestHandler(t, cfg)
	h.limiter = ratelimit.New(&ratelimit.Config{
		AddressCapacity:         5,
		AddressRefillRate:       1,
		PubkeyCapacity:          100,
		PubkeyRefillRate:        100,
		SubscriptionCost:        1,
		MaxEventBytes:           cfg.MaxEventBytes,
		MaxConnectionsPerSource: 16,
	})
	sess, rec := newTestSession(t, h, "conn1")

	for i := 0; i < 5; i++ {
		require.NoError(t, sess.Handle(context.Background(), eventFrame(t, signedNote(t, "msg "+strings.Repeat("i", i+1)))))
	}
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, signedNote(t, "the sixth"))))

	frame := rec.last()
	assert.Equal(t, "NOTICE", gjson.Get(frame, "0").Str)
	assert.True(t, strings.HasPrefix(gjson.Get(frame, "1").Str, "rate-limited: "))
}

func TestEventSpamRejected(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	ev := signedNote(t, "unique words here")
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, ev)))
	dup := signedNote(t, "unique words here")
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, dup)))

	frame := rec.last()
	assert.False(t, gjson.Get(frame, "2").Bool())
	assert.True(t, strings.HasPrefix(gjson.Get(frame, "3").Str, "spam: "))
}

func TestEventPowRequired(t *testing.T) {
	cfg := newTestConfig()
	cfg.MinPowDifficulty = 20
	h, _ := newTestHandler(t, cfg)
	sess, rec := newTestSession(t, h, "conn1")

	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, signedNote(t, "no work done"))))

	frame := rec.last()
	assert.False(t, gjson.Get(frame, "2").Bool())
	assert.True(t, strings.HasPrefix(gjson.Get(frame, "3").Str, "pow: "))
}

func TestReqReplaysHistoryAscendingThenEOSE(t *testing.T) {
	h, store := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	older := signedNote(t, "first")
	older.CreatedAt -= 100
	require.NoError(t, older.Sign(nostr.GeneratePrivateKey()))
	newer := signedNote(t, "second")
	require.NoError(t, store.accept(context.Background(), older))
	require.NoError(t, store.accept(context.Background(), newer))

	require.NoError(t, sess.Handle(context.Background(), []byte(`["REQ","hist",{"kinds":[1]}]`)))

	frames := rec.all()
	require.Len(t, frames, 3)
	assert.Equal(t, older.ID, gjson.Get(frames[0], "2.id").Str)
	assert.Equal(t, newer.ID, gjson.Get(frames[1], "2.id").Str)
	assert.Equal(t, `["EOSE","hist"]`, frames[2])
}

func TestReqCaps(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	require.NoError(t, sess.Handle(context.Background(), []byte(`["REQ","this-sub-id-is-way-too-long",{}]`)))
	assert.Equal(t, "CLOSED", gjson.Get(rec.last(), "0").Str)
	assert.Contains(t, gjson.Get(rec.last(), "2").Str, "subscription id")

	require.NoError(t, sess.Handle(context.Background(), []byte(`["REQ","s",{},{},{},{}]`)))
	assert.Contains(t, gjson.Get(rec.last(), "2").Str, "too many filters")

	for _, subID := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, sess.Handle(context.Background(), []byte(`["REQ","`+subID+`",{}]`)))
	}
	require.NoError(t, sess.Handle(context.Background(), []byte(`["REQ","s5",{}]`)))
	assert.Equal(t, "CLOSED", gjson.Get(rec.last(), "0").Str)
	assert.Contains(t, gjson.Get(rec.last(), "2").Str, "too many subscriptions")
}

func TestReqReplacesSubscription(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	publisher, _ := newTestSession(t, h, "publisher")
	subscriber, subFrames := newTestSession(t, h, "subscriber")

	require.NoError(t, subscriber.Handle(context.Background(), []byte(`["REQ","s",{"kinds":[7]}]`)))
	require.NoError(t, subscriber.Handle(context.Background(), []byte(`["REQ","s",{"kinds":[1]}]`)))
	assert.Equal(t, 1, h.subs.SubscriptionCount("subscriber"))

	require.NoError(t, publisher.Handle(context.Background(), eventFrame(t, signedNote(t, "kind one"))))

	frames := subFrames.all()
	require.Len(t, frames, 3)
	assert.Equal(t, "EVENT", gjson.Get(frames[2], "0").Str)
}

func TestCloseRemovesSubscription(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	require.NoError(t, sess.Handle(context.Background(), []byte(`["REQ","s",{"kinds":[1]}]`)))
	require.NoError(t, sess.Handle(context.Background(), []byte(`["CLOSE","s"]`)))

	assert.Equal(t, "CLOSED", gjson.Get(rec.last(), "0").Str)
	assert.Equal(t, 0, h.subs.SubscriptionCount("conn1"))
}

func TestCountFrame(t *testing.T) {
	h, store := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	require.NoError(t, store.accept(context.Background(), signedNote(t, "a")))
	require.NoError(t, store.accept(context.Background(), signedNote(t, "b")))

	require.NoError(t, sess.Handle(context.Background(), []byte(`["COUNT","c",{"kinds":[1]}]`)))
	frame := rec.last()
	assert.Equal(t, "COUNT", gjson.Get(frame, "0").Str)
	assert.Equal(t, int64(2), gjson.Get(frame, "2.count").Int())
}

func TestAuthRoundTripOverFrames(t *testing.T) {
	cfg := newTestConfig()
	cfg.AuthRequired = true
	h, store := newTestHandler(t, cfg)
	sess, rec := newTestSession(t, h, "conn1")

	// Writes are refused and answered with a challenge.
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, signedNote(t, "hello"))))
	frames := rec.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "blocked: auth required", gjson.Get(frames[0], "3").Str)
	assert.Equal(t, "AUTH", gjson.Get(frames[1], "0").Str)
	challenge := gjson.Get(frames[1], "1").Str
	require.Len(t, challenge, 64)

	privkey := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(privkey)
	require.NoError(t, err)
	authEvent := model.Event{Event: nip42.CreateUnsignedAuthEvent(challenge, pubkey, testRelayURL)}
	require.NoError(t, authEvent.Sign(privkey))
	frame, err := json.Marshal([]any{"AUTH", authEvent.Event})
	require.NoError(t, err)
	require.NoError(t, sess.Handle(context.Background(), frame))
	assert.True(t, gjson.Get(rec.last(), "2").Bool())

	// Writes pass once authenticated.
	require.NoError(t, sess.Handle(context.Background(), eventFrame(t, signedNote(t, "hello again"))))
	assert.True(t, gjson.Get(rec.last(), "2").Bool())
	require.Len(t, store.events, 1)
}

func TestUnknownFrameYieldsNotice(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, rec := newTestSession(t, h, "conn1")

	require.NoError(t, sess.Handle(context.Background(), []byte(`["PUBLISH",{"whatever":true}]`)))
	assert.Equal(t, "NOTICE", gjson.Get(rec.last(), "0").Str)

	require.NoError(t, sess.Handle(context.Background(), []byte(`not json at all`)))
	assert.Equal(t, "NOTICE", gjson.Get(rec.last(), "0").Str)
}

func TestDisconnectActionTearsDownSession(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, _ := newTestSession(t, h, "conn1")

	// Score 5, then 8, then 9: the third report lands on the disconnect
	// rung without tripping the burst or ban rules.
	sess.reportViolation("oversized event", policy.SeverityHigh)
	sess.reportViolation("oversized event", policy.SeverityMedium)
	sess.reportViolation("oversized event", policy.SeverityLow)
	require.True(t, sess.disconnect)
	assert.False(t, h.policy.IsBanned("conn1"))

	err := sess.Handle(context.Background(), []byte(`["CLOSE","s"]`))
	require.ErrorIs(t, err, errTerminate)
}

func TestRepeatedViolationsEscalateToTermination(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig())
	sess, _ := newTestSession(t, h, "conn1")

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		ev := signedNote(t, "x")
		ev.ID = strings.Repeat("1", 64)
		err = sess.Handle(context.Background(), eventFrame(t, ev))
	}
	require.ErrorIs(t, err, errTerminate)
	assert.True(t, h.policy.IsBanned("conn1"))
}
