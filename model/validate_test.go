// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = &Limits{
	MaxEventBytes:    65536,
	MaxEventTags:     2000,
	MaxContentLength: 65536,
}

func signedEvent(t *testing.T, kind Kind, content string, tags Tags) *Event {
	t.Helper()

	ev := &Event{Event: nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}}
	if ev.Tags == nil {
		ev.Tags = Tags{}
	}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))

	return ev
}

func marshalEvent(t *testing.T, ev *Event) []byte {
	t.Helper()

	data, err := json.Marshal(&ev.Event)
	require.NoError(t, err)

	return data
}

func TestValidateEventBytesHappyPath(t *testing.T) {
	t.Parallel()

	ev := signedEvent(t, KindTextNote, "hello", nil)
	now := nostr.Timestamp(time.Now().Unix())

	got, err := ValidateEventBytes(marshalEvent(t, ev), now, testLimits)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Content, got.Content)
}

func TestValidateEventBytesMalformed(t *testing.T) {
	t.Parallel()

	now := nostr.Timestamp(time.Now().Unix())

	for name, raw := range map[string]string{
		"not json":      "oh hi",
		"array":         `["EVENT"]`,
		"string":        `"event"`,
		"wrong types":   `{"id":42,"pubkey":[],"created_at":"x","kind":"one","tags":{},"content":1,"sig":2}`,
		"short id":      `{"id":"abc","pubkey":"` + strings.Repeat("a", 64) + `","created_at":1,"kind":1,"tags":[],"content":"","sig":"` + strings.Repeat("a", 128) + `"}`,
		"uppercase hex": `{"id":"` + strings.Repeat("A", 64) + `","pubkey":"` + strings.Repeat("a", 64) + `","created_at":1,"kind":1,"tags":[],"content":"","sig":"` + strings.Repeat("a", 128) + `"}`,
	} {
		_, err := ValidateEventBytes([]byte(raw), now, testLimits)
		require.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestValidateEventBytesIDMismatch(t *testing.T) {
	t.Parallel()

	ev := signedEvent(t, KindTextNote, "hello", nil)
	ev.ID = strings.Repeat("0", 64)

	_, err := ValidateEventBytes(marshalEvent(t, ev), nostr.Timestamp(time.Now().Unix()), testLimits)
	require.ErrorIs(t, err, ErrIDMismatch)
}

func TestValidateEventBytesBadSignature(t *testing.T) {
	t.Parallel()

	ev := signedEvent(t, KindTextNote, "hello", nil)
	other := signedEvent(t, KindTextNote, "hello", nil)
	ev.Sig = other.Sig

	_, err := ValidateEventBytes(marshalEvent(t, ev), nostr.Timestamp(time.Now().Unix()), testLimits)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestValidateEventBytesTooLarge(t *testing.T) {
	t.Parallel()

	ev := signedEvent(t, KindTextNote, strings.Repeat("x", 200_000), nil)

	_, err := ValidateEventBytes(marshalEvent(t, ev), nostr.Timestamp(time.Now().Unix()), testLimits)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Contains(t, err.Error(), "maximum size is 65536 bytes")
}

func TestValidateEventBytesTimestampWindow(t *testing.T) {
	t.Parallel()

	now := nostr.Timestamp(time.Now().Unix())

	old := &Event{Event: nostr.Event{
		CreatedAt: now - maxEventAge - 10,
		Kind:      KindTextNote,
		Tags:      Tags{},
		Content:   "from the distant past",
	}}
	require.NoError(t, old.Sign(nostr.GeneratePrivateKey()))
	_, err := ValidateEventBytes(marshalEvent(t, old), now, testLimits)
	require.ErrorIs(t, err, ErrTooOld)

	future := &Event{Event: nostr.Event{
		CreatedAt: now + maxEventFuture + 10,
		Kind:      KindTextNote,
		Tags:      Tags{},
		Content:   "from the future",
	}}
	require.NoError(t, future.Sign(nostr.GeneratePrivateKey()))
	_, err = ValidateEventBytes(marshalEvent(t, future), now, testLimits)
	require.ErrorIs(t, err, ErrTooFuture)
}

func TestValidateEventBytesKindRules(t *testing.T) {
	t.Parallel()

	now := nostr.Timestamp(time.Now().Unix())

	cases := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{"kind 0 json content", signedEvent(t, KindProfileMetadata, `{"name":"bob"}`, nil), false},
		{"kind 0 broken content", signedEvent(t, KindProfileMetadata, "not json", nil), true},
		{"kind 3 good p tags", signedEvent(t, KindFollowList, "", Tags{{"p", strings.Repeat("b", 64)}}), false},
		{"kind 3 naked p tag", signedEvent(t, KindFollowList, "", Tags{{"p"}}), true},
		{"kind 4 empty content", signedEvent(t, KindEncryptedDirectMessage, "", nil), true},
		{"kind 4 content", signedEvent(t, KindEncryptedDirectMessage, "ciphertext?iv=abc", nil), false},
		{"kind 5 no e tag", signedEvent(t, KindDeletion, "", Tags{{"p", "x"}}), true},
		{"kind 5 e tag", signedEvent(t, KindDeletion, "", Tags{{"e", strings.Repeat("c", 64)}}), false},
		{"kind 7 empty content", signedEvent(t, KindReaction, "", nil), true},
		{"kind 7 content", signedEvent(t, KindReaction, "+", nil), false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ValidateEventBytes(marshalEvent(t, tt.event), now, testLimits)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateEventBytesCaps(t *testing.T) {
	t.Parallel()

	now := nostr.Timestamp(time.Now().Unix())
	limits := &Limits{MaxEventBytes: 65536, MaxEventTags: 2, MaxContentLength: 5}

	ev := signedEvent(t, KindTextNote, "ok", Tags{{"t", "a"}, {"t", "b"}, {"t", "c"}})
	_, err := ValidateEventBytes(marshalEvent(t, ev), now, limits)
	require.ErrorIs(t, err, ErrTooManyTags)

	ev = signedEvent(t, KindTextNote, "far too long", nil)
	_, err = ValidateEventBytes(marshalEvent(t, ev), now, limits)
	require.ErrorIs(t, err, ErrContentTooLong)
}
