// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gookit/goutil/errorx"
	"github.com/tidwall/gjson"
)

const (
	maxEventAge    = 2 * 365 * 24 * 3600
	maxEventFuture = 900
)

type Limits struct {
	MaxEventBytes    int
	MaxEventTags     int
	MaxContentLength int
}

var (
	ErrMalformed      = errors.New("unable to parse event")
	ErrTooLarge       = errors.New("event too large")
	ErrIDMismatch     = errors.New("event id does not match")
	ErrBadSignature   = errors.New("event signature is invalid")
	ErrTooOld         = errors.New("event is too old")
	ErrTooFuture      = errors.New("event created_at is too far in the future")
	ErrTooManyTags    = errors.New("too many tags")
	ErrContentTooLong = errors.New("content is too long")
)

// ValidateEventBytes runs the full admission validation over the raw event
// object: structure, shape, canonical id, signature, timestamp window,
// per-kind rules and size caps. The returned error text is what the client
// sees behind the "invalid: " prefix.
func ValidateEventBytes(raw []byte, now Timestamp, limits *Limits) (*Event, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, ErrMalformed
	}
	if len(raw) > limits.MaxEventBytes {
		return nil, fmt.Errorf("%w: maximum size is %d bytes", ErrTooLarge, limits.MaxEventBytes)
	}

	var event Event
	if err := json.Unmarshal(raw, &event.Event); err != nil {
		return nil, ErrMalformed
	}
	if err := event.Validate(now, limits); err != nil {
		return nil, err
	}

	return &event, nil
}

func (e *Event) Validate(now Timestamp, limits *Limits) error {
	if e.Kind < 0 {
		return errorx.Withf(ErrMalformed, "kind must not be negative")
	}
	if !isHex(e.ID, 64) || !isHex(e.PubKey, 64) {
		return errorx.Withf(ErrMalformed, "id and pubkey must be 64 lowercase hex characters")
	}
	if !isHex(e.Sig, 128) {
		return errorx.Withf(ErrMalformed, "sig must be 128 lowercase hex characters")
	}
	for _, tag := range e.Tags {
		if len(tag) == 0 {
			return errorx.Withf(ErrMalformed, "tags must not be empty")
		}
	}
	if e.ComputeID() != e.ID {
		return ErrIDMismatch
	}
	if ok, err := e.CheckSignature(); err != nil || !ok {
		return ErrBadSignature
	}
	if e.CreatedAt < now-maxEventAge {
		return ErrTooOld
	}
	if e.CreatedAt > now+maxEventFuture {
		return ErrTooFuture
	}
	if err := e.validateKind(); err != nil {
		return err
	}
	if len(e.Tags) > limits.MaxEventTags {
		return errorx.Withf(ErrTooManyTags, "too many tags: maximum is %d", limits.MaxEventTags)
	}
	if len(e.Content) > limits.MaxContentLength {
		return errorx.Withf(ErrContentTooLong, "content is too long: maximum is %d bytes", limits.MaxContentLength)
	}

	return nil
}

func (e *Event) validateKind() error {
	switch e.Kind {
	case KindProfileMetadata:
		if !json.Valid([]byte(e.Content)) {
			return errorx.Withf(ErrMalformed, "kind 0 content must be valid json")
		}
	case KindFollowList:
		for _, tag := range e.Tags {
			if tag.Key() == "p" && len(tag) < 2 {
				return errorx.Withf(ErrMalformed, "kind 3 p tags must carry a pubkey")
			}
		}
	case KindEncryptedDirectMessage:
		if e.Content == "" {
			return errorx.Withf(ErrMalformed, "kind 4 content must not be empty")
		}
	case KindDeletion:
		if !hasEventTag(e.Tags) {
			return errorx.Withf(ErrMalformed, "kind 5 requires at least one e tag")
		}
	case KindReaction:
		if e.Content == "" {
			return errorx.Withf(ErrMalformed, "kind 7 content must not be empty")
		}
	}

	return nil
}

func hasEventTag(tags Tags) bool {
	for _, tag := range tags {
		if tag.Key() == "e" && len(tag) >= 2 {
			return true
		}
	}

	return false
}

func isHex(s string, expectedLen int) bool {
	if len(s) != expectedLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
