// SPDX-License-Identifier: MIT

package model

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter    = nostr.Filter
	Filters   = nostr.Filters

	Subscription struct {
		Filters Filters
	}
)

const (
	KindProfileMetadata        Kind = 0
	KindTextNote               Kind = 1
	KindFollowList             Kind = 3
	KindEncryptedDirectMessage Kind = 4
	KindDeletion               Kind = 5
	KindReaction               Kind = 7
	KindClientAuthentication   Kind = 22242
)

var (
	ErrDuplicate = errors.New("duplicate event")
)
