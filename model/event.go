// SPDX-License-Identifier: MIT

package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/nbd-wtf/go-nostr"
)

type (
	Event struct {
		nostr.Event
	}

	// ReplacementKey identifies the slot a replaceable event occupies:
	// newest created_at per key wins, ties broken by greater id.
	ReplacementKey struct {
		PubKey string
		DTag   string
		Kind   Kind
	}
)

func (e *Event) ComputeID() string {
	hash := sha256.Sum256(e.Serialize())

	return hex.EncodeToString(hash[:])
}

func (e *Event) IsRegular() bool {
	return !e.IsReplaceable() && !e.IsEphemeral() && !e.IsParameterizedReplaceable()
}

func (e *Event) IsReplaceable() bool {
	return e.Kind == KindProfileMetadata || e.Kind == KindFollowList || (10000 <= e.Kind && e.Kind < 20000)
}

func (e *Event) IsEphemeral() bool {
	return 20000 <= e.Kind && e.Kind < 30000
}

func (e *Event) IsParameterizedReplaceable() bool {
	return 30000 <= e.Kind && e.Kind < 40000
}

func (e *Event) IsDeletion() bool {
	return e.Kind == KindDeletion
}

// ReplacementKey returns the supersession key and whether the event is
// subject to replacement at all. The d tag component is only meaningful for
// parameterized replaceable kinds and stays empty otherwise.
func (e *Event) ReplacementKey() (ReplacementKey, bool) {
	switch {
	case e.IsReplaceable():
		return ReplacementKey{PubKey: e.PubKey, Kind: e.Kind}, true
	case e.IsParameterizedReplaceable():
		return ReplacementKey{PubKey: e.PubKey, Kind: e.Kind, DTag: e.Tags.GetD()}, true
	}

	return ReplacementKey{}, false
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}

// DeletionTargets collects the ids referenced by the e tags of a kind 5
// event. Order is preserved, duplicates are dropped.
func (e *Event) DeletionTargets() []string {
	seen := make(map[string]struct{}, len(e.Tags))
	targets := make([]string, 0, len(e.Tags))
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag.Key() == "e" && tag.Value() != "" {
			if _, ok := seen[tag.Value()]; ok {
				continue
			}
			seen[tag.Value()] = struct{}{}
			targets = append(targets, tag.Value())
		}
	}

	return targets
}
