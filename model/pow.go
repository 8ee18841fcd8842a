// SPDX-License-Identifier: MIT

package model

import (
	"strconv"

	"github.com/gookit/goutil/errorx"
	"github.com/nbd-wtf/go-nostr/nip13"
)

// Difficulty counts leading zero bits of the hex-decoded event id.
func Difficulty(id string) int {
	return nip13.Difficulty(id)
}

// CheckDifficulty enforces the relay proof-of-work policy. A zero minimum
// disables the check. When a nonce tag commits to a target difficulty, the
// commitment must match the id's actual difficulty.
func (e *Event) CheckDifficulty(minDifficulty int) error {
	if minDifficulty == 0 {
		return nil
	}
	nonce := e.Tags.GetFirst([]string{"nonce"})
	if nonce == nil || len(*nonce) < 3 {
		return errorx.Errorf("missing nonce tag for difficulty %d", minDifficulty)
	}
	got := nip13.Difficulty(e.ID)
	if target, err := strconv.Atoi((*nonce)[2]); err == nil && target != got {
		return errorx.Errorf("nonce tag commits to difficulty %d, event id has %d", target, got)
	}
	if got < minDifficulty {
		return errorx.Errorf("difficulty %d is less than the required %d", got, minDifficulty)
	}

	return nil
}
