// SPDX-License-Identifier: MIT

package policy

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/gookit/goutil/errorx"
	"github.com/nbd-wtf/go-nostr/nip42"

	"github.com/SparrowTek/nostr-relay/model"
)

type (
	Permission string

	challengeState struct {
		issuedAt time.Time
		value    string
	}

	authSession struct {
		grantedAt   time.Time
		pubkey      string
		permissions map[Permission]struct{}
	}

	// AuthManager implements the NIP-42 challenge/response boundary: issue a
	// challenge, verify the signed response, and hold a permission grant for
	// up to 24 hours or until it is revoked.
	AuthManager struct {
		now        func() time.Time
		challenges map[string]challengeState
		sessions   map[string]authSession
		relayURL   string
		mx         sync.Mutex
	}
)

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionAdmin  Permission = "admin"
)

const (
	challengeTTL = 5 * time.Minute
	authEventTTL = 600 * time.Second
	grantTTL     = 24 * time.Hour
)

func NewAuthManager(relayURL string) *AuthManager {
	return &AuthManager{
		now:        time.Now,
		challenges: make(map[string]challengeState),
		sessions:   make(map[string]authSession),
		relayURL:   relayURL,
	}
}

// NewChallenge issues a fresh random challenge for the connection,
// superseding any previous one.
func (a *AuthManager) NewChallenge(connID string) string {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		log.Panicf("failed to read random challenge bytes: %v", err)
	}
	value := hex.EncodeToString(raw[:])

	a.mx.Lock()
	defer a.mx.Unlock()
	a.challenges[connID] = challengeState{issuedAt: a.now(), value: value}

	return value
}

// Verify checks a signed authentication event against the connection's
// active challenge and, on success, grants read/write/delete for 24 hours.
func (a *AuthManager) Verify(connID string, event *model.Event) (string, error) {
	a.mx.Lock()
	defer a.mx.Unlock()

	now := a.now()
	challenge, ok := a.challenges[connID]
	if !ok {
		return "", errorx.New("no active challenge for connection")
	}
	if now.Sub(challenge.issuedAt) > challengeTTL {
		delete(a.challenges, connID)

		return "", errorx.New("challenge expired")
	}
	if event.Kind != model.KindClientAuthentication {
		return "", errorx.Errorf("wrong kind %d for an auth event", event.Kind)
	}
	skew := now.Sub(event.CreatedAt.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > authEventTTL {
		return "", errorx.New("auth event timestamp is too far from now")
	}
	pubkey, ok := nip42.ValidateAuthEvent(&event.Event, challenge.value, a.relayURL)
	if !ok {
		return "", errorx.New("auth event failed validation")
	}

	delete(a.challenges, connID)
	a.sessions[connID] = authSession{
		grantedAt: now,
		pubkey:    pubkey,
		permissions: map[Permission]struct{}{
			PermissionRead:   {},
			PermissionWrite:  {},
			PermissionDelete: {},
		},
	}

	return pubkey, nil
}

func (a *AuthManager) IsAuthenticated(connID string) bool {
	a.mx.Lock()
	defer a.mx.Unlock()

	session, ok := a.sessions[connID]

	return ok && a.now().Sub(session.grantedAt) <= grantTTL
}

func (a *AuthManager) HasPermission(connID string, permission Permission) bool {
	a.mx.Lock()
	defer a.mx.Unlock()

	session, ok := a.sessions[connID]
	if !ok || a.now().Sub(session.grantedAt) > grantTTL {
		return false
	}
	_, ok = session.permissions[permission]

	return ok
}

func (a *AuthManager) AuthenticatedPubkey(connID string) string {
	a.mx.Lock()
	defer a.mx.Unlock()

	return a.sessions[connID].pubkey
}

func (a *AuthManager) Revoke(connID string) {
	a.mx.Lock()
	defer a.mx.Unlock()

	delete(a.challenges, connID)
	delete(a.sessions, connID)
}
