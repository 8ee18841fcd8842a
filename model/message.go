// SPDX-License-Identifier: MIT

package model

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrParseMessage   = errors.New("parse message")
)

// ParseMessage decodes a client frame into its envelope. The frame must be a
// JSON array whose first element names the command.
func ParseMessage(message []byte) (nostr.Envelope, error) {
	parsed := gjson.ParseBytes(message)
	if !parsed.IsArray() {
		return nil, ErrUnknownMessage
	}
	firstComma := bytes.IndexByte(message, ',')
	if firstComma == -1 {
		return nil, ErrUnknownMessage
	}

	e := nostr.ParseMessage(message)
	if e == nil {
		return nil, ErrParseMessage
	}

	return e, nil
}

// RawEventPayload extracts the serialized event object of an EVENT or AUTH
// frame, so the validator can enforce structural and size limits on the
// exact bytes the client sent.
func RawEventPayload(message []byte) ([]byte, bool) {
	payload := gjson.GetBytes(message, "1")
	if !payload.Exists() || !payload.IsObject() {
		return nil, false
	}

	return []byte(payload.Raw), true
}
