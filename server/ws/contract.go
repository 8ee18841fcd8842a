// SPDX-License-Identifier: MIT

package ws

import (
	"context"

	"github.com/SparrowTek/nostr-relay/database/query"
	"github.com/SparrowTek/nostr-relay/model"
	"github.com/SparrowTek/nostr-relay/policy"
	"github.com/SparrowTek/nostr-relay/ratelimit"
	"github.com/SparrowTek/nostr-relay/spam"
	"github.com/SparrowTek/nostr-relay/subscriptions"
)

type (
	EventListener func(context.Context, *model.Event) error
	EventGetter   func(context.Context, *model.Subscription) query.EventIterator
	EventCounter  func(context.Context, *model.Subscription) (int64, error)

	Config struct {
		RelayURL         string
		AllowedPubkeys   []string
		MaxEventBytes    int
		MaxEventTags     int
		MaxContentLength int
		MaxSubscriptions int
		MaxFilters       int
		MaxLimit         int
		MaxSubIDLength   int
		MinPowDifficulty int
		AuthRequired     bool
	}

	// Handler drives every connection session: it owns the pipeline order
	// and the serialized components the sessions call into.
	Handler struct {
		cfg        *Config
		limiter    *ratelimit.Limiter
		spamFilter *spam.Filter
		subs       *subscriptions.Manager
		policy     *policy.Policy
		auth       *policy.AuthManager
	}
)

var (
	wsEventListener        EventListener
	wsSubscriptionListener EventGetter
	wsCountListener        EventCounter
)

// RegisterWSEventListener wires the durable store's ingestion path.
func RegisterWSEventListener(listen EventListener) {
	wsEventListener = listen
}

// RegisterWSSubscriptionListener wires the durable store's historical query
// path.
func RegisterWSSubscriptionListener(listen EventGetter) {
	wsSubscriptionListener = listen
}

func RegisterWSCountListener(listen EventCounter) {
	wsCountListener = listen
}

func NewHandler(
	cfg *Config,
	limiter *ratelimit.Limiter,
	spamFilter *spam.Filter,
	subs *subscriptions.Manager,
	pol *policy.Policy,
	auth *policy.AuthManager,
) *Handler {
	return &Handler{
		cfg:        cfg,
		limiter:    limiter,
		spamFilter: spamFilter,
		subs:       subs,
		policy:     pol,
		auth:       auth,
	}
}

func (h *Handler) limits() *model.Limits {
	return &model.Limits{
		MaxEventBytes:    h.cfg.MaxEventBytes,
		MaxEventTags:     h.cfg.MaxEventTags,
		MaxContentLength: h.cfg.MaxContentLength,
	}
}
