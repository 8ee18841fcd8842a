// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/gookit/goutil/errorx"
	"github.com/spf13/cobra"

	"github.com/SparrowTek/nostr-relay/cfg"
	"github.com/SparrowTek/nostr-relay/database/query"
	"github.com/SparrowTek/nostr-relay/model"
	"github.com/SparrowTek/nostr-relay/policy"
	"github.com/SparrowTek/nostr-relay/ratelimit"
	"github.com/SparrowTek/nostr-relay/server"
	wsserver "github.com/SparrowTek/nostr-relay/server/ws"
	"github.com/SparrowTek/nostr-relay/spam"
	"github.com/SparrowTek/nostr-relay/subscriptions"
)

var (
	configPath string

	relay = &cobra.Command{
		Use:   "relay",
		Short: "nostr relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg.MustInit(configPath)
			config := cfg.MustGet()
			query.MustInit(config.DatabaseURL)

			limiter := ratelimit.New(&ratelimit.Config{
				AddressCapacity:         config.RateLimit.AddressCapacity,
				AddressRefillRate:       config.RateLimit.AddressRefillRate,
				PubkeyCapacity:          config.RateLimit.PubkeyCapacity,
				PubkeyRefillRate:        config.RateLimit.PubkeyRefillRate,
				SubscriptionCost:        config.RateLimit.SubscriptionCost,
				MaxEventBytes:           config.MaxEventBytes,
				MaxConnectionsPerSource: config.RateLimit.MaxConnectionsPerSource,
			})
			spamFilter := spam.New(&spam.Config{
				Keywords:            config.Spam.Keywords,
				ShortenerDomains:    config.Spam.ShortenerDomains,
				DuplicateWindow:     config.Spam.DuplicateWindow,
				MaxEventsPerMinute:  config.Spam.MaxEventsPerMinute,
				MinContentLength:    config.Spam.MinContentLength,
				MaxMentionsPerEvent: config.Spam.MaxMentionsPerEvent,
				MaxURLsPerEvent:     config.Spam.MaxURLsPerEvent,
				MaxTagsPerEvent:     config.Spam.MaxTagsPerEvent,
				MaxHashtagsPerEvent: config.Spam.MaxHashtagsPerEvent,
			})
			securityPolicy := policy.New()
			authManager := policy.NewAuthManager(config.RelayURL)
			subscriptionManager := subscriptions.New()

			go limiter.Run(ctx)
			go spamFilter.Run(ctx)
			go securityPolicy.Run(ctx)

			wsHandler := wsserver.NewHandler(&wsserver.Config{
				RelayURL:         config.RelayURL,
				AllowedPubkeys:   config.AllowedPubkeys,
				MaxEventBytes:    config.MaxEventBytes,
				MaxEventTags:     config.MaxEventTags,
				MaxContentLength: config.MaxContentLength,
				MaxSubscriptions: config.MaxSubscriptions,
				MaxFilters:       config.MaxFilters,
				MaxLimit:         config.MaxLimit,
				MaxSubIDLength:   config.MaxSubIDLength,
				MinPowDifficulty: config.MinPowDifficulty,
				AuthRequired:     config.AuthRequired,
			}, limiter, spamFilter, subscriptionManager, securityPolicy, authManager)

			srv := server.New(&server.Config{
				Addr:               config.Addr,
				CertPath:           config.CertPath,
				KeyPath:            config.KeyPath,
				CORSAllowedOrigins: config.CORSAllowedOrigins,
			}, wsHandler, &server.NIP11Config{
				Name:             config.RelayName,
				Description:      config.RelayDescription,
				PubKey:           config.RelayPubKey,
				Contact:          config.RelayContact,
				MaxSubscriptions: config.MaxSubscriptions,
				MaxFilters:       config.MaxFilters,
				MaxLimit:         config.MaxLimit,
				MaxSubIDLength:   config.MaxSubIDLength,
				MaxEventTags:     config.MaxEventTags,
				MaxContentLength: config.MaxContentLength,
				MinPowDifficulty: config.MinPowDifficulty,
				AuthRequired:     config.AuthRequired,
			}, securityPolicy)

			return srv.ListenAndServe(ctx)
		},
	}
)

func init() {
	relay.Flags().StringVar(&configPath, "config", "/etc/nostr-relay/relay.yaml", "path to the yaml configuration file")

	wsserver.RegisterWSEventListener(func(ctx context.Context, event *model.Event) error {
		if err := query.AcceptEvent(ctx, event); err != nil {
			return errorx.Withf(err, "failed to query.AcceptEvent(%#v)", event)
		}

		return nil
	})
	wsserver.RegisterWSSubscriptionListener(query.GetStoredEvents)
	wsserver.RegisterWSCountListener(query.CountEvents)
}

func main() {
	if err := relay.Execute(); err != nil {
		log.Panic(err)
	}
}
