// SPDX-License-Identifier: MIT

package cfg

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type (
	RateLimitConfig struct {
		AddressCapacity         float64 `mapstructure:"addressCapacity"`
		AddressRefillRate       float64 `mapstructure:"addressRefillRate"`
		PubkeyCapacity          float64 `mapstructure:"pubkeyCapacity"`
		PubkeyRefillRate        float64 `mapstructure:"pubkeyRefillRate"`
		SubscriptionCost        float64 `mapstructure:"subscriptionCost"`
		MaxConnectionsPerSource int     `mapstructure:"maxConnectionsPerSource"`
	}

	SpamConfig struct {
		Keywords            []string      `mapstructure:"keywords"`
		ShortenerDomains    []string      `mapstructure:"shortenerDomains"`
		DuplicateWindow     time.Duration `mapstructure:"duplicateWindow"`
		MaxEventsPerMinute  int           `mapstructure:"maxEventsPerMinute"`
		MinContentLength    int           `mapstructure:"minContentLength"`
		MaxMentionsPerEvent int           `mapstructure:"maxMentionsPerEvent"`
		MaxURLsPerEvent     int           `mapstructure:"maxUrlsPerEvent"`
		MaxTagsPerEvent     int           `mapstructure:"maxTagsPerEvent"`
		MaxHashtagsPerEvent int           `mapstructure:"maxHashtagsPerEvent"`
	}

	Config struct {
		Addr               string          `mapstructure:"addr"`
		CertPath           string          `mapstructure:"certPath"`
		KeyPath            string          `mapstructure:"keyPath"`
		DatabaseURL        string          `mapstructure:"databaseUrl"`
		RelayURL           string          `mapstructure:"relayUrl"`
		RelayName          string          `mapstructure:"relayName"`
		RelayDescription   string          `mapstructure:"relayDescription"`
		RelayPubKey        string          `mapstructure:"relayPubkey"`
		RelayContact       string          `mapstructure:"relayContact"`
		CORSAllowedOrigins []string        `mapstructure:"corsAllowedOrigins"`
		AllowedPubkeys     []string        `mapstructure:"allowedPubkeys"`
		MaxEventBytes      int             `mapstructure:"maxEventBytes"`
		MaxSubscriptions   int             `mapstructure:"maxSubscriptions"`
		MaxFilters         int             `mapstructure:"maxFilters"`
		MaxLimit           int             `mapstructure:"maxLimit"`
		MaxSubIDLength     int             `mapstructure:"maxSubidLength"`
		MaxEventTags       int             `mapstructure:"maxEventTags"`
		MaxContentLength   int             `mapstructure:"maxContentLength"`
		MinPowDifficulty   int             `mapstructure:"minPowDifficulty"`
		AuthRequired       bool            `mapstructure:"authRequired"`
		RateLimit          RateLimitConfig `mapstructure:"rateLimit"`
		Spam               SpamConfig      `mapstructure:"spam"`
	}
)

var initializer = new(sync.Once)

// MustInit loads the optional YAML configuration file, binds RELAY_*
// environment variables, and registers every default. Configuration is
// immutable once the process is up.
func MustInit(absoluteCfgPaths ...string) {
	initializer.Do(func() { mustInit(absoluteCfgPaths...) })
}

func mustInit(absoluteCfgPaths ...string) {
	setDefaults()

	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, path := range absoluteCfgPaths {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err == nil {
			return
		}
	}
	if len(absoluteCfgPaths) > 0 {
		log.Printf("warn: could not read any of the provided config paths %+v, using defaults and environment", absoluteCfgPaths)
	}
}

func setDefaults() {
	viper.SetDefault("addr", ":9090")
	viper.SetDefault("certPath", "")
	viper.SetDefault("keyPath", "")
	viper.SetDefault("databaseUrl", "relay.db")
	viper.SetDefault("relayUrl", "wss://localhost:9090")
	viper.SetDefault("relayName", "nostr-relay")
	viper.SetDefault("relayDescription", "a nostr relay")
	viper.SetDefault("relayPubkey", "~")
	viper.SetDefault("relayContact", "~")
	viper.SetDefault("corsAllowedOrigins", []string{})
	viper.SetDefault("allowedPubkeys", []string{})
	viper.SetDefault("maxEventBytes", 65536)
	viper.SetDefault("maxSubscriptions", 20)
	viper.SetDefault("maxFilters", 10)
	viper.SetDefault("maxLimit", 500)
	viper.SetDefault("maxSubidLength", 64)
	viper.SetDefault("maxEventTags", 2000)
	viper.SetDefault("maxContentLength", 65536)
	viper.SetDefault("minPowDifficulty", 0)
	viper.SetDefault("authRequired", false)
	viper.SetDefault("rateLimit.addressCapacity", 10)
	viper.SetDefault("rateLimit.addressRefillRate", 1)
	viper.SetDefault("rateLimit.pubkeyCapacity", 30)
	viper.SetDefault("rateLimit.pubkeyRefillRate", 2)
	viper.SetDefault("rateLimit.subscriptionCost", 3)
	viper.SetDefault("rateLimit.maxConnectionsPerSource", 8)
	viper.SetDefault("spam.keywords", []string{})
	viper.SetDefault("spam.shortenerDomains", []string{"bit.ly", "tinyurl.com", "t.co"})
	viper.SetDefault("spam.duplicateWindow", "10m")
	viper.SetDefault("spam.maxEventsPerMinute", 60)
	viper.SetDefault("spam.minContentLength", 1)
	viper.SetDefault("spam.maxMentionsPerEvent", 50)
	viper.SetDefault("spam.maxUrlsPerEvent", 10)
	viper.SetDefault("spam.maxTagsPerEvent", 100)
	viper.SetDefault("spam.maxHashtagsPerEvent", 20)
}

// MustGet materializes the immutable configuration snapshot.
func MustGet() *Config {
	var config Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&config, hook); err != nil {
		log.Panic(errors.Wrap(err, "could not deserialize configuration"))
	}

	return &config
}
