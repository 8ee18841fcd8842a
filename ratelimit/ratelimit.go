// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type (
	Status uint8

	Result struct {
		Reason string
		Status Status
	}

	Config struct {
		AddressCapacity         float64
		AddressRefillRate       float64
		PubkeyCapacity          float64
		PubkeyRefillRate        float64
		SubscriptionCost        float64
		MaxEventBytes           int
		MaxConnectionsPerSource int
		MaxBucketEntries        int
	}

	bucket struct {
		lastRefill time.Time
		fullSince  time.Time
		tokens     float64
	}

	// Limiter owns all of its bookkeeping behind one mutex. Callers see only
	// the Result of each admission check.
	Limiter struct {
		cfg             *Config
		now             func() time.Time
		addressBuckets  *lru.Cache[string, *bucket]
		pubkeyBuckets   *lru.Cache[string, *bucket]
		connections     map[string]int
		allowList       map[string]struct{}
		denyList        map[string]struct{}
		mx              sync.Mutex
		cleanupInterval time.Duration
	}
)

const (
	StatusAllowed Status = iota
	StatusLimited
	StatusBlocked
)

const defaultMaxBucketEntries = 100_000

func (r Result) Allowed() bool {
	return r.Status == StatusAllowed
}

func allowed() Result {
	return Result{Status: StatusAllowed}
}

func limited(reason string) Result {
	return Result{Status: StatusLimited, Reason: reason}
}

func blocked(reason string) Result {
	return Result{Status: StatusBlocked, Reason: reason}
}

func New(cfg *Config) *Limiter {
	maxEntries := cfg.MaxBucketEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxBucketEntries
	}
	addressBuckets, err := lru.New[string, *bucket](maxEntries)
	if err != nil {
		log.Panicf("failed to create address bucket table: %v", err)
	}
	pubkeyBuckets, err := lru.New[string, *bucket](maxEntries)
	if err != nil {
		log.Panicf("failed to create pubkey bucket table: %v", err)
	}

	return &Limiter{
		cfg:             cfg,
		now:             time.Now,
		addressBuckets:  addressBuckets,
		pubkeyBuckets:   pubkeyBuckets,
		connections:     make(map[string]int),
		allowList:       make(map[string]struct{}),
		denyList:        make(map[string]struct{}),
		cleanupInterval: time.Hour,
	}
}

// AllowConnection admits or rejects a new connection from the given source
// address and, when admitted, counts it against the per-source cap until
// ReleaseConnection is called.
func (l *Limiter) AllowConnection(addr string) Result {
	l.mx.Lock()
	defer l.mx.Unlock()

	if res, decided := l.checkLists(addr); decided {
		if res.Allowed() {
			l.connections[addr]++
		}

		return res
	}
	if l.connections[addr] >= l.cfg.MaxConnectionsPerSource {
		return limited(fmt.Sprintf("too many connections from %v: maximum is %d", addr, l.cfg.MaxConnectionsPerSource))
	}
	l.connections[addr]++

	return allowed()
}

func (l *Limiter) ReleaseConnection(addr string) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.connections[addr] > 1 {
		l.connections[addr]--
	} else {
		delete(l.connections, addr)
	}
}

// AllowEvent consumes one token from the source address bucket and one from
// the author key bucket.
func (l *Limiter) AllowEvent(addr, pubkey string, size int) Result {
	l.mx.Lock()
	defer l.mx.Unlock()

	if res, decided := l.checkLists(addr); decided {
		return res
	}
	if l.cfg.MaxEventBytes > 0 && size > l.cfg.MaxEventBytes {
		return limited(fmt.Sprintf("event too large: %d bytes, maximum is %d bytes", size, l.cfg.MaxEventBytes))
	}

	addrBucket := l.bucket(l.addressBuckets, addr, l.cfg.AddressCapacity, l.cfg.AddressRefillRate)
	pubkeyBucket := l.bucket(l.pubkeyBuckets, pubkey, l.cfg.PubkeyCapacity, l.cfg.PubkeyRefillRate)
	if addrBucket.tokens < 1 {
		return limited(fmt.Sprintf("rate limit exceeded for %v, slow down", addr))
	}
	if pubkeyBucket.tokens < 1 {
		return limited(fmt.Sprintf("rate limit exceeded for author %v, slow down", pubkey))
	}
	addrBucket.consume(1)
	pubkeyBucket.consume(1)

	return allowed()
}

// AllowSubscription consumes the configured subscription cost from the
// source address bucket.
func (l *Limiter) AllowSubscription(addr string) Result {
	l.mx.Lock()
	defer l.mx.Unlock()

	if res, decided := l.checkLists(addr); decided {
		return res
	}
	addrBucket := l.bucket(l.addressBuckets, addr, l.cfg.AddressCapacity, l.cfg.AddressRefillRate)
	if addrBucket.tokens < l.cfg.SubscriptionCost {
		return limited(fmt.Sprintf("subscription rate limit exceeded for %v, slow down", addr))
	}
	addrBucket.consume(l.cfg.SubscriptionCost)

	return allowed()
}

// Allow puts the address on the allow-list, removing any deny-list entry.
func (l *Limiter) Allow(addr string) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.allowList[addr] = struct{}{}
	delete(l.denyList, addr)
}

func (l *Limiter) Deny(addr string) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.denyList[addr] = struct{}{}
}

func (l *Limiter) RemoveAllow(addr string) {
	l.mx.Lock()
	defer l.mx.Unlock()

	delete(l.allowList, addr)
}

func (l *Limiter) RemoveDeny(addr string) {
	l.mx.Lock()
	defer l.mx.Unlock()

	delete(l.denyList, addr)
}

func (l *Limiter) checkLists(addr string) (Result, bool) {
	if _, ok := l.allowList[addr]; ok {
		return allowed(), true
	}
	if _, ok := l.denyList[addr]; ok {
		return blocked(fmt.Sprintf("address %v is blocked", addr)), true
	}

	return Result{}, false
}

func (l *Limiter) bucket(table *lru.Cache[string, *bucket], key string, capacity, refillRate float64) *bucket {
	now := l.now()
	b, ok := table.Get(key)
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now, fullSince: now}
		table.Add(key, b)

		return b
	}
	b.refill(now, capacity, refillRate)

	return b
}

func (b *bucket) refill(now time.Time, capacity, refillRate float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(capacity, b.tokens+elapsed*refillRate)
	b.lastRefill = now
	if b.tokens >= capacity {
		if b.fullSince.IsZero() {
			b.fullSince = now
		}
	} else {
		b.fullSince = time.Time{}
	}
}

func (b *bucket) consume(cost float64) {
	b.tokens -= cost
	b.fullSince = time.Time{}
}

// Run sweeps idle buckets until the context is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Cleanup drops buckets that have been sitting at full capacity for at
// least one full refill period. The LRU table caps total size regardless.
func (l *Limiter) Cleanup() {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.cleanup(l.addressBuckets, l.cfg.AddressCapacity, l.cfg.AddressRefillRate)
	l.cleanup(l.pubkeyBuckets, l.cfg.PubkeyCapacity, l.cfg.PubkeyRefillRate)
}

func (l *Limiter) cleanup(table *lru.Cache[string, *bucket], capacity, refillRate float64) {
	if refillRate <= 0 {
		return
	}
	now := l.now()
	refillPeriod := time.Duration(capacity / refillRate * float64(time.Second))
	for _, key := range table.Keys() {
		b, ok := table.Peek(key)
		if !ok {
			continue
		}
		b.refill(now, capacity, refillRate)
		if !b.fullSince.IsZero() && now.Sub(b.fullSince) >= refillPeriod {
			table.Remove(key)
		}
	}
}
