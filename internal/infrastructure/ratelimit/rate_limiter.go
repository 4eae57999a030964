package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	ActionSendMessage        = "send_message"
	ActionCreateConversation = "create_conversation"
	ActionTyping             = "typing"
	ActionHTTPRequest        = "http_request"
)

// Rule describes a bucket: Burst tokens, refilled by one every Interval.
type Rule struct {
	Burst    int
	Interval time.Duration
}

// DefaultRules are the chat limits: 10 sends per minute, 5 new conversations
// per hour and 30 typing events per minute. HTTP requests are keyed by client
// IP and allow 60 per minute.
var DefaultRules = map[string]Rule{
	ActionSendMessage:        {Burst: 10, Interval: 6 * time.Second},
	ActionCreateConversation: {Burst: 5, Interval: 12 * time.Minute},
	ActionTyping:             {Burst: 30, Interval: 2 * time.Second},
	ActionHTTPRequest:        {Burst: 60, Interval: time.Second},
}

var fallbackRule = Rule{Burst: 20, Interval: 3 * time.Second}

type bucket struct {
	mu         sync.Mutex
	tokens     int
	rule       Rule
	lastRefill time.Time
	lastUsed   time.Time
}

func (b *bucket) allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = now
	if refills := int(now.Sub(b.lastRefill) / b.rule.Interval); refills > 0 {
		b.tokens += refills
		if b.tokens > b.rule.Burst {
			b.tokens = b.rule.Burst
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(refills) * b.rule.Interval)
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, b.lastRefill.Add(b.rule.Interval).Sub(now)
}

// RateLimiter keeps one token bucket per user and action.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rules   map[string]Rule
	now     func() time.Time
	idle    time.Duration
}

type Option func(*RateLimiter)

func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

func WithRules(rules map[string]Rule) Option {
	return func(rl *RateLimiter) { rl.rules = rules }
}

func NewRateLimiter(opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rules:   DefaultRules,
		now:     time.Now,
		idle:    time.Hour,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow consumes a token for userID's action. When it refuses, the duration is
// the wait until the next token.
func (rl *RateLimiter) Allow(userID, action string) (bool, time.Duration) {
	key := userID + ":" + action
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		rule, known := rl.rules[action]
		if !known {
			rule = fallbackRule
		}
		b = &bucket{tokens: rule.Burst, rule: rule, lastRefill: now, lastUsed: now}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	return b.allow(now)
}

// Cleanup drops buckets idle for longer than an hour.
func (rl *RateLimiter) Cleanup() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		b.mu.Lock()
		stale := now.Sub(b.lastUsed) > rl.idle
		b.mu.Unlock()
		if stale {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
