// Package ratelimit enforces the per-tier budgets: hourly and daily
// request quotas, concurrent connections per user, and per-connection
// message rates. Counters live in the shared key-value store so every
// gateway instance sees the same totals.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
	"arcflow.dev/errcode"
	"arcflow.dev/kv"
)

// Tier is a subscription level with its own budgets.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limits holds the budgets for one tier.
type Limits struct {
	MaxPerHour     int
	MaxPerDay      int
	MaxConnections int
	MaxMsgPerSec   int
}

// DefaultLimits returns the built-in tier table.
func DefaultLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierFree:       {MaxPerHour: 200, MaxPerDay: 1000, MaxConnections: 3, MaxMsgPerSec: 15},
		TierPro:        {MaxPerHour: 1000, MaxPerDay: 10000, MaxConnections: 10, MaxMsgPerSec: 60},
		TierEnterprise: {MaxPerHour: 5000, MaxPerDay: 50000, MaxConnections: 25, MaxMsgPerSec: 120},
	}
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Code    errcode.Code
	Reason  string
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func denied(code errcode.Code, format string, args ...any) Decision {
	return Decision{Allowed: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Limiter checks and consumes budgets. Safe for concurrent use.
type Limiter struct {
	store  *kv.Store
	limits map[Tier]Limits
	log    *logrus.Entry
	now    func() time.Time
}

// New creates a Limiter with the given tier table. Nil limits select
// the defaults.
func New(store *kv.Store, limits map[Tier]Limits) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		store:  store,
		limits: limits,
		log:    common.Component("ratelimit"),
		now:    time.Now,
	}
}

// limitsFor falls back to the free tier for unknown tiers, which is the
// conservative choice for a token minted before a plan change.
func (l *Limiter) limitsFor(tier Tier) Limits {
	if lim, ok := l.limits[tier]; ok {
		return lim
	}
	return l.limits[TierFree]
}

func hourKey(userID string, at time.Time) string {
	return "rl:req:h:" + userID + ":" + at.UTC().Format("2006010215")
}

func dayKey(userID string, at time.Time) string {
	return "rl:req:d:" + userID + ":" + at.UTC().Format("20060102")
}

func connKey(userID string) string {
	return "rl:conn:" + userID
}

func msgKey(connectionID string, at time.Time) string {
	return fmt.Sprintf("rl:msg:%s:%d", connectionID, at.Unix())
}

// CheckRequest consumes one unit of the hourly and daily request budget.
// Counters reset on wall-clock boundaries because the window name is
// part of the key. Store outages fail open: a flaky limiter must not
// take down request handling.
func (l *Limiter) CheckRequest(ctx context.Context, userID string, tier Tier) (Decision, error) {
	lim := l.limitsFor(tier)
	at := l.now()

	hourly, err := l.store.Incr(ctx, hourKey(userID, at), 1, time.Hour+5*time.Minute)
	if err != nil {
		l.log.WithError(err).WithField("user", userID).Warn("request budget check failed open")
		return allowed(), nil
	}
	if hourly > int64(lim.MaxPerHour) {
		return denied(errcode.RateLimit, "hourly request budget exhausted (%d/%d)", lim.MaxPerHour, lim.MaxPerHour), nil
	}

	daily, err := l.store.Incr(ctx, dayKey(userID, at), 1, 25*time.Hour)
	if err != nil {
		l.log.WithError(err).WithField("user", userID).Warn("request budget check failed open")
		return allowed(), nil
	}
	if daily > int64(lim.MaxPerDay) {
		return denied(errcode.RateLimit, "daily request budget exhausted (%d/%d)", lim.MaxPerDay, lim.MaxPerDay), nil
	}
	return allowed(), nil
}

// AcquireConnection reserves a connection slot for the user. Store
// outages fail closed here: admission is the one place where guessing
// low is safe and guessing high is not.
func (l *Limiter) AcquireConnection(ctx context.Context, userID string, tier Tier) (Decision, error) {
	lim := l.limitsFor(tier)

	open, err := l.store.Incr(ctx, connKey(userID), 1, 0)
	if err != nil {
		return denied(errcode.ConnLimit, "connection budget unavailable"), err
	}
	if open > int64(lim.MaxConnections) {
		// Give back the slot this attempt took.
		if _, derr := l.store.Decr(ctx, connKey(userID)); derr != nil {
			l.log.WithError(derr).WithField("user", userID).Warn("connection slot rollback failed")
		}
		return denied(errcode.ConnLimit, "connection limit reached (%d)", lim.MaxConnections), nil
	}
	return allowed(), nil
}

// ReleaseConnection returns a connection slot. The gauge never goes
// below zero even if releases outnumber acquires after a store flush.
func (l *Limiter) ReleaseConnection(ctx context.Context, userID string) error {
	open, err := l.store.Decr(ctx, connKey(userID))
	if err != nil {
		return err
	}
	if open < 0 {
		return l.store.Set(ctx, connKey(userID), "0", 0)
	}
	return nil
}

// CheckMessage consumes one unit of the per-connection per-second
// message budget. Store outages fail open.
func (l *Limiter) CheckMessage(ctx context.Context, connectionID string, tier Tier) (Decision, error) {
	lim := l.limitsFor(tier)

	count, err := l.store.Incr(ctx, msgKey(connectionID, l.now()), 1, 2*time.Second)
	if err != nil {
		l.log.WithError(err).WithField("connection", connectionID).Warn("message budget check failed open")
		return allowed(), nil
	}
	if count > int64(lim.MaxMsgPerSec) {
		return denied(errcode.RateLimit, "message rate exceeded (%d/s)", lim.MaxMsgPerSec), nil
	}
	return allowed(), nil
}
