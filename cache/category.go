package cache

import "time"

// Category namespaces cached values and selects their default TTL.
// The category name is the middle segment of every cache key.
type Category string

const (
	UserSessions  Category = "sessions"
	UserData      Category = "users"
	Flows         Category = "flows"
	Knowledge     Category = "knowledge"
	AIResponses   Category = "ai"
	APIResponses  Category = "api"
	WorkspaceData Category = "workspace"
	BillingData   Category = "billing"
	SystemConfig  Category = "sysconfig"
	MetricsData   Category = "metrics"
)

// Tier is advisory: hot/warm/cold hint at access frequency so callers can
// size what they put in each category. Nothing here enforces eviction.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

type profile struct {
	ttl  time.Duration
	tier Tier
}

var profiles = map[Category]profile{
	UserSessions:  {1800 * time.Second, TierHot},
	UserData:      {900 * time.Second, TierWarm},
	Flows:         {600 * time.Second, TierWarm},
	Knowledge:     {1800 * time.Second, TierCold},
	AIResponses:   {3600 * time.Second, TierCold},
	APIResponses:  {300 * time.Second, TierWarm},
	WorkspaceData: {600 * time.Second, TierWarm},
	BillingData:   {300 * time.Second, TierWarm},
	SystemConfig:  {3600 * time.Second, TierCold},
	MetricsData:   {60 * time.Second, TierHot},
}

// dependents declares which categories must be flushed when a category
// is invalidated: stale user data poisons sessions and workspace views,
// stale flows and workspaces poison assembled API responses, and billing
// changes can alter what a session is allowed to do.
var dependents = map[Category][]Category{
	UserData:      {UserSessions, WorkspaceData},
	Flows:         {APIResponses},
	WorkspaceData: {APIResponses},
	BillingData:   {UserSessions},
}

// TTL returns the category's default TTL.
func (c Category) TTL() time.Duration {
	if p, ok := profiles[c]; ok {
		return p.ttl
	}
	return 300 * time.Second
}

// Tier returns the category's advisory tier.
func (c Category) Tier() Tier {
	if p, ok := profiles[c]; ok {
		return p.tier
	}
	return TierWarm
}

// Dependents returns the categories invalidated alongside c.
func (c Category) Dependents() []Category {
	return dependents[c]
}
