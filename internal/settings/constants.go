package settings

// DB config keys and defaults for settings.
const (
	// SiteNameKey is the DB config key for the deployment display name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback deployment display name.
	DefaultSiteName = "RelayPool"
	// FailbackCooldownSecondsKey controls how long the primary must stay
	// healthy before sessions return to it.
	FailbackCooldownSecondsKey = "FAILBACK_COOLDOWN_SECONDS"
	// HealthWindowMinutesKey controls the health score sampling window.
	HealthWindowMinutesKey = "HEALTH_WINDOW_MINUTES"
	// HealthLatencyCeilingMsKey controls the p95 latency ceiling used by
	// the health score's latency factor.
	HealthLatencyCeilingMsKey = "HEALTH_LATENCY_CEILING_MS"
	// DefaultAllocationRuleKey controls the allocation rule used when a
	// group has none configured.
	DefaultAllocationRuleKey = "DEFAULT_ALLOCATION_RULE"
	// DefaultFailbackCooldownSeconds is the fallback failback cooldown.
	DefaultFailbackCooldownSeconds = 300
	// DefaultHealthWindowMinutes is the fallback sampling window.
	DefaultHealthWindowMinutes = 5
	// DefaultHealthLatencyCeilingMs is the fallback latency ceiling.
	DefaultHealthLatencyCeilingMs = 10000
	// DefaultAllocationRule is the fallback allocation rule type.
	DefaultAllocationRule = "equal"
)
