package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages runtime feature toggles. Flags gate optional pieces
// of the pipeline (background jobs, the distributed bus, payload extras) so
// operators can turn them off without a redeploy.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Per-class overrides for debugging a single classroom.
	classOverrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100). Classes are assigned by hash of their ID,
	// so a class stays in or out of a rollout consistently.
	RolloutPercent int
}

// Predefined feature flag names.
const (
	// === Dashboard Features ===
	FeatureDashboardLivePolls     = "dashboard.live_polls"     // Live poll block in payloads
	FeatureDashboardStaleFallback = "dashboard.stale_fallback" // Serve stale on rebuild failure

	// === Maintenance Features ===
	FeatureNightlySweep = "maintenance.nightly_sweep"  // Reconciliation sweep job
	FeatureEventPruning = "maintenance.event_pruning"  // Event log retention job
	FeatureJobsAdminAPI = "maintenance.jobs_admin_api" // /api/v1/admin/jobs endpoints

	// === Messaging Features ===
	FeatureDistributedBus = "messaging.distributed_bus" // Redis-backed event bus
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:       make(map[string]*Feature),
		classOverrides: make(map[string]map[string]bool),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	defaults := []*Feature{
		{
			Name:           FeatureDashboardLivePolls,
			Description:    "Include recent engagement responses in dashboard payloads",
			Enabled:        true,
			RolloutPercent: 100,
		},
		{
			Name:           FeatureDashboardStaleFallback,
			Description:    "Serve an expired cached payload when a rebuild fails",
			Enabled:        true,
			RolloutPercent: 100,
		},
		{
			Name:           FeatureNightlySweep,
			Description:    "Nightly replay of event history against live snapshots",
			Enabled:        true,
			RolloutPercent: 100,
		},
		{
			Name:           FeatureEventPruning,
			Description:    "Periodic deletion of events past the retention horizon",
			Enabled:        true,
			RolloutPercent: 100,
		},
		{
			Name:           FeatureJobsAdminAPI,
			Description:    "Expose background jobs over the admin API",
			Enabled:        true,
			RolloutPercent: 100,
		},
		{
			Name:           FeatureDistributedBus,
			Description:    "Relay domain events across instances via Redis pub/sub",
			Enabled:        true,
			RolloutPercent: 100,
		},
	}

	for _, f := range defaults {
		ff.features[f.Name] = f
	}
}

// loadFromEnvironment applies env overrides of the form
// FEATURE_MAINTENANCE_NIGHTLY_SWEEP=false and
// FEATURE_DASHBOARD_LIVE_POLLS_ROLLOUT=25.
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		envKey := featureEnvKey(name)

		if val := os.Getenv(envKey); val != "" {
			if enabled, err := strconv.ParseBool(val); err == nil {
				feature.Enabled = enabled
			}
		}

		if val := os.Getenv(envKey + "_ROLLOUT"); val != "" {
			if pct, err := strconv.Atoi(val); err == nil && pct >= 0 && pct <= 100 {
				feature.RolloutPercent = pct
			}
		}
	}
}

// featureEnvKey converts "dashboard.live_polls" to "FEATURE_DASHBOARD_LIVE_POLLS".
func featureEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled reports whether a feature is globally enabled.
func (ff *FeatureFlags) IsEnabled(name string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	f, ok := ff.features[name]
	return ok && f.Enabled
}

// IsEnabledForClass reports whether a feature is active for a class,
// honoring per-class overrides and rollout percentage.
func (ff *FeatureFlags) IsEnabledForClass(name, classID string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if overrides, ok := ff.classOverrides[classID]; ok {
		if enabled, ok := overrides[name]; ok {
			return enabled
		}
	}

	f, ok := ff.features[name]
	if !ok || !f.Enabled {
		return false
	}
	if f.RolloutPercent >= 100 {
		return true
	}
	if f.RolloutPercent <= 0 {
		return false
	}

	return classBucket(classID) < f.RolloutPercent
}

// SetClassOverride forces a feature on or off for one class.
func (ff *FeatureFlags) SetClassOverride(classID, name string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if ff.classOverrides[classID] == nil {
		ff.classOverrides[classID] = make(map[string]bool)
	}
	ff.classOverrides[classID][name] = enabled
}

// ClearClassOverrides removes all overrides for a class.
func (ff *FeatureFlags) ClearClassOverrides(classID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.classOverrides, classID)
}

// SetEnabled toggles a feature globally at runtime.
func (ff *FeatureFlags) SetEnabled(name string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if f, ok := ff.features[name]; ok {
		f.Enabled = enabled
	}
}

// List returns a snapshot of all features.
func (ff *FeatureFlags) List() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	return out
}

// classBucket maps a class ID onto a stable 0-99 bucket.
func classBucket(classID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(classID))
	return int(h.Sum32() % 100)
}
