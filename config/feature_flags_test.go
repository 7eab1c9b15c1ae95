package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadFeatureFlags_DefaultsEnabled(t *testing.T) {
	ff := LoadFeatureFlags()

	for _, name := range []string{
		FeatureDashboardLivePolls,
		FeatureDashboardStaleFallback,
		FeatureNightlySweep,
		FeatureEventPruning,
		FeatureJobsAdminAPI,
		FeatureDistributedBus,
	} {
		assert.True(t, ff.IsEnabled(name), name)
	}

	assert.False(t, ff.IsEnabled("does.not_exist"))
}

func TestFeatureFlags_EnvOverride(t *testing.T) {
	t.Setenv("FEATURE_MAINTENANCE_NIGHTLY_SWEEP", "false")
	t.Setenv("FEATURE_DASHBOARD_LIVE_POLLS_ROLLOUT", "0")

	ff := LoadFeatureFlags()

	assert.False(t, ff.IsEnabled(FeatureNightlySweep))
	assert.True(t, ff.IsEnabled(FeatureDashboardLivePolls), "rollout must not affect the global switch")
	assert.False(t, ff.IsEnabledForClass(FeatureDashboardLivePolls, "class-1"))
}

func TestFeatureFlags_RolloutIsStablePerClass(t *testing.T) {
	ff := LoadFeatureFlags()
	ff.features[FeatureDashboardLivePolls].RolloutPercent = 50

	first := ff.IsEnabledForClass(FeatureDashboardLivePolls, "class-42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ff.IsEnabledForClass(FeatureDashboardLivePolls, "class-42"))
	}
}

func TestFeatureFlags_ClassOverrideBeatsRollout(t *testing.T) {
	ff := LoadFeatureFlags()
	ff.features[FeatureDashboardLivePolls].RolloutPercent = 0

	assert.False(t, ff.IsEnabledForClass(FeatureDashboardLivePolls, "class-1"))

	ff.SetClassOverride("class-1", FeatureDashboardLivePolls, true)
	assert.True(t, ff.IsEnabledForClass(FeatureDashboardLivePolls, "class-1"))

	ff.ClearClassOverrides("class-1")
	assert.False(t, ff.IsEnabledForClass(FeatureDashboardLivePolls, "class-1"))
}

func TestFeatureFlags_SetEnabled(t *testing.T) {
	ff := LoadFeatureFlags()

	ff.SetEnabled(FeatureEventPruning, false)
	assert.False(t, ff.IsEnabled(FeatureEventPruning))
	assert.False(t, ff.IsEnabledForClass(FeatureEventPruning, "class-1"),
		"a globally disabled feature is off for every class")

	ff.SetEnabled(FeatureEventPruning, true)
	assert.True(t, ff.IsEnabled(FeatureEventPruning))
}

func TestFeatureEnvKey(t *testing.T) {
	assert.Equal(t, "FEATURE_DASHBOARD_LIVE_POLLS", featureEnvKey("dashboard.live_polls"))
	assert.Equal(t, "FEATURE_MESSAGING_DISTRIBUTED_BUS", featureEnvKey("messaging.distributed_bus"))
}
