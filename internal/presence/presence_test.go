package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		age      time.Duration
		expected Status
	}{
		{"just now", 0, Status{Tier: Online}},
		{"29s", 29 * time.Second, Status{Tier: Online}},
		{"30s", 30 * time.Second, Status{Tier: RecentlyOffline}},
		{"59s", 59 * time.Second, Status{Tier: RecentlyOffline}},
		{"60s", 60 * time.Second, Status{Tier: OfflineMinutes, Minutes: 1}},
		{"2m30s", 150 * time.Second, Status{Tier: OfflineMinutes, Minutes: 2}},
		{"299s", 299 * time.Second, Status{Tier: OfflineMinutes, Minutes: 4}},
		{"300s", 300 * time.Second, Status{Tier: NoSignal}},
		{"one day", 24 * time.Hour, Status{Tier: NoSignal}},
		{"future", -10 * time.Second, Status{Tier: Online}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(now.Add(-tt.age), now))
		})
	}
}

func TestClassify_NeverReported(t *testing.T) {
	assert.Equal(t, Status{Tier: NoSignal}, Classify(time.Time{}, time.Now()))
}

func TestClassify_MonotonicInAge(t *testing.T) {
	now := time.Now()
	prev := Online
	for age := time.Duration(0); age <= 10*time.Minute; age += 500 * time.Millisecond {
		tier := Classify(now.Add(-age), now).Tier
		if tier < prev {
			t.Fatalf("tier went from %s back to %s at age %s", prev, tier, age)
		}
		prev = tier
	}
}

func TestIsLive_MatchesClassifier(t *testing.T) {
	now := time.Now()
	assert.True(t, IsLive(now.Add(-10*time.Second), now))
	assert.True(t, IsLive(now.Add(-59*time.Second), now))
	assert.False(t, IsLive(now.Add(-60*time.Second), now))
	assert.False(t, IsLive(time.Time{}, now))
}

func TestStatus_Label(t *testing.T) {
	assert.Equal(t, "online", Status{Tier: Online}.Label())
	assert.Equal(t, "recently offline", Status{Tier: RecentlyOffline}.Label())
	assert.Equal(t, "offline 3 min", Status{Tier: OfflineMinutes, Minutes: 3}.Label())
	assert.Equal(t, "no signal", Status{Tier: NoSignal}.Label())
}
