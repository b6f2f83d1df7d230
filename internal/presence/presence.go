// Package presence classifies how fresh a reported location is. The map badges
// and the fleet statistics both use it, so they always agree on thresholds.
package presence

import (
	"fmt"
	"time"
)

// Tier is a connectivity level. Tiers are ordered from most to least connected.
type Tier int

const (
	Online Tier = iota
	RecentlyOffline
	OfflineMinutes
	NoSignal
)

// Breakpoints between tiers, measured as the age of the last report.
const (
	OnlineWindow  = 30 * time.Second
	LiveWindow    = 60 * time.Second
	OfflineWindow = 300 * time.Second
)

func (t Tier) String() string {
	switch t {
	case Online:
		return "online"
	case RecentlyOffline:
		return "recently_offline"
	case OfflineMinutes:
		return "offline_minutes"
	default:
		return "no_signal"
	}
}

// Status is the classification of one last-seen timestamp. Minutes is only
// meaningful for OfflineMinutes.
type Status struct {
	Tier    Tier `json:"tier"`
	Minutes int  `json:"minutes,omitempty"`
}

// Label is the badge text shown on the dispatch map.
func (s Status) Label() string {
	switch s.Tier {
	case Online:
		return "online"
	case RecentlyOffline:
		return "recently offline"
	case OfflineMinutes:
		return fmt.Sprintf("offline %d min", s.Minutes)
	default:
		return "no signal"
	}
}

// MarshalText lets Tier render by name in JSON.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Classify maps the age of lastSeen at now onto a tier. A zero lastSeen means
// nothing was ever reported. Timestamps in the future count as fresh.
func Classify(lastSeen, now time.Time) Status {
	if lastSeen.IsZero() {
		return Status{Tier: NoSignal}
	}
	age := now.Sub(lastSeen)
	if age < 0 {
		age = 0
	}
	switch {
	case age < OnlineWindow:
		return Status{Tier: Online}
	case age < LiveWindow:
		return Status{Tier: RecentlyOffline}
	case age < OfflineWindow:
		return Status{Tier: OfflineMinutes, Minutes: int(age / time.Minute)}
	default:
		return Status{Tier: NoSignal}
	}
}

// IsLive reports whether lastSeen still counts as a transmitting GPS signal.
func IsLive(lastSeen, now time.Time) bool {
	return Classify(lastSeen, now).Tier < OfflineMinutes
}
