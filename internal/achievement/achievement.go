package achievement

import (
	"fmt"
	"math"
	"sort"
	"time"

	"mahoyaAPI/internal/apperr"
)

type RequirementType string

const (
	RequirementOrdersCount    RequirementType = "orders_count"
	RequirementTotalSpent     RequirementType = "total_spent"
	RequirementUniqueProducts RequirementType = "unique_products"
	RequirementManual         RequirementType = "manual"
)

type Achievement struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	Description      string          `json:"description" db:"description"`
	Icon             string          `json:"icon" db:"icon"`
	XPReward         int             `json:"xp_reward" db:"xp_reward"`
	RequirementType  RequirementType `json:"requirement_type" db:"requirement_type"`
	RequirementValue *float64        `json:"requirement_value" db:"requirement_value"`
	IsActive         bool            `json:"is_active" db:"is_active"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

type UserAchievement struct {
	UserID        string    `json:"user_id" db:"user_id"`
	AchievementID string    `json:"achievement_id" db:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at" db:"unlocked_at"`
}

// Stats are the cumulative purchase figures achievements are measured against.
type Stats struct {
	OrdersCount        int     `json:"orders_count"`
	TotalSpent         float64 `json:"total_spent"`
	UniqueProductCount int     `json:"unique_product_count"`
}

type Progress struct {
	Current  float64 `json:"current"`
	Target   float64 `json:"target"`
	Percent  float64 `json:"percent"`
	Unlocked bool    `json:"unlocked"`
}

type AchievementWithStatus struct {
	Achievement
	Progress
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// Target is the threshold to reach; missing or non-positive values count as 1.
func Target(a Achievement) float64 {
	if a.RequirementValue == nil || *a.RequirementValue <= 0 {
		return 1
	}
	return *a.RequirementValue
}

// Evaluate measures stats against a single achievement. recorded says whether
// an unlock row exists for the player. Crossing the threshold marks the
// achievement unlocked for display only; nothing is written here.
func Evaluate(a Achievement, stats Stats, recorded bool) Progress {
	target := Target(a)

	var current float64
	switch a.RequirementType {
	case RequirementOrdersCount:
		current = float64(stats.OrdersCount)
	case RequirementTotalSpent:
		current = stats.TotalSpent
	case RequirementUniqueProducts:
		current = float64(stats.UniqueProductCount)
	case RequirementManual:
		if recorded {
			current = 1
		}
	default:
		if recorded {
			current = target
		}
	}

	current = math.Max(0, math.Min(current, target))
	percent := math.Min(current/target*100, 100)

	return Progress{
		Current:  current,
		Target:   target,
		Percent:  percent,
		Unlocked: recorded || percent >= 100,
	}
}

// EvaluateAll evaluates every active achievement, ordered by ascending threshold
// with unset thresholds first.
func EvaluateAll(defs []Achievement, stats Stats, unlocks map[string]UserAchievement) []*AchievementWithStatus {
	active := SortByRequirement(defs)

	result := make([]*AchievementWithStatus, 0, len(active))
	for _, a := range active {
		u, recorded := unlocks[a.ID]
		status := &AchievementWithStatus{
			Achievement: a,
			Progress:    Evaluate(a, stats, recorded),
		}
		if recorded {
			unlockedAt := u.UnlockedAt
			status.UnlockedAt = &unlockedAt
		}
		result = append(result, status)
	}
	return result
}

// PendingUnlocks lists active achievements whose threshold the stats already
// cross but that have no unlock row yet. Manual achievements never qualify.
func PendingUnlocks(defs []Achievement, stats Stats, unlocks map[string]UserAchievement) []Achievement {
	var pending []Achievement
	for _, a := range SortByRequirement(defs) {
		if a.RequirementType == RequirementManual {
			continue
		}
		if _, ok := unlocks[a.ID]; ok {
			continue
		}
		if Evaluate(a, stats, false).Unlocked {
			pending = append(pending, a)
		}
	}
	return pending
}

// SortByRequirement drops inactive achievements and sorts the rest.
func SortByRequirement(defs []Achievement) []Achievement {
	active := make([]Achievement, 0, len(defs))
	for _, a := range defs {
		if a.IsActive {
			active = append(active, a)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		ti, tj := sortKey(active[i]), sortKey(active[j])
		if ti != tj {
			return ti < tj
		}
		return active[i].Name < active[j].Name
	})
	return active
}

func sortKey(a Achievement) float64 {
	if a.RequirementValue == nil {
		return math.Inf(-1)
	}
	return *a.RequirementValue
}

// ParseAchievement validates a definition read from the store.
func ParseAchievement(a Achievement) (Achievement, error) {
	if a.ID == "" {
		return Achievement{}, fmt.Errorf("achievement without id: %w", apperr.ErrValidation)
	}
	if a.RequirementValue != nil && (*a.RequirementValue < 0 || math.IsNaN(*a.RequirementValue)) {
		return Achievement{}, fmt.Errorf("achievement %s has invalid requirement_value %v: %w", a.ID, *a.RequirementValue, apperr.ErrValidation)
	}
	if a.XPReward < 0 {
		return Achievement{}, fmt.Errorf("achievement %s has negative xp_reward: %w", a.ID, apperr.ErrValidation)
	}
	return a, nil
}
