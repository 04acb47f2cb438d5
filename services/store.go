package services

import (
	"context"
	"fmt"
	"time"

	"mahoyaAPI/internal/achievement"
	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/benefit"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/progression"
)

// Store is everything the gamification service reads from and writes to the
// external database. Getters return (nil, nil) for a missing row.
type Store interface {
	d20.Repository
	benefit.Repository

	Ping(ctx context.Context) error
	Close()

	GetProgress(ctx context.Context, userID string) (*progression.PlayerProgress, error)
	// CreateProgress fails with apperr.ErrConflict when the player exists.
	CreateProgress(ctx context.Context, p progression.PlayerProgress) error
	// SaveLevel writes back the cached level and current_xp columns.
	SaveLevel(ctx context.Context, p progression.PlayerProgress) error
	// AddXP adds amount to total_xp, creating the player if needed, and keeps
	// level and current_xp consistent with the new total.
	AddXP(ctx context.Context, userID string, amount int) (*progression.PlayerProgress, error)
	ListPlayerIDs(ctx context.Context) ([]string, error)
	DeletePlayer(ctx context.Context, userID string) error

	ListAchievements(ctx context.Context) ([]achievement.Achievement, error)
	ListUserAchievements(ctx context.Context, userID string) ([]achievement.UserAchievement, error)
	GetStats(ctx context.Context, userID string) (achievement.Stats, error)
	// RecordUnlock writes the unlock row and grants xpReward together. It
	// reports false without granting anything when the unlock already existed.
	RecordUnlock(ctx context.Context, ua achievement.UserAchievement, xpReward int) (bool, error)

	ListLevelTitles(ctx context.Context) ([]progression.Title, error)

	GrantEligibility(ctx context.Context, userID string, at time.Time) error
	RevokeEligibility(ctx context.Context, userID string) error
	DeleteRoll(ctx context.Context, userID string) error

	SaveDevice(ctx context.Context, device notification.DeviceToken) error
	ListDevices(ctx context.Context, userID string) ([]notification.DeviceToken, error)
}

// countedOrderStatus reports whether an order contributes to achievement stats.
func countedOrderStatus(status string) bool {
	switch status {
	case "cancelled", "canceled", "refunded":
		return false
	}
	return true
}

// withXP returns p with amount added, capped at progression.MaxTotalXP, and
// the derived columns recomputed.
func withXP(p progression.PlayerProgress, amount int) progression.PlayerProgress {
	p.TotalXP = progression.AddTotalXP(p.TotalXP, amount)
	p.Reconcile()
	return p
}

// corruptRecord marks a stored row that fails to parse as a server fault,
// dropping whatever client-facing kind the parser attached.
func corruptRecord(what string, err error) error {
	return fmt.Errorf("stored %s: %v: %w", what, err, apperr.ErrCorruptRecord)
}
