package progression

import (
	"fmt"
	"math"
	"time"

	"mahoyaAPI/internal/apperr"
)

type PlayerProgress struct {
	UserID    string    `json:"user_id" db:"user_id"`
	TotalXP   int       `json:"total_xp" db:"total_xp"`
	CurrentXP int       `json:"current_xp" db:"current_xp"`
	Level     int       `json:"level" db:"level"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Progress struct {
	CurrentLevelXP int     `json:"current_level_xp"`
	NeededForNext  int     `json:"needed_for_next"`
	Percent        float64 `json:"percent"`
}

// MaxTotalXP caps a player's lifetime XP. It matches the integer column the
// stores keep total_xp in.
const MaxTotalXP = math.MaxInt32

// maxCurveLevel is the highest level whose floor still fits in an int.
const maxCurveLevel = 400_000_000

// XPFloor returns the cumulative XP needed to reach level:
// sum of i*100 for i in [2, level]. XPFloor(1) == 0.
// Levels past the representable range saturate at math.MaxInt.
func XPFloor(level int) int {
	if level < 1 {
		level = 1
	}
	if level > maxCurveLevel {
		return math.MaxInt
	}
	return 100 * (level*(level+1)/2 - 1)
}

// XPToNext is the span of the next level-up, (level+1)*100.
// Kept as its own formula; see DESIGN.md for how it relates to XPFloor.
func XPToNext(level int) int {
	if level < 1 {
		level = 1
	}
	return (level + 1) * 100
}

// LevelForXP returns the level whose floor is the largest one <= totalXP.
// XPFloor(L) <= x holds exactly when L(L+1)/2 <= x/100+1, so the level comes
// from the inverse triangular number; the loops only absorb float rounding.
func LevelForXP(totalXP int) int {
	if totalXP < XPFloor(2) {
		return 1
	}
	if totalXP > MaxTotalXP {
		totalXP = MaxTotalXP
	}

	n := float64(totalXP/100 + 1)
	level := int((math.Sqrt(8*n+1) - 1) / 2)
	for level > 1 && XPFloor(level) > totalXP {
		level--
	}
	for XPFloor(level+1) <= totalXP {
		level++
	}
	return level
}

// AddTotalXP returns total+amount capped at MaxTotalXP. Negative amounts are
// ignored so a total never goes down.
func AddTotalXP(total, amount int) int {
	if amount <= 0 {
		return total
	}
	if total >= MaxTotalXP || amount > MaxTotalXP-total {
		return MaxTotalXP
	}
	return total + amount
}

// LevelAndProgress reports how far totalXP sits inside level. The caller's level
// is trusted; an inconsistent one yields a negative CurrentLevelXP but the
// percent is still clamped to [0, 100].
func LevelAndProgress(totalXP, level int) Progress {
	current := totalXP - XPFloor(level)
	needed := XPToNext(level)

	pct := float64(current) / float64(needed) * 100
	pct = math.Max(0, math.Min(100, pct))

	return Progress{
		CurrentLevelXP: current,
		NeededForNext:  needed,
		Percent:        math.Round(pct*100) / 100,
	}
}

func NewPlayerProgress(userID string) PlayerProgress {
	return PlayerProgress{
		UserID:    userID,
		TotalXP:   0,
		CurrentXP: 0,
		Level:     1,
		CreatedAt: time.Now(),
	}
}

// Reconcile recomputes the cached Level and CurrentXP from TotalXP and reports
// whether the stored values had drifted.
func (p *PlayerProgress) Reconcile() bool {
	level := LevelForXP(p.TotalXP)
	current := p.TotalXP - XPFloor(level)
	changed := level != p.Level || current != p.CurrentXP
	p.Level = level
	p.CurrentXP = current
	return changed
}

func (p *PlayerProgress) Progress() Progress {
	return LevelAndProgress(p.TotalXP, p.Level)
}

func (p PlayerProgress) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("player progress without user id: %w", apperr.ErrValidation)
	}
	if p.TotalXP < 0 {
		return fmt.Errorf("player %s has negative total_xp %d: %w", p.UserID, p.TotalXP, apperr.ErrValidation)
	}
	if p.TotalXP > MaxTotalXP {
		return fmt.Errorf("player %s total_xp %d exceeds %d: %w", p.UserID, p.TotalXP, MaxTotalXP, apperr.ErrValidation)
	}
	return nil
}
