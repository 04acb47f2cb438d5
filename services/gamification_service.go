package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"mahoyaAPI/internal/achievement"
	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/benefit"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/metrics"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/progression"
)

type GamificationService struct {
	store         Store
	engine        *d20.Engine
	guests        *d20.GuestRepository
	guestEngine   *d20.Engine
	ledger        *benefit.Ledger
	notifications *NotificationService
	now           func() time.Time
}

// NewGamificationService wires the domain engines to store. guestKV holds
// guest rolls; notifications may be nil.
func NewGamificationService(store Store, guestKV d20.KV, src d20.Source, notifications *NotificationService) *GamificationService {
	guests := d20.NewGuestRepository(guestKV)
	return &GamificationService{
		store:         store,
		engine:        d20.NewEngine(store, src),
		guests:        guests,
		guestEngine:   d20.NewEngine(guests, src),
		ledger:        benefit.NewLedger(store),
		notifications: notifications,
		now:           time.Now,
	}
}

type ProgressView struct {
	UserID    string               `json:"user_id"`
	Level     int                  `json:"level"`
	TotalXP   int                  `json:"total_xp"`
	CurrentXP int                  `json:"current_xp"`
	Progress  progression.Progress `json:"progress"`
	Title     string               `json:"title"`
}

type Summary struct {
	Progress     *ProgressView                        `json:"progress"`
	Achievements []*achievement.AchievementWithStatus `json:"achievements"`
	D20          *d20.State                           `json:"d20"`
	Benefits     []benefit.Entry                      `json:"benefits"`
}

type RollResult struct {
	Roll    *d20.Roll  `json:"roll"`
	Prize   *d20.Prize `json:"prize"`
	Created bool       `json:"created"`
}

type ReconcileReport struct {
	Players  int `json:"players"`
	Unlocked int `json:"unlocked"`
	Failed   int `json:"failed"`
}

// CreatePlayer starts a player at level 1. An existing player is left alone.
func (s *GamificationService) CreatePlayer(ctx context.Context, userID string) error {
	err := s.store.CreateProgress(ctx, progression.NewPlayerProgress(userID))
	if err != nil && !errors.Is(err, apperr.ErrConflict) {
		return fmt.Errorf("failed to create player: %w", err)
	}
	return nil
}

func (s *GamificationService) DeletePlayer(ctx context.Context, userID string) error {
	if err := s.store.DeletePlayer(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete player: %w", err)
	}
	return nil
}

// loadProgress reads the player, creating it on first sight, and repairs the
// cached level when it no longer matches total_xp.
func (s *GamificationService) loadProgress(ctx context.Context, userID string) (*progression.PlayerProgress, error) {
	p, err := s.store.GetProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	if p == nil {
		if err := s.CreatePlayer(ctx, userID); err != nil {
			return nil, err
		}
		if p, err = s.store.GetProgress(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to get progress: %w", err)
		}
		if p == nil {
			return nil, fmt.Errorf("player %s vanished after create: %w", userID, apperr.ErrNotFound)
		}
	}

	if p.Reconcile() {
		log.Printf("loadProgress: level drift for %s, now level %d", userID, p.Level)
		if err := s.store.SaveLevel(ctx, *p); err != nil {
			log.Printf("loadProgress: failed to persist level for %s: %v", userID, err)
		}
	}
	return p, nil
}

func (s *GamificationService) progressView(ctx context.Context, p *progression.PlayerProgress) (*ProgressView, error) {
	titles, err := s.store.ListLevelTitles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list titles: %w", err)
	}
	return &ProgressView{
		UserID:    p.UserID,
		Level:     p.Level,
		TotalXP:   p.TotalXP,
		CurrentXP: p.CurrentXP,
		Progress:  p.Progress(),
		Title:     progression.ResolveTitle(p.Level, titles),
	}, nil
}

func (s *GamificationService) GetProgress(ctx context.Context, userID string) (*ProgressView, error) {
	p, err := s.loadProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.progressView(ctx, p)
}

func (s *GamificationService) GetAchievements(ctx context.Context, userID string) ([]*achievement.AchievementWithStatus, error) {
	defs, stats, unlocks, err := s.achievementInputs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return achievement.EvaluateAll(defs, stats, unlocks), nil
}

func (s *GamificationService) achievementInputs(ctx context.Context, userID string) ([]achievement.Achievement, achievement.Stats, map[string]achievement.UserAchievement, error) {
	defs, err := s.store.ListAchievements(ctx)
	if err != nil {
		return nil, achievement.Stats{}, nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	stats, err := s.store.GetStats(ctx, userID)
	if err != nil {
		return nil, achievement.Stats{}, nil, fmt.Errorf("failed to get stats: %w", err)
	}
	list, err := s.store.ListUserAchievements(ctx, userID)
	if err != nil {
		return nil, achievement.Stats{}, nil, fmt.Errorf("failed to list unlocks: %w", err)
	}
	unlocks := make(map[string]achievement.UserAchievement, len(list))
	for _, ua := range list {
		unlocks[ua.AchievementID] = ua
	}
	return defs, stats, unlocks, nil
}

func (s *GamificationService) GetSummary(ctx context.Context, userID string) (*Summary, error) {
	progress, err := s.GetProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	achievements, err := s.GetAchievements(ctx, userID)
	if err != nil {
		return nil, err
	}
	state, err := s.engine.Status(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get d20 state: %w", err)
	}
	benefits, err := s.ledger.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Summary{Progress: progress, Achievements: achievements, D20: state, Benefits: benefits}, nil
}

// AwardXP adds a non-negative amount of XP to the player. Totals saturate at
// progression.MaxTotalXP.
func (s *GamificationService) AwardXP(ctx context.Context, userID string, amount int) (*ProgressView, error) {
	if amount < 0 {
		return nil, fmt.Errorf("xp amount %d is negative: %w", amount, apperr.ErrValidation)
	}
	if amount > progression.MaxTotalXP {
		return nil, fmt.Errorf("xp amount %d exceeds %d: %w", amount, progression.MaxTotalXP, apperr.ErrValidation)
	}
	p, err := s.store.AddXP(ctx, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to award xp: %w", err)
	}
	log.Printf("AwardXP: %s +%d xp, total %d, level %d", userID, amount, p.TotalXP, p.Level)
	return s.progressView(ctx, p)
}

// ReconcilePlayer persists unlocks for every threshold the player has crossed
// without a recorded unlock, granting each achievement's XP reward once.
func (s *GamificationService) ReconcilePlayer(ctx context.Context, userID string) ([]achievement.Achievement, error) {
	defs, stats, unlocks, err := s.achievementInputs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var unlocked []achievement.Achievement
	for _, a := range achievement.PendingUnlocks(defs, stats, unlocks) {
		ua := achievement.UserAchievement{UserID: userID, AchievementID: a.ID, UnlockedAt: s.now()}
		created, err := s.store.RecordUnlock(ctx, ua, a.XPReward)
		if err != nil {
			return unlocked, fmt.Errorf("failed to record unlock %s: %w", a.ID, err)
		}
		if !created {
			continue
		}
		metrics.AchievementUnlocks.Inc()
		unlocked = append(unlocked, a)
		s.notifications.Notify(ctx, userID, notification.Message{
			Title: "Conquista desbloqueada!",
			Body:  fmt.Sprintf("%s (+%d XP)", a.Name, a.XPReward),
			Data:  map[string]string{"type": "achievement", "achievement_id": a.ID},
		})
	}
	return unlocked, nil
}

// ReconcileAchievements runs ReconcilePlayer for every known player. A failure
// for one player is logged and counted; the pass continues.
func (s *GamificationService) ReconcileAchievements(ctx context.Context) (*ReconcileReport, error) {
	ids, err := s.store.ListPlayerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}

	report := &ReconcileReport{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Players++
		unlocked, err := s.ReconcilePlayer(ctx, id)
		report.Unlocked += len(unlocked)
		if err != nil {
			report.Failed++
			log.Printf("ReconcileAchievements: %s: %v", id, err)
		}
	}
	return report, nil
}

func (s *GamificationService) D20Status(ctx context.Context, userID string) (*d20.State, error) {
	return s.engine.Status(ctx, userID)
}

func (s *GamificationService) RollD20(ctx context.Context, userID string) (*RollResult, error) {
	roll, created, err := s.engine.Roll(ctx, userID)
	if err != nil {
		return nil, err
	}
	prize := s.engine.Table().Lookup(roll.RollResult)
	if created {
		metrics.D20Rolls.WithLabelValues(roll.PrizeCode).Inc()
		log.Printf("RollD20: %s rolled %d (%s)", userID, roll.RollResult, roll.PrizeCode)
		s.notifications.Notify(ctx, userID, notification.Message{
			Title: "Você rolou o D20!",
			Body:  fmt.Sprintf("Tirou %d: %s", roll.RollResult, roll.PrizeTitle),
			Data:  map[string]string{"type": "d20", "prize_code": roll.PrizeCode},
		})
	}
	return &RollResult{Roll: roll, Prize: &prize, Created: created}, nil
}

func (s *GamificationService) RedeemD20(ctx context.Context, userID string) (*d20.Roll, error) {
	roll, err := s.engine.Redeem(ctx, userID)
	if err != nil {
		return nil, err
	}
	metrics.D20Redemptions.WithLabelValues("user").Inc()
	return roll, nil
}

// D20QRCode renders the player's unused prize code as a PNG.
func (s *GamificationService) D20QRCode(ctx context.Context, userID string) ([]byte, error) {
	roll, err := s.store.GetRoll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get roll: %w", err)
	}
	if roll == nil {
		return nil, fmt.Errorf("no d20 roll for %s: %w", userID, apperr.ErrNotFound)
	}
	if roll.IsUsed() {
		return nil, fmt.Errorf("d20 prize for %s: %w", userID, apperr.ErrAlreadyUsed)
	}

	content := fmt.Sprintf("mahoya://d20/redeem/%s?user=%s", roll.PrizeCode, userID)
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR png: %w", err)
	}
	return png, nil
}

func (s *GamificationService) GrantD20(ctx context.Context, userID string) error {
	if err := s.store.GrantEligibility(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("failed to grant d20 eligibility: %w", err)
	}
	log.Printf("GrantD20: %s is now eligible", userID)
	return nil
}

func (s *GamificationService) RevokeD20(ctx context.Context, userID string) error {
	if err := s.store.RevokeEligibility(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke d20 eligibility: %w", err)
	}
	log.Printf("RevokeD20: %s is no longer eligible", userID)
	return nil
}

// ResetD20 deletes the player's roll so they can roll again.
func (s *GamificationService) ResetD20(ctx context.Context, userID string) error {
	if err := s.store.DeleteRoll(ctx, userID); err != nil {
		return fmt.Errorf("failed to reset d20 roll: %w", err)
	}
	log.Printf("ResetD20: roll for %s removed", userID)
	return nil
}

func validateGuestID(guestID string) error {
	if _, err := uuid.Parse(guestID); err != nil {
		return fmt.Errorf("guest id must be a UUID: %w", apperr.ErrValidation)
	}
	return nil
}

func (s *GamificationService) GuestD20Status(ctx context.Context, guestID string) (*d20.State, error) {
	if err := validateGuestID(guestID); err != nil {
		return nil, err
	}
	return s.guestEngine.Status(ctx, guestID)
}

func (s *GamificationService) GuestRollD20(ctx context.Context, guestID string) (*RollResult, error) {
	if err := validateGuestID(guestID); err != nil {
		return nil, err
	}
	roll, created, err := s.guestEngine.Roll(ctx, guestID)
	if err != nil {
		return nil, err
	}
	prize := s.guestEngine.Table().Lookup(roll.RollResult)
	if created {
		metrics.D20Rolls.WithLabelValues(roll.PrizeCode).Inc()
	}
	return &RollResult{Roll: roll, Prize: &prize, Created: created}, nil
}

func (s *GamificationService) GuestRedeemD20(ctx context.Context, guestID string) (*d20.Roll, error) {
	if err := validateGuestID(guestID); err != nil {
		return nil, err
	}
	roll, err := s.guestEngine.Redeem(ctx, guestID)
	if err != nil {
		return nil, err
	}
	metrics.D20Redemptions.WithLabelValues("guest").Inc()
	return roll, nil
}

// ClaimGuestPopup reports true the first time it is called for a guest.
func (s *GamificationService) ClaimGuestPopup(ctx context.Context, guestID string) (bool, error) {
	if err := validateGuestID(guestID); err != nil {
		return false, err
	}
	return s.guests.ClaimPopup(ctx, guestID)
}

func (s *GamificationService) ListBenefits(ctx context.Context, userID string) ([]benefit.Entry, error) {
	return s.ledger.List(ctx, userID)
}

func (s *GamificationService) UseBenefit(ctx context.Context, userID, benefitID string) (*benefit.Entry, error) {
	b, err := s.ledger.MarkUsed(ctx, userID, benefitID)
	if err != nil {
		return nil, err
	}
	metrics.BenefitRedemptions.Inc()
	return &benefit.Entry{Benefit: *b, Status: benefit.Classify(*b, s.now()), Label: benefit.FormatDiscount(*b)}, nil
}
