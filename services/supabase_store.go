package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	supa "github.com/nedpals/supabase-go"
	postgrest "github.com/nedpals/supabase-go/postgrest/pkg"

	"mahoyaAPI/internal/achievement"
	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/benefit"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/progression"
)

// xpRetries bounds the compare-and-swap loop in AddXP.
const xpRetries = 5

// SupabaseStore talks to the managed database over its REST interface. There
// are no transactions here, so multi-row writes use conditional updates and
// compensation instead.
type SupabaseStore struct {
	client *supa.Client
	now    func() time.Time
}

func NewSupabaseStore(url, key string) *SupabaseStore {
	return &SupabaseStore{client: supa.CreateClient(url, key), now: time.Now}
}

// supabaseError maps REST failures onto apperr kinds.
func supabaseError(op string, err error) error {
	var reqErr *postgrest.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Code == pgUniqueViolation || reqErr.HTTPStatusCode == http.StatusConflict {
			return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
		}
		if reqErr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrTransientIO)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrTransientIO)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type progressRow struct {
	UserID    string    `json:"user_id"`
	TotalXP   int       `json:"total_xp"`
	CurrentXP int       `json:"current_xp"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

func (r progressRow) toProgress() progression.PlayerProgress {
	return progression.PlayerProgress{UserID: r.UserID, TotalXP: r.TotalXP, CurrentXP: r.CurrentXP, Level: r.Level, CreatedAt: r.CreatedAt}
}

func fromProgress(p progression.PlayerProgress) progressRow {
	return progressRow{UserID: p.UserID, TotalXP: p.TotalXP, CurrentXP: p.CurrentXP, Level: p.Level, CreatedAt: p.CreatedAt}
}

func (s *SupabaseStore) Ping(ctx context.Context) error {
	var rows []map[string]any
	if err := s.client.DB.From("level_titles").Select("level").ExecuteWithContext(ctx, &rows); err != nil {
		return supabaseError("ping", err)
	}
	return nil
}

func (s *SupabaseStore) Close() {}

func (s *SupabaseStore) GetProgress(ctx context.Context, userID string) (*progression.PlayerProgress, error) {
	var rows []progressRow
	if err := s.client.DB.From("player_progress").Select("*").Eq("user_id", userID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("get progress", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	p := rows[0].toProgress()
	return &p, nil
}

func (s *SupabaseStore) CreateProgress(ctx context.Context, p progression.PlayerProgress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var rows []progressRow
	if err := s.client.DB.From("player_progress").Insert(fromProgress(p)).ExecuteWithContext(ctx, &rows); err != nil {
		return supabaseError("create progress", err)
	}
	return nil
}

func (s *SupabaseStore) SaveLevel(ctx context.Context, p progression.PlayerProgress) error {
	var rows []progressRow
	err := s.client.DB.From("player_progress").
		Update(map[string]interface{}{"level": p.Level, "current_xp": p.CurrentXP}).
		Eq("user_id", p.UserID).
		ExecuteWithContext(ctx, &rows)
	if err != nil {
		return supabaseError("save level", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("player %s: %w", p.UserID, apperr.ErrNotFound)
	}
	return nil
}

// AddXP retries a conditional update keyed on the total it read, so two
// concurrent awards never overwrite each other.
func (s *SupabaseStore) AddXP(ctx context.Context, userID string, amount int) (*progression.PlayerProgress, error) {
	for attempt := 0; attempt < xpRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, err := s.GetProgress(ctx, userID)
		if err != nil {
			return nil, err
		}

		if cur == nil {
			p := withXP(progression.NewPlayerProgress(userID), amount)
			err := s.CreateProgress(ctx, p)
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return &p, nil
		}

		next := withXP(*cur, amount)
		var rows []progressRow
		err = s.client.DB.From("player_progress").
			Update(map[string]interface{}{"total_xp": next.TotalXP, "level": next.Level, "current_xp": next.CurrentXP}).
			Eq("user_id", userID).
			Eq("total_xp", fmt.Sprint(cur.TotalXP)).
			ExecuteWithContext(ctx, &rows)
		if err != nil {
			return nil, supabaseError("add xp", err)
		}
		if len(rows) == 1 {
			return &next, nil
		}
		log.Printf("SupabaseStore.AddXP: concurrent update for %s, retrying", userID)
	}
	return nil, fmt.Errorf("add xp for %s: too much contention: %w", userID, apperr.ErrTransientIO)
}

func (s *SupabaseStore) ListPlayerIDs(ctx context.Context) ([]string, error) {
	var rows []progressRow
	if err := s.client.DB.From("player_progress").Select("user_id").ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("list players", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SupabaseStore) DeletePlayer(ctx context.Context, userID string) error {
	for _, table := range []string{"user_achievements", "d20_rolls", "d20_eligibility", "user_benefits", "user_devices", "player_progress"} {
		if err := s.client.DB.From(table).Delete().Eq("user_id", userID).ExecuteWithContext(ctx, nil); err != nil {
			return supabaseError("delete from "+table, err)
		}
	}
	return nil
}

func (s *SupabaseStore) ListAchievements(ctx context.Context) ([]achievement.Achievement, error) {
	var rows []achievement.Achievement
	if err := s.client.DB.From("achievements").Select("*").Eq("is_active", "true").ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("list achievements", err)
	}
	out := make([]achievement.Achievement, 0, len(rows))
	for _, a := range rows {
		parsed, err := achievement.ParseAchievement(a)
		if err != nil {
			log.Printf("SupabaseStore.ListAchievements: skipping invalid row: %v", err)
			continue
		}
		out = append(out, parsed)
	}
	return achievement.SortByRequirement(out), nil
}

func (s *SupabaseStore) ListUserAchievements(ctx context.Context, userID string) ([]achievement.UserAchievement, error) {
	var rows []achievement.UserAchievement
	if err := s.client.DB.From("user_achievements").Select("*").Eq("user_id", userID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("list unlocks", err)
	}
	return rows, nil
}

type orderRow struct {
	ID     any     `json:"id"`
	Total  float64 `json:"total"`
	Status string  `json:"status"`
}

type orderItemRow struct {
	OrderID   any `json:"order_id"`
	ProductID any `json:"product_id"`
}

// GetStats aggregates the player's orders client-side.
func (s *SupabaseStore) GetStats(ctx context.Context, userID string) (achievement.Stats, error) {
	var orders []orderRow
	if err := s.client.DB.From("orders").Select("id,total,status").Eq("user_id", userID).ExecuteWithContext(ctx, &orders); err != nil {
		return achievement.Stats{}, supabaseError("list orders", err)
	}

	var st achievement.Stats
	var ids []string
	for _, o := range orders {
		if !countedOrderStatus(o.Status) {
			continue
		}
		st.OrdersCount++
		st.TotalSpent += o.Total
		ids = append(ids, fmt.Sprint(o.ID))
	}
	if len(ids) == 0 {
		return st, nil
	}

	var items []orderItemRow
	filter := "(" + strings.Join(ids, ",") + ")"
	if err := s.client.DB.From("order_items").Select("order_id,product_id").Filter("order_id", "in", filter).ExecuteWithContext(ctx, &items); err != nil {
		return achievement.Stats{}, supabaseError("list order items", err)
	}
	products := make(map[string]bool, len(items))
	for _, it := range items {
		products[fmt.Sprint(it.ProductID)] = true
	}
	st.UniqueProductCount = len(products)
	return st, nil
}

// RecordUnlock inserts the unlock and then grants XP. A failed grant removes
// the unlock again so the next reconciliation retries both.
func (s *SupabaseStore) RecordUnlock(ctx context.Context, ua achievement.UserAchievement, xpReward int) (bool, error) {
	var rows []achievement.UserAchievement
	err := s.client.DB.From("user_achievements").Insert(ua).ExecuteWithContext(ctx, &rows)
	if err != nil {
		err = supabaseError("insert unlock", err)
		if errors.Is(err, apperr.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	if xpReward <= 0 {
		return true, nil
	}

	if _, err := s.AddXP(ctx, ua.UserID, xpReward); err != nil {
		delErr := s.client.DB.From("user_achievements").Delete().
			Eq("user_id", ua.UserID).Eq("achievement_id", ua.AchievementID).ExecuteWithContext(ctx, nil)
		if delErr != nil {
			log.Printf("SupabaseStore.RecordUnlock: failed to roll back unlock %s/%s: %v", ua.UserID, ua.AchievementID, delErr)
		}
		return false, err
	}
	return true, nil
}

func (s *SupabaseStore) ListLevelTitles(ctx context.Context) ([]progression.Title, error) {
	var titles []progression.Title
	if err := s.client.DB.From("level_titles").Select("level,title").ExecuteWithContext(ctx, &titles); err != nil {
		return nil, supabaseError("list titles", err)
	}
	if err := progression.ValidateTitles(titles); err != nil {
		return nil, err
	}
	sort.Slice(titles, func(i, j int) bool { return titles[i].Level < titles[j].Level })
	return titles, nil
}

func (s *SupabaseStore) GetEligibility(ctx context.Context, userID string) (*d20.Eligibility, error) {
	var rows []d20.Eligibility
	if err := s.client.DB.From("d20_eligibility").Select("*").Eq("user_id", userID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("get eligibility", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SupabaseStore) GrantEligibility(ctx context.Context, userID string, at time.Time) error {
	var rows []d20.Eligibility
	err := s.client.DB.From("d20_eligibility").Insert(d20.Eligibility{UserID: userID, EnabledAt: at}).ExecuteWithContext(ctx, &rows)
	if err != nil {
		err = supabaseError("grant eligibility", err)
		if errors.Is(err, apperr.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

func (s *SupabaseStore) RevokeEligibility(ctx context.Context, userID string) error {
	if err := s.client.DB.From("d20_eligibility").Delete().Eq("user_id", userID).ExecuteWithContext(ctx, nil); err != nil {
		return supabaseError("revoke eligibility", err)
	}
	return nil
}

func (s *SupabaseStore) GetRoll(ctx context.Context, userID string) (*d20.Roll, error) {
	var rows []d20.Roll
	if err := s.client.DB.From("d20_rolls").Select("*").Eq("user_id", userID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("get roll", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r, err := d20.ParseRoll(rows[0])
	if err != nil {
		return nil, corruptRecord("roll", err)
	}
	return &r, nil
}

func (s *SupabaseStore) InsertRoll(ctx context.Context, roll d20.Roll) (*d20.Roll, error) {
	var rows []d20.Roll
	if err := s.client.DB.From("d20_rolls").Insert(roll).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("insert roll", err)
	}
	if len(rows) > 0 {
		return &rows[0], nil
	}
	return &roll, nil
}

func (s *SupabaseStore) MarkRollUsed(ctx context.Context, userID string, usedAt time.Time) error {
	var rows []d20.Roll
	err := s.client.DB.From("d20_rolls").
		Update(map[string]interface{}{"used_at": usedAt}).
		Eq("user_id", userID).
		Filter("used_at", "is", "null").
		ExecuteWithContext(ctx, &rows)
	if err != nil {
		return supabaseError("mark roll used", err)
	}
	if len(rows) == 1 {
		return nil
	}

	existing, err := s.GetRoll(ctx, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("roll for %s: %w", userID, apperr.ErrNotFound)
	}
	return fmt.Errorf("roll for %s: %w", userID, apperr.ErrAlreadyUsed)
}

func (s *SupabaseStore) DeleteRoll(ctx context.Context, userID string) error {
	if err := s.client.DB.From("d20_rolls").Delete().Eq("user_id", userID).ExecuteWithContext(ctx, nil); err != nil {
		return supabaseError("delete roll", err)
	}
	return nil
}

func (s *SupabaseStore) ListBenefitsForUser(ctx context.Context, userID string) ([]benefit.Benefit, error) {
	var rows []benefit.Benefit
	if err := s.client.DB.From("user_benefits").Select("*").Eq("user_id", userID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("list benefits", err)
	}
	out := make([]benefit.Benefit, 0, len(rows))
	for _, b := range rows {
		parsed, err := benefit.ParseBenefit(b)
		if err != nil {
			log.Printf("SupabaseStore.ListBenefitsForUser: skipping invalid row: %v", err)
			continue
		}
		out = append(out, parsed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *SupabaseStore) GetBenefit(ctx context.Context, benefitID string) (*benefit.Benefit, error) {
	var rows []benefit.Benefit
	if err := s.client.DB.From("user_benefits").Select("*").Eq("id", benefitID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("get benefit", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	b, err := benefit.ParseBenefit(rows[0])
	if err != nil {
		return nil, corruptRecord("benefit", err)
	}
	return &b, nil
}

func (s *SupabaseStore) MarkBenefitUsed(ctx context.Context, benefitID string, usedAt time.Time) error {
	var rows []benefit.Benefit
	err := s.client.DB.From("user_benefits").
		Update(map[string]interface{}{"is_used": true, "used_at": usedAt}).
		Eq("id", benefitID).
		Eq("is_used", "false").
		ExecuteWithContext(ctx, &rows)
	if err != nil {
		return supabaseError("mark benefit used", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("benefit %s: %w", benefitID, apperr.ErrAlreadyUsed)
	}
	return nil
}

func (s *SupabaseStore) SaveDevice(ctx context.Context, device notification.DeviceToken) error {
	var rows []notification.DeviceToken
	err := s.client.DB.From("user_devices").Insert(device).ExecuteWithContext(ctx, &rows)
	if err == nil {
		return nil
	}
	if err = supabaseError("save device", err); !errors.Is(err, apperr.ErrConflict) {
		return err
	}

	// The token moved to another account or platform.
	err = s.client.DB.From("user_devices").
		Update(map[string]interface{}{"user_id": device.UserID, "platform": string(device.Platform)}).
		Eq("token", device.Token).
		ExecuteWithContext(ctx, &rows)
	if err != nil {
		return supabaseError("update device", err)
	}
	return nil
}

func (s *SupabaseStore) ListDevices(ctx context.Context, userID string) ([]notification.DeviceToken, error) {
	var rows []notification.DeviceToken
	if err := s.client.DB.From("user_devices").Select("*").Eq("user_id", userID).ExecuteWithContext(ctx, &rows); err != nil {
		return nil, supabaseError("list devices", err)
	}
	return rows, nil
}
