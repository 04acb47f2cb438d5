package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mahoyaAPI/internal/achievement"
	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/benefit"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/progression"
)

// MemoryOrder is a purchase as the memory backend records it.
type MemoryOrder struct {
	UserID     string
	Total      float64
	Status     string
	ProductIDs []string
}

// MemoryStore keeps every table in process memory behind one mutex. It backs
// local development and the service and handler tests.
type MemoryStore struct {
	mu           sync.RWMutex
	progress     map[string]progression.PlayerProgress
	achievements []achievement.Achievement
	unlocks      map[string]map[string]achievement.UserAchievement
	titles       []progression.Title
	eligibility  map[string]d20.Eligibility
	rolls        map[string]d20.Roll
	benefits     map[string]benefit.Benefit
	orders       []MemoryOrder
	devices      map[string]notification.DeviceToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		progress:    make(map[string]progression.PlayerProgress),
		unlocks:     make(map[string]map[string]achievement.UserAchievement),
		eligibility: make(map[string]d20.Eligibility),
		rolls:       make(map[string]d20.Roll),
		benefits:    make(map[string]benefit.Benefit),
		devices:     make(map[string]notification.DeviceToken),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close()                         {}

func (m *MemoryStore) SeedAchievements(defs ...achievement.Achievement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.achievements = append(m.achievements, defs...)
}

func (m *MemoryStore) SeedTitles(titles ...progression.Title) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles = append(m.titles, titles...)
}

func (m *MemoryStore) AddOrder(o MemoryOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
}

// AddBenefit stores b, assigning an id and creation time when missing.
func (m *MemoryStore) AddBenefit(b benefit.Benefit) benefit.Benefit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.benefits[b.ID] = b
	return b
}

func (m *MemoryStore) GetProgress(ctx context.Context, userID string) (*progression.PlayerProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// PutProgress overwrites a player row as-is, drift included.
func (m *MemoryStore) PutProgress(p progression.PlayerProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.UserID] = p
}

func (m *MemoryStore) CreateProgress(ctx context.Context, p progression.PlayerProgress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.progress[p.UserID]; ok {
		return fmt.Errorf("player %s: %w", p.UserID, apperr.ErrConflict)
	}
	m.progress[p.UserID] = p
	return nil
}

func (m *MemoryStore) SaveLevel(ctx context.Context, p progression.PlayerProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.progress[p.UserID]
	if !ok {
		return fmt.Errorf("player %s: %w", p.UserID, apperr.ErrNotFound)
	}
	cur.Level = p.Level
	cur.CurrentXP = p.CurrentXP
	m.progress[p.UserID] = cur
	return nil
}

func (m *MemoryStore) AddXP(ctx context.Context, userID string, amount int) (*progression.PlayerProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.addXPLocked(userID, amount)
	return &p, nil
}

func (m *MemoryStore) addXPLocked(userID string, amount int) progression.PlayerProgress {
	p, ok := m.progress[userID]
	if !ok {
		p = progression.NewPlayerProgress(userID)
	}
	p = withXP(p, amount)
	m.progress[userID] = p
	return p
}

func (m *MemoryStore) ListPlayerIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.progress))
	for id := range m.progress {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) DeletePlayer(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, userID)
	delete(m.unlocks, userID)
	delete(m.eligibility, userID)
	delete(m.rolls, userID)
	for id, b := range m.benefits {
		if b.UserID == userID {
			delete(m.benefits, id)
		}
	}
	for token, d := range m.devices {
		if d.UserID == userID {
			delete(m.devices, token)
		}
	}
	return nil
}

func (m *MemoryStore) ListAchievements(ctx context.Context) ([]achievement.Achievement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]achievement.Achievement, 0, len(m.achievements))
	for _, a := range m.achievements {
		parsed, err := achievement.ParseAchievement(a)
		if err != nil {
			return nil, corruptRecord("achievement", err)
		}
		out = append(out, parsed)
	}
	return achievement.SortByRequirement(out), nil
}

func (m *MemoryStore) ListUserAchievements(ctx context.Context, userID string) ([]achievement.UserAchievement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]achievement.UserAchievement, 0, len(m.unlocks[userID]))
	for _, ua := range m.unlocks[userID] {
		out = append(out, ua)
	}
	return out, nil
}

func (m *MemoryStore) GetStats(ctx context.Context, userID string) (achievement.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st achievement.Stats
	products := make(map[string]bool)
	for _, o := range m.orders {
		if o.UserID != userID || !countedOrderStatus(o.Status) {
			continue
		}
		st.OrdersCount++
		st.TotalSpent += o.Total
		for _, p := range o.ProductIDs {
			products[p] = true
		}
	}
	st.UniqueProductCount = len(products)
	return st, nil
}

func (m *MemoryStore) RecordUnlock(ctx context.Context, ua achievement.UserAchievement, xpReward int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.unlocks[ua.UserID]
	if !ok {
		byID = make(map[string]achievement.UserAchievement)
		m.unlocks[ua.UserID] = byID
	}
	if _, exists := byID[ua.AchievementID]; exists {
		return false, nil
	}
	byID[ua.AchievementID] = ua
	if xpReward > 0 {
		m.addXPLocked(ua.UserID, xpReward)
	}
	return true, nil
}

func (m *MemoryStore) ListLevelTitles(ctx context.Context) ([]progression.Title, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	titles := append([]progression.Title(nil), m.titles...)
	if err := progression.ValidateTitles(titles); err != nil {
		return nil, err
	}
	sort.Slice(titles, func(i, j int) bool { return titles[i].Level < titles[j].Level })
	return titles, nil
}

func (m *MemoryStore) GetEligibility(ctx context.Context, userID string) (*d20.Eligibility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.eligibility[userID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) GrantEligibility(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eligibility[userID]; !ok {
		m.eligibility[userID] = d20.Eligibility{UserID: userID, EnabledAt: at}
	}
	return nil
}

func (m *MemoryStore) RevokeEligibility(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.eligibility, userID)
	return nil
}

func (m *MemoryStore) GetRoll(ctx context.Context, userID string) (*d20.Roll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rolls[userID]
	if !ok {
		return nil, nil
	}
	parsed, err := d20.ParseRoll(r)
	if err != nil {
		return nil, corruptRecord("roll", err)
	}
	return &parsed, nil
}

func (m *MemoryStore) InsertRoll(ctx context.Context, roll d20.Roll) (*d20.Roll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolls[roll.UserID]; ok {
		return nil, fmt.Errorf("roll for %s: %w", roll.UserID, apperr.ErrConflict)
	}
	m.rolls[roll.UserID] = roll
	return &roll, nil
}

func (m *MemoryStore) MarkRollUsed(ctx context.Context, userID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rolls[userID]
	if !ok {
		return fmt.Errorf("roll for %s: %w", userID, apperr.ErrNotFound)
	}
	if r.UsedAt != nil {
		return fmt.Errorf("roll for %s: %w", userID, apperr.ErrAlreadyUsed)
	}
	r.UsedAt = &usedAt
	m.rolls[userID] = r
	return nil
}

func (m *MemoryStore) DeleteRoll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rolls, userID)
	return nil
}

func (m *MemoryStore) ListBenefitsForUser(ctx context.Context, userID string) ([]benefit.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []benefit.Benefit
	for _, b := range m.benefits {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetBenefit(ctx context.Context, benefitID string) (*benefit.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.benefits[benefitID]
	if !ok {
		return nil, nil
	}
	parsed, err := benefit.ParseBenefit(b)
	if err != nil {
		return nil, corruptRecord("benefit", err)
	}
	return &parsed, nil
}

func (m *MemoryStore) MarkBenefitUsed(ctx context.Context, benefitID string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.benefits[benefitID]
	if !ok {
		return fmt.Errorf("benefit %s: %w", benefitID, apperr.ErrNotFound)
	}
	if b.IsUsed {
		return fmt.Errorf("benefit %s: %w", benefitID, apperr.ErrAlreadyUsed)
	}
	b.IsUsed = true
	b.UsedAt = &usedAt
	m.benefits[benefitID] = b
	return nil
}

func (m *MemoryStore) SaveDevice(ctx context.Context, device notification.DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.Token] = device
	return nil
}

func (m *MemoryStore) ListDevices(ctx context.Context, userID string) ([]notification.DeviceToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []notification.DeviceToken
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}
