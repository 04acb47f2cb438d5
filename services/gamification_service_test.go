package services

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahoyaAPI/internal/achievement"
	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/benefit"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/progression"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memKV) CompareAndPut(ctx context.Context, key string, old, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

type fixedDie int

func (d fixedDie) Draw(sides int) (int, error) { return int(d), nil }

type recordingPush struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (p *recordingPush) SendPush(ctx context.Context, tokens []notification.DeviceToken, msg notification.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPush) messages() []notification.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification.Message(nil), p.sent...)
}

func ptr(v float64) *float64 { return &v }

type testEnv struct {
	store      *MemoryStore
	svc        *GamificationService
	push       *recordingPush
	dispatcher *NotificationDispatcher
}

func newTestEnv(t *testing.T, die int) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	push := &recordingPush{}
	dispatcher := NewNotificationDispatcher(push, 1)
	t.Cleanup(dispatcher.Stop)
	notifications := NewNotificationService(store, dispatcher)
	svc := NewGamificationService(store, newMemKV(), fixedDie(die), notifications)
	return &testEnv{store: store, svc: svc, push: push, dispatcher: dispatcher}
}

func TestGetProgress_CreatesOnFirstObservation(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	view, err := env.svc.GetProgress(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Level)
	assert.Equal(t, 0, view.TotalXP)
	assert.Equal(t, 0, view.Progress.CurrentLevelXP)
	assert.Equal(t, 200, view.Progress.NeededForNext)
	assert.Equal(t, 0.0, view.Progress.Percent)
	assert.Equal(t, progression.DefaultTitle, view.Title)

	stored, err := env.store.GetProgress(ctx, "user_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestGetProgress_RepairsDriftedLevel(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	env.store.SeedTitles(progression.Title{Level: 1, Title: "Iniciante"}, progression.Title{Level: 2, Title: "Cliente fiel"})
	env.store.PutProgress(progression.PlayerProgress{UserID: "user_1", TotalXP: 250, CurrentXP: 0, Level: 1})

	view, err := env.svc.GetProgress(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Level)
	assert.Equal(t, 50, view.Progress.CurrentLevelXP)
	assert.Equal(t, 300, view.Progress.NeededForNext)
	assert.Equal(t, 16.67, view.Progress.Percent)
	assert.Equal(t, "Cliente fiel", view.Title)

	stored, _ := env.store.GetProgress(ctx, "user_1")
	assert.Equal(t, 2, stored.Level)
	assert.Equal(t, 50, stored.CurrentXP)
}

func TestGetProgress_RejectsDuplicateTitles(t *testing.T) {
	env := newTestEnv(t, 1)
	env.store.SeedTitles(progression.Title{Level: 2, Title: "A"}, progression.Title{Level: 2, Title: "B"})

	_, err := env.svc.GetProgress(context.Background(), "user_1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAwardXP(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	view, err := env.svc.AwardXP(ctx, "user_1", 250)
	require.NoError(t, err)
	assert.Equal(t, 250, view.TotalXP)
	assert.Equal(t, 2, view.Level)

	view, err = env.svc.AwardXP(ctx, "user_1", 250)
	require.NoError(t, err)
	assert.Equal(t, 500, view.TotalXP)
	assert.Equal(t, 3, view.Level)

	_, err = env.svc.AwardXP(ctx, "user_1", -10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAwardXPSaturatesAtTheCap(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	_, err := env.svc.AwardXP(ctx, "user_1", math.MaxInt)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	view, err := env.svc.AwardXP(ctx, "user_1", progression.MaxTotalXP-50)
	require.NoError(t, err)
	before := view.Level

	view, err = env.svc.AwardXP(ctx, "user_1", progression.MaxTotalXP)
	require.NoError(t, err)
	assert.Equal(t, progression.MaxTotalXP, view.TotalXP)
	assert.Equal(t, progression.LevelForXP(progression.MaxTotalXP), view.Level)
	assert.GreaterOrEqual(t, view.Level, before)
	assert.GreaterOrEqual(t, view.Progress.CurrentLevelXP, 0)
}

func seedCatalog(store *MemoryStore) {
	store.SeedAchievements(
		achievement.Achievement{ID: "first", Name: "Primeira compra", XPReward: 100, RequirementType: achievement.RequirementOrdersCount, RequirementValue: ptr(1), IsActive: true},
		achievement.Achievement{ID: "five", Name: "Cinco pedidos", XPReward: 200, RequirementType: achievement.RequirementOrdersCount, RequirementValue: ptr(5), IsActive: true},
		achievement.Achievement{ID: "spender", Name: "Gastador", XPReward: 50, RequirementType: achievement.RequirementTotalSpent, RequirementValue: ptr(300), IsActive: true},
		achievement.Achievement{ID: "vip", Name: "VIP", XPReward: 500, RequirementType: achievement.RequirementManual, IsActive: true},
		achievement.Achievement{ID: "retired", Name: "Antiga", XPReward: 10, RequirementType: achievement.RequirementOrdersCount, RequirementValue: ptr(1), IsActive: false},
	)
}

func TestGetAchievements_DisplayDoesNotWrite(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	seedCatalog(env.store)
	env.store.AddOrder(MemoryOrder{UserID: "user_1", Total: 120, Status: "paid", ProductIDs: []string{"p1", "p2"}})
	env.store.AddOrder(MemoryOrder{UserID: "user_1", Total: 999, Status: "cancelled", ProductIDs: []string{"p3"}})

	list, err := env.svc.GetAchievements(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, list, 4)

	byID := map[string]*achievement.AchievementWithStatus{}
	for _, a := range list {
		byID[a.ID] = a
	}
	assert.True(t, byID["first"].Unlocked)
	assert.False(t, byID["five"].Unlocked)
	assert.Equal(t, 20.0, byID["five"].Percent)
	assert.Equal(t, 40.0, byID["spender"].Percent)
	assert.False(t, byID["vip"].Unlocked)

	unlocks, err := env.store.ListUserAchievements(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}

func TestReconcileAchievements(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	seedCatalog(env.store)
	require.NoError(t, env.svc.CreatePlayer(ctx, "user_1"))
	require.NoError(t, env.svc.CreatePlayer(ctx, "user_2"))
	env.store.AddOrder(MemoryOrder{UserID: "user_1", Total: 350, Status: "paid", ProductIDs: []string{"p1"}})
	_, err := env.svc.notifications.RegisterDevice(ctx, "user_1", notification.RegisterDeviceRequest{Token: "tok-1"})
	require.NoError(t, err)

	report, err := env.svc.ReconcileAchievements(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Players: 2, Unlocked: 2}, *report)

	p, _ := env.store.GetProgress(ctx, "user_1")
	assert.Equal(t, 150, p.TotalXP)
	assert.Equal(t, 1, p.Level)

	again, err := env.svc.ReconcileAchievements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Unlocked)
	p, _ = env.store.GetProgress(ctx, "user_1")
	assert.Equal(t, 150, p.TotalXP, "rewards are granted once per unlock")

	env.dispatcher.Stop()
	assert.Len(t, env.push.messages(), 2)
}

func TestRollD20(t *testing.T) {
	env := newTestEnv(t, 20)
	ctx := context.Background()

	_, err := env.svc.RollD20(ctx, "user_1")
	assert.ErrorIs(t, err, d20.ErrNotEligible)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, env.svc.GrantD20(ctx, "user_1"))
	res, err := env.svc.RollD20(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "CRITICO", res.Roll.PrizeCode)
	assert.Equal(t, d20.CategorySpecial, res.Prize.Category)

	again, err := env.svc.RollD20(ctx, "user_1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, 20, again.Roll.RollResult)

	png, err := env.svc.D20QRCode(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = env.svc.RedeemD20(ctx, "user_1")
	require.NoError(t, err)
	_, err = env.svc.RedeemD20(ctx, "user_1")
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	_, err = env.svc.D20QRCode(ctx, "user_1")
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)
}

func TestAdminResetAllowsRerollAndRevokeKeepsRoll(t *testing.T) {
	env := newTestEnv(t, 7)
	ctx := context.Background()
	require.NoError(t, env.svc.GrantD20(ctx, "user_1"))
	_, err := env.svc.RollD20(ctx, "user_1")
	require.NoError(t, err)

	require.NoError(t, env.svc.RevokeD20(ctx, "user_1"))
	state, err := env.svc.D20Status(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, d20.StageRolled, state.Stage)

	require.NoError(t, env.svc.ResetD20(ctx, "user_1"))
	state, err = env.svc.D20Status(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, d20.StageIneligible, state.Stage)

	_, err = env.svc.D20QRCode(ctx, "user_1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGuestD20(t *testing.T) {
	env := newTestEnv(t, 16)
	ctx := context.Background()
	guest := uuid.NewString()

	_, err := env.svc.GuestRollD20(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	state, err := env.svc.GuestD20Status(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, d20.StageEligible, state.Stage)

	res, err := env.svc.GuestRollD20(ctx, guest)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "BRINDE", res.Roll.PrizeCode)

	res, err = env.svc.GuestRollD20(ctx, guest)
	require.NoError(t, err)
	assert.False(t, res.Created)

	_, err = env.svc.GuestRedeemD20(ctx, guest)
	require.NoError(t, err)
	_, err = env.svc.GuestRedeemD20(ctx, guest)
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	first, err := env.svc.ClaimGuestPopup(ctx, guest)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := env.svc.ClaimGuestPopup(ctx, guest)
	require.NoError(t, err)
	assert.False(t, second)

	// Guest rolls never reach the authoritative store.
	roll, err := env.store.GetRoll(ctx, guest)
	require.NoError(t, err)
	assert.Nil(t, roll)
}

func TestBenefits(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	yesterday := time.Now().Add(-24 * time.Hour)

	expired := env.store.AddBenefit(benefit.Benefit{UserID: "user_1", Name: "Antigo", DiscountPercent: 10, ValidUntil: &yesterday, CreatedAt: time.Now().Add(-time.Hour)})
	active := env.store.AddBenefit(benefit.Benefit{UserID: "user_1", Name: "Frete", DiscountFixed: 15, CreatedAt: time.Now()})

	entries, err := env.svc.ListBenefits(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, active.ID, entries[0].ID)
	assert.Equal(t, "R$ 15,00 OFF", entries[0].Label)
	assert.Equal(t, benefit.Status{Active: false, Used: false, Expired: true}, entries[1].Status)

	used, err := env.svc.UseBenefit(ctx, "user_1", active.ID)
	require.NoError(t, err)
	assert.True(t, used.Used)

	_, err = env.svc.UseBenefit(ctx, "user_1", active.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)
	_, err = env.svc.UseBenefit(ctx, "user_1", expired.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = env.svc.UseBenefit(ctx, "user_2", active.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCorruptStoredRowsAreServerErrors(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	_, err := env.store.InsertRoll(ctx, d20.Roll{UserID: "user_1", RollResult: 42, CreatedAt: time.Now()})
	require.NoError(t, err)
	_, err = env.svc.D20Status(ctx, "user_1")
	assert.ErrorIs(t, err, apperr.ErrCorruptRecord)
	assert.NotErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))

	broken := env.store.AddBenefit(benefit.Benefit{UserID: "user_1", Name: "Quebrado", DiscountPercent: 10, IsUsed: true})
	_, err = env.svc.UseBenefit(ctx, "user_1", broken.ID)
	assert.ErrorIs(t, err, apperr.ErrCorruptRecord)
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
}

func TestSummaryAndDeletePlayer(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	seedCatalog(env.store)
	require.NoError(t, env.svc.GrantD20(ctx, "user_1"))
	_, err := env.svc.RollD20(ctx, "user_1")
	require.NoError(t, err)

	summary, err := env.svc.GetSummary(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Progress.Level)
	assert.Len(t, summary.Achievements, 4)
	assert.Equal(t, d20.StageRolled, summary.D20.Stage)
	assert.Equal(t, "MAHOYA5", summary.D20.Prize.Code)
	assert.Empty(t, summary.Benefits)

	require.NoError(t, env.svc.DeletePlayer(ctx, "user_1"))
	p, _ := env.store.GetProgress(ctx, "user_1")
	assert.Nil(t, p)
	r, _ := env.store.GetRoll(ctx, "user_1")
	assert.Nil(t, r)
}
