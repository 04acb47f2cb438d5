package d20

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahoyaAPI/internal/apperr"
)

type fakeRepo struct {
	mu          sync.Mutex
	eligible    map[string]bool
	rolls       map[string]Roll
	insertErr   error
	raceWinner  *Roll // inserted just before our insert, simulating another tab
	insertCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{eligible: map[string]bool{}, rolls: map[string]Roll{}}
}

func (f *fakeRepo) GetEligibility(ctx context.Context, userID string) (*Eligibility, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.eligible[userID] {
		return nil, nil
	}
	return &Eligibility{UserID: userID}, nil
}

func (f *fakeRepo) GetRoll(ctx context.Context, userID string) (*Roll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rolls[userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeRepo) InsertRoll(ctx context.Context, roll Roll) (*Roll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	if f.raceWinner != nil {
		f.rolls[roll.UserID] = *f.raceWinner
		f.raceWinner = nil
	}
	if _, ok := f.rolls[roll.UserID]; ok {
		return nil, apperr.ErrConflict
	}
	f.rolls[roll.UserID] = roll
	return &roll, nil
}

func (f *fakeRepo) MarkRollUsed(ctx context.Context, userID string, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rolls[userID]
	if !ok {
		return apperr.ErrNotFound
	}
	r.UsedAt = &usedAt
	f.rolls[userID] = r
	return nil
}

type fixedSource struct {
	value int
	err   error
	calls int
}

func (s *fixedSource) Draw(sides int) (int, error) {
	s.calls++
	return s.value, s.err
}

func fixedNow() time.Time { return time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC) }

func newTestEngine(repo Repository, src Source) *Engine {
	e := NewEngine(repo, src)
	e.now = fixedNow
	return e
}

func TestRoll_Ineligible(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, &fixedSource{value: 12})

	_, _, err := e.Roll(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Empty(t, repo.rolls)
}

func TestRoll_CreatesRecord(t *testing.T) {
	repo := newFakeRepo()
	repo.eligible["u1"] = true
	e := newTestEngine(repo, &fixedSource{value: 20})

	roll, created, err := e.Roll(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 20, roll.RollResult)
	assert.Equal(t, "CRITICO", roll.PrizeCode)
	assert.Nil(t, roll.UsedAt)

	state, err := e.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StageRolled, state.Stage)
	require.NotNil(t, state.Prize)
	assert.Equal(t, CategorySpecial, state.Prize.Category)
}

func TestRoll_SecondCallReturnsOriginal(t *testing.T) {
	repo := newFakeRepo()
	repo.eligible["u1"] = true
	src := &fixedSource{value: 7}
	e := newTestEngine(repo, src)

	first, _, err := e.Roll(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "MAHOYA10", first.PrizeCode)

	src.value = 20
	second, created, err := e.Roll(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 7, second.RollResult)
	assert.Equal(t, 1, src.calls, "an existing roll must not draw again")
	assert.Equal(t, 7, repo.rolls["u1"].RollResult)
}

func TestRoll_ConflictReturnsStoredRoll(t *testing.T) {
	repo := newFakeRepo()
	repo.eligible["u1"] = true
	repo.raceWinner = &Roll{UserID: "u1", RollResult: 3, PrizeCode: "MAHOYA5"}
	e := newTestEngine(repo, &fixedSource{value: 18})

	roll, created, err := e.Roll(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 3, roll.RollResult)
	assert.Equal(t, "MAHOYA5", roll.PrizeCode)
}

func TestRoll_FailuresLeaveStateUnchanged(t *testing.T) {
	t.Run("draw error", func(t *testing.T) {
		repo := newFakeRepo()
		repo.eligible["u1"] = true
		e := newTestEngine(repo, &fixedSource{err: errors.New("entropy exhausted")})

		_, _, err := e.Roll(context.Background(), "u1")
		assert.Error(t, err)
		assert.Empty(t, repo.rolls)
		assert.Equal(t, 0, repo.insertCalls)
	})

	t.Run("draw out of range", func(t *testing.T) {
		repo := newFakeRepo()
		repo.eligible["u1"] = true
		e := newTestEngine(repo, &fixedSource{value: 21})

		_, _, err := e.Roll(context.Background(), "u1")
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Empty(t, repo.rolls)
	})

	t.Run("store error", func(t *testing.T) {
		repo := newFakeRepo()
		repo.eligible["u1"] = true
		repo.insertErr = fmt.Errorf("dial: %w", apperr.ErrTransientIO)
		e := newTestEngine(repo, &fixedSource{value: 9})

		_, _, err := e.Roll(context.Background(), "u1")
		assert.ErrorIs(t, err, apperr.ErrTransientIO)
		assert.Empty(t, repo.rolls)
	})
}

func TestRedeem(t *testing.T) {
	repo := newFakeRepo()
	repo.eligible["u1"] = true
	e := newTestEngine(repo, &fixedSource{value: 11})

	_, err := e.Redeem(context.Background(), "u1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, _, err = e.Roll(context.Background(), "u1")
	require.NoError(t, err)

	roll, err := e.Redeem(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, roll.IsUsed())

	_, err = e.Redeem(context.Background(), "u1")
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	state, err := e.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StageRedeemed, state.Stage)
}

func TestStatus_Stages(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, &fixedSource{value: 1})
	ctx := context.Background()

	state, err := e.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StageIneligible, state.Stage)
	assert.Nil(t, state.Roll)

	repo.eligible["u1"] = true
	state, err = e.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StageEligible, state.Stage)

	_, _, err = e.Roll(ctx, "u1")
	require.NoError(t, err)

	// Revoking eligibility does not touch a recorded roll.
	repo.eligible["u1"] = false
	state, err = e.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StageRolled, state.Stage)
	assert.False(t, state.Eligible)
}

func TestCryptoSourceRange(t *testing.T) {
	var src CryptoSource
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		n, err := src.Draw(Sides)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, Sides)
		seen[n] = true
	}
	assert.Len(t, seen, Sides)

	_, err := src.Draw(0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestParseRoll(t *testing.T) {
	_, err := ParseRoll(Roll{UserID: "u", RollResult: 0})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = ParseRoll(Roll{RollResult: 4})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = ParseRoll(Roll{UserID: "u", RollResult: 4})
	assert.NoError(t, err)
}
