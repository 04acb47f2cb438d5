package d20

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahoyaAPI/internal/apperr"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapKV() *mapKV { return &mapKV{data: map[string][]byte{}} }

func (m *mapKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapKV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *mapKV) CompareAndPut(ctx context.Context, key string, old, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

// slowKV widens the gap between a read and the write that follows it.
type slowKV struct {
	*mapKV
	delay time.Duration
}

func (s slowKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := s.mapKV.Get(ctx, key)
	time.Sleep(s.delay)
	return v, ok, err
}

func TestGuestFlow(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	repo := NewGuestRepository(kv)
	src := &fixedSource{value: 16}
	e := newTestEngine(repo, src)

	state, err := e.Status(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, StageEligible, state.Stage, "guests have no eligibility gate")

	roll, created, err := e.Roll(ctx, "guest-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "BRINDE", roll.PrizeCode)

	src.value = 20
	again, created, err := e.Roll(ctx, "guest-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 16, again.RollResult)

	_, err = e.Redeem(ctx, "guest-1")
	require.NoError(t, err)
	_, err = e.Redeem(ctx, "guest-1")
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	stored, err := repo.GetRoll(ctx, "guest-1")
	require.NoError(t, err)
	assert.True(t, stored.IsUsed())
}

func TestGuestBlobFormat(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	e := newTestEngine(NewGuestRepository(kv), &fixedSource{value: 7})

	_, _, err := e.Roll(ctx, "g")
	require.NoError(t, err)

	raw, ok, _ := kv.Get(ctx, GuestRollKey("g"))
	require.True(t, ok)
	assert.JSONEq(t, `{
		"rollResult": 7,
		"prizeCode": "MAHOYA10",
		"prizeTitle": "10% de desconto",
		"prizeDescription": "Desconto de 10% na sua próxima compra.",
		"usedAt": null,
		"createdAt": "2026-10-01T09:00:00Z"
	}`, string(raw))
}

func TestGuestRollsAreIsolated(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	src := &fixedSource{value: 2}
	e := newTestEngine(NewGuestRepository(kv), src)

	_, _, err := e.Roll(ctx, "a")
	require.NoError(t, err)

	src.value = 19
	roll, created, err := e.Roll(ctx, "b")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 19, roll.RollResult)
}

func TestGuestCorruptBlob(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	require.NoError(t, kv.Put(ctx, GuestRollKey("g"), []byte(`{"rollResult": 99}`)))

	_, err := NewGuestRepository(kv).GetRoll(ctx, "g")
	assert.ErrorIs(t, err, apperr.ErrCorruptRecord)
	assert.Equal(t, 500, apperr.HTTPStatus(err))

	require.NoError(t, kv.Put(ctx, GuestRollKey("h"), []byte(`not json`)))
	_, err = NewGuestRepository(kv).GetRoll(ctx, "h")
	assert.ErrorIs(t, err, apperr.ErrCorruptRecord)
	assert.Equal(t, 500, apperr.HTTPStatus(err))
}

func TestGuestConcurrentRedeemHasOneWinner(t *testing.T) {
	ctx := context.Background()
	kv := slowKV{mapKV: newMapKV(), delay: 20 * time.Millisecond}
	e := newTestEngine(NewGuestRepository(kv), &fixedSource{value: 16})

	_, _, err := e.Roll(ctx, "g")
	require.NoError(t, err)

	const redeemers = 5
	errs := make(chan error, redeemers)
	var wg sync.WaitGroup
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Redeem(ctx, "g")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, used := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrAlreadyUsed):
			used++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, redeemers-1, used)
}

func TestGuestMarkUsedWithoutRoll(t *testing.T) {
	repo := NewGuestRepository(newMapKV())
	err := repo.MarkRollUsed(context.Background(), "nobody", fixedNow())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClaimPopupOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewGuestRepository(newMapKV())

	shown, err := repo.PopupShown(ctx, "g")
	require.NoError(t, err)
	assert.False(t, shown)

	first, err := repo.ClaimPopup(ctx, "g")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.ClaimPopup(ctx, "g")
	require.NoError(t, err)
	assert.False(t, second)

	shown, err = repo.PopupShown(ctx, "g")
	require.NoError(t, err)
	assert.True(t, shown)

	// The popup flag never gates rolling.
	e := newTestEngine(repo, &fixedSource{value: 5})
	_, created, err := e.Roll(ctx, "g")
	require.NoError(t, err)
	assert.True(t, created)
}
