package localstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/d20"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "guest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestGetPut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", []byte("one")))
	require.NoError(t, s.Put(ctx, "k", []byte("two")))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", string(v))

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stored, err := s.PutIfAbsent(ctx, "k", []byte("first"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.PutIfAbsent(ctx, "k", []byte("second"))
	require.NoError(t, err)
	assert.False(t, stored)

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))
}

func TestPutIfAbsentConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.PutIfAbsent(ctx, "race", []byte("x"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompareAndPut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	swapped, err := s.CompareAndPut(ctx, "k", []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.False(t, swapped, "missing keys are never swapped")

	require.NoError(t, s.Put(ctx, "k", []byte("a")))

	swapped, err = s.CompareAndPut(ctx, "k", []byte("stale"), []byte("b"))
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CompareAndPut(ctx, "k", []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.True(t, swapped)

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))
}

func TestConcurrentGuestRedeem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	engine := d20.NewEngine(d20.NewGuestRepository(s), d20.CryptoSource{})

	_, _, err := engine.Roll(ctx, "guest-1")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Redeem(ctx, "guest-1")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("kept")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "kept", string(v))
}

func TestBacksGuestEngine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	engine := d20.NewEngine(d20.NewGuestRepository(s), d20.CryptoSource{})

	first, created, err := engine.Roll(ctx, "guest-1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := engine.Roll(ctx, "guest-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.RollResult, again.RollResult)
	assert.Equal(t, first.PrizeCode, again.PrizeCode)

	_, ok, err := s.Get(ctx, d20.GuestRollKey("guest-1"))
	require.NoError(t, err)
	assert.True(t, ok)
}
