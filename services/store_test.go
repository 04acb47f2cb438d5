package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	postgrest "github.com/nedpals/supabase-go/postgrest/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mahoyaAPI/internal/apperr"
	"mahoyaAPI/internal/d20"
)

func TestPgErrorMapping(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	assert.ErrorIs(t, pgError("insert roll", dup), apperr.ErrConflict)

	other := &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
	err := pgError("insert roll", other)
	assert.NotErrorIs(t, err, apperr.ErrConflict)
	assert.ErrorAs(t, err, new(*pgconn.PgError))

	assert.NotErrorIs(t, pgError("x", errors.New("boom")), apperr.ErrTransientIO)
}

func TestSupabaseErrorMapping(t *testing.T) {
	dup := &postgrest.RequestError{Code: "23505", Message: "duplicate key value", HTTPStatusCode: http.StatusConflict}
	assert.ErrorIs(t, supabaseError("insert", dup), apperr.ErrConflict)

	conflict := &postgrest.RequestError{Code: "PGRST409", HTTPStatusCode: http.StatusConflict}
	assert.ErrorIs(t, supabaseError("insert", fmt.Errorf("wrapped: %w", conflict)), apperr.ErrConflict)

	unavailable := &postgrest.RequestError{Code: "PGRST000", HTTPStatusCode: http.StatusServiceUnavailable}
	assert.ErrorIs(t, supabaseError("get", unavailable), apperr.ErrTransientIO)

	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	assert.ErrorIs(t, supabaseError("get", fmt.Errorf("request: %w", netErr)), apperr.ErrTransientIO)

	notFound := &postgrest.RequestError{Code: "PGRST116", HTTPStatusCode: http.StatusNotAcceptable}
	assert.NotErrorIs(t, supabaseError("get", notFound), apperr.ErrConflict)

	// Message text alone no longer decides the kind.
	assert.NotErrorIs(t, supabaseError("get", errors.New("23505: duplicate key")), apperr.ErrConflict)
}

func TestSupabaseStoreAgainstRESTServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint \"d20_rolls_pkey\""}`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	store := NewSupabaseStore(srv.URL, "service-key")

	_, err := store.InsertRoll(context.Background(), d20.Roll{UserID: "user_1", RollResult: 4})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, store.GrantEligibility(context.Background(), "user_1", time.Now()), "granting twice is a no-op")

	p, err := store.GetProgress(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Nil(t, p)

	before := hits.Load()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.GetProgress(ctx, "user_1")
	assert.Error(t, err)
	assert.Equal(t, before, hits.Load(), "a cancelled context never reaches the server")
}

func TestCountedOrderStatus(t *testing.T) {
	assert.True(t, countedOrderStatus("paid"))
	assert.True(t, countedOrderStatus("delivered"))
	assert.True(t, countedOrderStatus(""))
	assert.False(t, countedOrderStatus("cancelled"))
	assert.False(t, countedOrderStatus("refunded"))
}
