package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wager/internal/common"
	"serotonyl.ru/wager/internal/features/activity"
	"serotonyl.ru/wager/internal/features/fairness"
	"serotonyl.ru/wager/internal/features/ledger"
	"serotonyl.ru/wager/internal/features/pool"
	"serotonyl.ru/wager/internal/features/sessions"
	"serotonyl.ru/wager/internal/random"
)

func TestHashKeyRoundTrip(t *testing.T) {
	hash, err := HashKey("s3cret")
	require.NoError(t, err)
	assert.True(t, verifyArgon2id("s3cret", hash))
	assert.False(t, verifyArgon2id("S3cret", hash))
	assert.False(t, verifyArgon2id("s3cret", "not-a-hash"))
}

func TestVerifyKeyLocksOutAfterThreeFailures(t *testing.T) {
	ctx := context.Background()
	hash, err := HashKey("s3cret")
	require.NoError(t, err)

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := NewService(NewMemoryAttempts(clock), hash)
	svc.now = clock

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, svc.VerifyKey(ctx, "10.0.0.1", "guess"), common.ErrUnauthorized)
	}
	require.ErrorIs(t, svc.VerifyKey(ctx, "10.0.0.1", "s3cret"), common.ErrTooManyAttempts)

	// Другой адрес не заблокирован
	require.NoError(t, svc.VerifyKey(ctx, "10.0.0.2", "s3cret"))

	now = now.Add(time.Hour + time.Second)
	require.NoError(t, svc.VerifyKey(ctx, "10.0.0.1", "s3cret"))
}

func TestEmptyHashDisablesAdmin(t *testing.T) {
	svc := NewService(NewMemoryAttempts(nil), "")
	require.ErrorIs(t, svc.VerifyKey(context.Background(), "127.0.0.1", ""), common.ErrUnauthorized)
}

type env struct {
	server   *httptest.Server
	registry *sessions.Registry
	ledger   *ledger.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hash, err := HashKey("s3cret")
	require.NoError(t, err)

	reg, issuer := sessions.New(time.Hour)
	l := ledger.New(nil)
	q := fairness.New(fairness.Config{MaxPerTick: 1, Capacity: 1, MaxAttempts: 1}, fairness.NewMemoryStore(),
		random.NewSeeded(random.SeedFromUint64(1)))

	h := NewHandler(Deps{
		Service: NewService(NewMemoryAttempts(nil), hash),
		Issuer:  issuer,
		Ledger:  l,
		Queue:   q,
		Stats:   activity.NewMemory(),
		Pool:    pool.NewService(l, pool.NewMemoryStore()),
	})
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &env{server: srv, registry: reg, ledger: l}
}

func (e *env) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(KeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminRequiresKey(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/admin/sessions", "", SessionRequest{UserID: 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body.Kind)
}

func TestAdminIssuesSessionsAndCredits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/admin/sessions", "s3cret", SessionRequest{UserID: 7})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s sessions.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))

	user, err := e.registry.Resolve(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), user)

	resp = e.do(t, http.MethodPost, "/admin/credit", "s3cret", CreditRequest{UserID: 7, Amount: 500, Reason: "welcome"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(500), e.ledger.View(7))

	resp = e.do(t, http.MethodPost, "/admin/credit", "s3cret", CreditRequest{UserID: 7, Amount: -900})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/admin/users/7", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report UserReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, int64(500), report.Balance.Points)
	require.NotNil(t, report.Stats)
	require.NotNil(t, report.Stake)
	assert.Zero(t, report.Stake.Amount)

	resp = e.do(t, http.MethodGet, "/admin/dead-letters", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dead []fairness.DeadLetter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dead))
	assert.Empty(t, dead)
}
