package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(3, time.Second, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("u1"))
		now = now.Add(100 * time.Millisecond)
	}
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	// Первый запрос выпал из окна
	now = now.Add(750 * time.Millisecond)
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, rl.prune())
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(0, time.Second, time.Now)
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("u"))
	}
}

func TestRecoveryReturns500(t *testing.T) {
	h := Logging(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecoverFromPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer RecoverFromPanic("test", nil)
		panic("boom")
	})
}
