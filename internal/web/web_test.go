package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"greenhouse/internal/actionqueue"
	"greenhouse/internal/bus"
	"greenhouse/internal/fanout"
)

const testSecret = "test-secret"

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	queue := actionqueue.NewQueue(rdb, actionqueue.Options{Lanes: 2}, zap.NewNop())
	require.NoError(t, queue.Init(context.Background()))

	events := bus.NewBus(16, zap.NewNop())
	hub := fanout.NewHub(events, 8, zap.NewNop())
	return NewServer(nil, queue, hub, testSecret, zap.NewNop())
}

func request(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodGet, "/api/queue/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestsWithBadTokenAreRejected(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodGet, "/api/queue/stats", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperatorEndpointsRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodGet, "/api/queue/stats", signToken(t, "u1", "user"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestQueueStatsForAdmin(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodGet, "/api/queue/stats", signToken(t, "op", "admin"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lanes")
}

func TestDeadLetterListIsEmptyInitially(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodGet, "/api/queue/dead", signToken(t, "op", "admin"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestReplayUnknownDeadLetterIs404(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodPost, "/api/queue/dead/nope/replay", signToken(t, "op", "admin"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenQueryParameterIsAccepted(t *testing.T) {
	s := newTestServer(t)
	rec := request(t, s, http.MethodGet, "/api/queue/stats?token="+signToken(t, "op", "admin"), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
