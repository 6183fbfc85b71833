package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestLogger_RecordsStatusAndBytes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	line := buf.String()
	assert.Contains(t, line, "status=418")
	assert.Contains(t, line, "bytes=15")
	assert.Contains(t, line, "path=/healthz")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{}, nil)
	h := rl.Middleware(nil)(ok())

	for range 50 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	hits := 0
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 2}, func() { hits++ })
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	h := rl.Middleware(nil)(ok())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/execute", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002"), "burst exhausted")
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"), "other clients unaffected")
	assert.Equal(t, 1, hits)

	frozen = frozen.Add(time.Second)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1003"), "refilled after a second")
}

func TestRateLimiter_KeyFunc(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 1}, nil)
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	h := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Client") })(ok())

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/execute", nil)
		req.Header.Set("X-Client", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 5, IdleTTL: time.Minute}, nil)
	start := time.Now()
	rl.now = func() time.Time { return start }
	rl.Allow("a")
	rl.Allow("b")

	rl.now = func() time.Time { return start.Add(2 * time.Minute) }
	rl.Allow("c")

	assert.Equal(t, 1, rl.Prune())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", ClientIP(req))

	req.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", ClientIP(req))
}
