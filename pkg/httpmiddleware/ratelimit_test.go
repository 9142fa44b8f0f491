package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func request(remoteAddr string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := serve(handler, request("192.168.1.1:12345", nil))
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimitEnvelope(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	handler := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute, Now: clock.Now})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:9999", nil)).Code)
	}

	w := serve(handler, request("10.0.0.1:9999", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var (
		code      string
		retryable bool
	)
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		if key != "error" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "code":
				code, err = d.Str()
			case "retryable":
				retryable, err = d.Bool()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", code)
	assert.True(t, retryable)
}

func TestRateLimit_WindowRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, Now: clock.Now})(okHandler())

	require.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:1", nil)).Code)
	require.Equal(t, http.StatusTooManyRequests, serve(handler, request("10.0.0.1:1", nil)).Code)

	clock.now = clock.now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:1", nil)).Code)
}

func TestRateLimit_Keys(t *testing.T) {
	tests := []struct {
		name   string
		first  *http.Request
		second *http.Request
		want   int
	}{
		{
			name:   "different ips",
			first:  request("10.0.0.1:1234", nil),
			second: request("10.0.0.2:1234", nil),
			want:   http.StatusOK,
		},
		{
			name:   "same ip different port",
			first:  request("10.0.0.1:1234", nil),
			second: request("10.0.0.1:5678", nil),
			want:   http.StatusTooManyRequests,
		},
		{
			name:   "forwarded for first hop",
			first:  request("192.168.1.1:4444", map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}),
			second: request("192.168.1.2:5555", map[string]string{"X-Forwarded-For": "203.0.113.50"}),
			want:   http.StatusTooManyRequests,
		},
		{
			name:   "users behind one address",
			first:  request("10.0.0.1:1234", map[string]string{UserHeader: "u1"}),
			second: request("10.0.0.1:1234", map[string]string{UserHeader: "u2"}),
			want:   http.StatusOK,
		},
		{
			name:   "same user from two addresses",
			first:  request("10.0.0.1:1234", map[string]string{UserHeader: "u1"}),
			second: request("10.0.0.9:1234", map[string]string{UserHeader: "u1"}),
			want:   http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
			require.Equal(t, http.StatusOK, serve(handler, tt.first).Code)
			assert.Equal(t, tt.want, serve(handler, tt.second).Code)
		})
	}
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		KeyFunc: func(r *http.Request) string {
			return r.URL.Query().Get("tenant")
		},
	})(okHandler())

	get := func(tenant string) int {
		return serve(handler, httptest.NewRequest(http.MethodGet, "/?tenant="+tenant, nil)).Code
	}
	assert.Equal(t, http.StatusOK, get("a"))
	assert.Equal(t, http.StatusTooManyRequests, get("a"))
	assert.Equal(t, http.StatusOK, get("b"))
}

func TestRateLimit_Skip(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		Skip:   func(r *http.Request) bool { return r.URL.Path == "/readyz" },
	})(okHandler())

	probe := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		req.RemoteAddr = "10.0.0.1:1"
		return serve(handler, req)
	}
	for range 3 {
		w := probe()
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	require.Equal(t, http.StatusOK, serve(handler, request("10.0.0.1:1", nil)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, request("10.0.0.1:1", nil)).Code)
}

func TestRateLimit_SlidingEstimate(t *testing.T) {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{Max: 4, Window: time.Minute})

	for range 4 {
		require.True(t, l.take("k", start).allowed)
	}
	// Half of the previous window still overlaps: 4*0.5 counted, 2 left.
	mid := start.Add(90 * time.Second)
	assert.True(t, l.take("k", mid).allowed)
	assert.True(t, l.take("k", mid).allowed)
	assert.False(t, l.take("k", mid).allowed)
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 1, Window: time.Minute})
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.True(t, l.take("k", start).allowed)

	l.sweep(start.Add(time.Minute))
	assert.Len(t, l.windows, 1)

	l.sweep(start.Add(2 * time.Minute))
	assert.Empty(t, l.windows)
}
