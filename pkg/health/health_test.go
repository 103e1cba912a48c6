package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func get(t *testing.T, handler http.HandlerFunc) (int, statusResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLive_Thresholds(t *testing.T) {
	h := New()
	h.AddLivenessCheck("postgres", time.Second, failingCheck("connection refused"))
	p := h.probes[0]

	code, body := get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	runN(p, 2)
	code, _ = get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below failure threshold")

	runN(p, 1)
	code, body = get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestRecovery(t *testing.T) {
	var fail bool
	h := New()
	h.Add(Liveness, "flaky", time.Second, func(context.Context) error {
		if fail {
			return errors.New("temporary")
		}
		return nil
	}, WithThresholds(1, 2))
	p := h.probes[0]

	fail = true
	runN(p, 1)
	assert.Contains(t, h.failures(Liveness), "flaky")

	fail = false
	runN(p, 1)
	assert.Contains(t, h.failures(Liveness), "flaky", "one success is below threshold")
	runN(p, 1)
	assert.Empty(t, h.failures(Liveness))
}

func TestReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("cache", time.Second, failingCheck("cold"))
	h.AddLivenessCheck("goroutines", time.Second, failingCheck("leak"))

	code, body := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, _ = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	for _, p := range h.probes {
		runN(p, 3)
	}
	code, body = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"cache": "cold"}, body.Checks, "liveness failures stay off /readyz")
	assert.False(t, h.IsReady())

	h.SetReady(false)
	_, body = get(t, h.ReadyEndpoint)
	assert.Len(t, body.Checks, 2)
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := New()
	h.AddReadinessCheck("counted", time.Second, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, calls, after+1)
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddReadinessCheck("db", time.Second, passingCheck())
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				w := httptest.NewRecorder()
				h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
				_ = h.IsReady()
			}
		}()
	}
	wg.Wait()
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	ok := PingCheck("memory", pingerFunc(func(context.Context) error { return nil }))
	assert.NoError(t, ok(context.Background()))

	down := PingCheck("postgres", pingerFunc(func(context.Context) error { return errors.New("refused") }))
	assert.EqualError(t, down(context.Background()), "ping postgres: refused")
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}
