package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/checkpoint"
	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/session"
)

func TestStatusRequiresConsecutiveFailures(t *testing.T) {
	cfg := Config{Retries: 3}
	s := NewStatus()

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	s.Update(fail, cfg)
	s.Update(fail, cfg)
	assert.True(t, s.Healthy, "two failures stay under the threshold")

	s.Update(ok, cfg)
	assert.Equal(t, 0, s.ConsecutiveFailures, "success resets the streak")

	s.Update(fail, cfg)
	s.Update(fail, cfg)
	s.Update(fail, cfg)
	assert.False(t, s.Healthy)

	s.Update(ok, cfg)
	assert.True(t, s.Healthy, "single success restores health")
}

func TestGraphChecker(t *testing.T) {
	svc := graph.NewMemoryService()
	c := NewGraphChecker(svc)
	assert.Equal(t, "graph", c.Name())

	res := c.Check(context.Background())
	assert.True(t, res.Healthy)

	svc.FailNext("query", 1, errs.New(errs.CodeUnavailable, "graph down"))
	res = c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "graph down")
}

func TestSessionStoreChecker(t *testing.T) {
	store := session.NewMemoryStore(config.Default().Sessions)
	res := NewSessionStoreChecker(store).Check(context.Background())
	assert.True(t, res.Healthy)
}

func TestJobStoreChecker(t *testing.T) {
	store := checkpoint.NewMemoryJobStore()
	res := NewJobStoreChecker(store).Check(context.Background())
	assert.True(t, res.Healthy)
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ok := NewHTTPChecker("graph-api", srv.URL+"/healthz").Check(context.Background())
	assert.True(t, ok.Healthy)

	bad := NewHTTPChecker("graph-api", srv.URL+"/broken").Check(context.Background())
	assert.False(t, bad.Healthy)
	assert.Contains(t, bad.Message, "status 500")

	tolerant := NewHTTPChecker("graph-api", srv.URL+"/broken").
		WithStatusRange(200, 599).
		Check(context.Background())
	assert.True(t, tolerant.Healthy)
}

func TestTCPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	res := NewTCPChecker("redis", addr).Check(context.Background())
	assert.True(t, res.Healthy)

	srv.Close()
	res = NewTCPChecker("redis", addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestMonitorTracksTransitions(t *testing.T) {
	svc := graph.NewMemoryService()
	m := NewMonitor(Config{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Retries:  2,
	}, NewGraphChecker(svc))

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Statuses()["graph"].ConsecutiveSuccesses > 0
	}, 2*time.Second, 10*time.Millisecond)

	svc.FailNext("query", 100, errs.New(errs.CodeUnavailable, "graph down"))
	require.Eventually(t, func() bool {
		return !m.Statuses()["graph"].Healthy
	}, 2*time.Second, 10*time.Millisecond)

	svc.FailNext("query", 0, nil)
	require.Eventually(t, func() bool {
		return m.Statuses()["graph"].Healthy
	}, 2*time.Second, 10*time.Millisecond)
}
