package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealth() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("pipeline", true, "running")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["pipeline"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealth()
	healthChecker.version = "1.0.0"

	RegisterComponent("pipeline", true, "")
	RegisterCritical("graph", true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("pipeline", true, "")
	RegisterComponent("session_store", false, "redis unreachable")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["session_store"] != "unhealthy: redis unreachable" {
		t.Errorf("unexpected component status: %s", health.Components["session_store"])
	}
}

func TestGetReadiness_CriticalGatesReady(t *testing.T) {
	resetHealth()

	RegisterCritical("graph", false, "connecting")
	RegisterCritical("job_store", true, "")
	RegisterComponent("watcher", false, "optional, absent")

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected 'not_ready', got '%s'", readiness.Status)
	}
	if _, tracked := readiness.Components["watcher"]; tracked {
		t.Error("non-critical component should not gate readiness")
	}

	UpdateComponent("graph", true, "")
	readiness = GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("expected 'ready' after graph recovered, got '%s'", readiness.Status)
	}
}

func TestUpdateComponentPreservesCritical(t *testing.T) {
	resetHealth()

	RegisterCritical("session_store", true, "")
	UpdateComponent("session_store", false, "down")

	if !healthChecker.components["session_store"].Critical {
		t.Error("critical flag lost on update")
	}
	if GetReadiness().Status != "not_ready" {
		t.Error("critical component down should block readiness")
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealth()
	RegisterComponent("pipeline", true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected 'healthy', got '%s'", health.Status)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealth()
	RegisterCritical("graph", false, "connecting")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	ReadyHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}
	time.Sleep(10 * time.Millisecond)
	if timer.Duration() < 10*time.Millisecond {
		t.Errorf("Timer.Duration() = %v, want >= 10ms", timer.Duration())
	}
	if timer.StartTime().IsZero() {
		t.Error("start time is zero")
	}
}
