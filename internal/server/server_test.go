package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/anomaly"
	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/geo"
	"github.com/lvonguyen/loginwatch/internal/normalize"
	"github.com/lvonguyen/loginwatch/internal/pipeline"
	"github.com/lvonguyen/loginwatch/internal/poller"
	"github.com/lvonguyen/loginwatch/internal/store"
	"github.com/lvonguyen/loginwatch/internal/store/flatfile"
)

type fakePoller struct {
	healthErr error
}

func (f *fakePoller) Name() string { return "slack" }

func (f *fakePoller) Fields() event.FieldMap {
	return event.FieldMap{Timestamp: "date_last", User: "email", IP: "ip", UserAgent: "user_agent"}
}

func (f *fakePoller) Poll(ctx context.Context, cp store.Checkpoint) ([]event.Raw, error) {
	return nil, nil
}

func (f *fakePoller) HealthCheck(ctx context.Context) error { return f.healthErr }

type fakeLocator struct{}

func (fakeLocator) City(ip string) (geo.CityRecord, error) { return geo.CityRecord{}, nil }
func (fakeLocator) ASN(ip string) (string, error)          { return "", nil }

func newTestServer(t *testing.T, pollers []poller.Poller) *Server {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.DefaultConfig()

	st, err := flatfile.New(t.TempDir())
	if err != nil {
		t.Fatalf("flatfile.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := anomaly.NewEngine(anomaly.DefaultParams(), logger)
	p := pipeline.New(cfg, pollers, st, normalize.New(fakeLocator{}, logger), engine, nil, logger)
	return New(cfg.Server, p, pollers, logger, "test")
}

// TestHealth_Healthy verifies the health endpoint aggregates poller probes.
func TestHealth_Healthy(t *testing.T) {
	s := newTestServer(t, []poller.Poller{&fakePoller{}})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Pollers []struct {
			Provider string `json:"provider"`
			Healthy  bool   `json:"healthy"`
		} `json:"pollers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q", resp.Status)
	}
	if len(resp.Pollers) != 1 || !resp.Pollers[0].Healthy {
		t.Errorf("pollers = %+v", resp.Pollers)
	}
}

// TestHealth_DegradedOnPollerFailure verifies a failing provider flips the
// endpoint to 503.
func TestHealth_DegradedOnPollerFailure(t *testing.T) {
	s := newTestServer(t, []poller.Poller{&fakePoller{healthErr: errors.New("invalid_auth")}})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

// TestStatus_BeforeAndAfterRun verifies the status endpoint reflects run
// outcomes.
func TestStatus_BeforeAndAfterRun(t *testing.T) {
	s := newTestServer(t, []poller.Poller{&fakePoller{}})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var before struct {
		Running bool       `json:"running"`
		LastRun *RunStatus `json:"last_run"`
	}
	json.Unmarshal(rr.Body.Bytes(), &before)
	if before.Running || before.LastRun != nil {
		t.Errorf("fresh server status = %+v", before)
	}

	s.runOnce(context.Background())

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	var after struct {
		Running bool       `json:"running"`
		LastRun *RunStatus `json:"last_run"`
	}
	json.Unmarshal(rr.Body.Bytes(), &after)
	if after.LastRun == nil {
		t.Fatal("status missing last_run after a run")
	}
	if after.LastRun.Error != "" {
		t.Errorf("run error = %q", after.LastRun.Error)
	}
	if after.LastRun.FinishedAt.Before(after.LastRun.StartedAt) {
		t.Error("finished_at precedes started_at")
	}
}

// TestAlerts_EmptyList verifies the alerts endpoint returns an empty array,
// not null, before any alerts exist.
func TestAlerts_EmptyList(t *testing.T) {
	s := newTestServer(t, []poller.Poller{&fakePoller{}})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Count  int         `json:"count"`
		Alerts []event.Raw `json:"alerts"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 0 || resp.Alerts == nil {
		t.Errorf("alerts response = %+v", resp)
	}
}

// TestRun_ConflictWhileRunning verifies a manual trigger is rejected while a
// run is in flight.
func TestRun_ConflictWhileRunning(t *testing.T) {
	s := newTestServer(t, []poller.Poller{&fakePoller{}})
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/run", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

// TestRun_Accepted verifies a manual trigger starts a run.
func TestRun_Accepted(t *testing.T) {
	s := newTestServer(t, []poller.Poller{&fakePoller{}})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/run", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}

	// The run is asynchronous; wait for it to record a status.
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		done := s.status != nil
		s.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never recorded a status")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
