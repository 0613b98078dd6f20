package collectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/google/uuid"

	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

func testDispatchRequest(scanID uuid.UUID, collector string) domain.DispatchRequest {
	return domain.DispatchRequest{
		ScanID:    scanID,
		Collector: collector,
		Profile: domain.ProfileSnapshot{
			ProfileID:         "prof-1",
			Subnets:           []string{"10.20.0.0/16"},
			PortRanges:        []domain.PortRange{{Start: 1, End: 10000}},
			EnabledCollectors: []string{collector},
			Limits:            domain.ResourceLimits{MaxConcurrentProbes: 64},
		},
		ProgressURL: "https://orchestrator.internal/v1/scans/" + scanID.String() + "/callbacks/progress",
		CompleteURL: "https://orchestrator.internal/v1/scans/" + scanID.String() + "/callbacks/complete",
	}
}

func TestDispatcherStartSendsScope(t *testing.T) {
	scanID := uuid.New()
	var got startRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/scan", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(
		NewRegistry(map[string]Endpoint{"network_scanner": {BaseURL: srv.URL}}),
		5*time.Second, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	require.NoError(t, d.Start(context.Background(), testDispatchRequest(scanID, "network_scanner")))

	assert.Equal(t, scanID.String(), got.ScanID)
	assert.Equal(t, []string{"10.20.0.0/16"}, got.Scope.Subnets)
	require.Len(t, got.Scope.PortRanges, 1)
	assert.Equal(t, 10000, got.Scope.PortRanges[0].End)
	require.NotNil(t, got.Scope.Limits)
	assert.Equal(t, 64, got.Scope.Limits.MaxConcurrentProbes)
	assert.Contains(t, got.ProgressURL, "/callbacks/progress")
	assert.Contains(t, got.CompleteURL, "/callbacks/complete")
}

func TestDispatcherStartFailsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scanner busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(
		NewRegistry(map[string]Endpoint{"network_scanner": {BaseURL: srv.URL}}),
		5*time.Second, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	err := d.Start(context.Background(), testDispatchRequest(uuid.New(), "network_scanner"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDispatcherStartUnknownCollector(t *testing.T) {
	d := NewHTTPDispatcher(
		NewRegistry(nil), 5*time.Second, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	err := d.Start(context.Background(), testDispatchRequest(uuid.New(), "ghost_collector"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestDispatcherStartTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(
		NewRegistry(map[string]Endpoint{"network_scanner": {BaseURL: srv.URL}}),
		50*time.Millisecond, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	err := d.Start(context.Background(), testDispatchRequest(uuid.New(), "network_scanner"))
	require.Error(t, err)
}

func TestDispatcherStopHitsScanStopPath(t *testing.T) {
	scanID := uuid.New()
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(
		NewRegistry(map[string]Endpoint{"network_scanner": {BaseURL: srv.URL}}),
		5*time.Second, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	require.NoError(t, d.Stop(context.Background(), "network_scanner", scanID))
	assert.Equal(t, "/scan/"+scanID.String()+"/stop", gotPath)
}

func TestInspectionDispatcherSendsCredentialedTargets(t *testing.T) {
	scanID := uuid.New()
	var got inspectRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inspect", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPInspectionDispatcher(
		Endpoint{BaseURL: srv.URL + "/"}, 5*time.Second,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	targets := []domain.InspectionTarget{{
		Host:   "10.20.3.7",
		Port:   5432,
		Engine: "postgres",
		Credentials: domain.InspectionCredentials{
			Username: "auditor",
			Password: "s3cret",
		},
	}}

	require.NoError(t, d.Inspect(context.Background(), scanID, targets,
		"https://orchestrator.internal/progress", "https://orchestrator.internal/complete"))

	require.Len(t, got.Targets, 1)
	assert.Equal(t, "10.20.3.7", got.Targets[0].Host)
	assert.Equal(t, "auditor", got.Targets[0].Credentials.Username)
	assert.Equal(t, "s3cret", got.Targets[0].Credentials.Password)
}

func TestInspectionDispatcherFailsOnRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad batch", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewHTTPInspectionDispatcher(
		Endpoint{BaseURL: srv.URL}, 5*time.Second,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)

	err := d.Inspect(context.Background(), uuid.New(), []domain.InspectionTarget{{
		Host: "10.20.3.7", Port: 3306, Engine: "mysql",
	}}, "p", "c")
	require.Error(t, err)
}
