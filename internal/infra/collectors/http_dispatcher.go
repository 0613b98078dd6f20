package collectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// DefaultDispatchTimeout bounds every outbound dispatch call. Collectors
// acknowledge quickly and report actual work through callbacks, so a dispatch
// that takes longer than this is treated as failed.
const DefaultDispatchTimeout = 30 * time.Second

// startRequest is the wire format for a collector start dispatch.
type startRequest struct {
	ScanID      string    `json:"scan_id"`
	Scope       scanScope `json:"scope"`
	ProgressURL string    `json:"progress_url"`
	CompleteURL string    `json:"complete_url"`
}

// scanScope carries the profile parameters a collector needs to sweep.
type scanScope struct {
	Subnets    []string        `json:"subnets,omitempty"`
	PortRanges []portRange     `json:"port_ranges,omitempty"`
	Limits     *resourceLimits `json:"limits,omitempty"`
}

type portRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type resourceLimits struct {
	MaxConcurrentProbes int     `json:"max_concurrent_probes,omitempty"`
	MaxBandwidthKbps    int     `json:"max_bandwidth_kbps,omitempty"`
	RequestsPerSecond   float64 `json:"requests_per_second,omitempty"`
}

// inspectRequest is the wire format for an inspection dispatch. Targets carry
// transient credentials; this body is never logged or persisted.
type inspectRequest struct {
	ScanID      string          `json:"scan_id"`
	Targets     []inspectTarget `json:"targets"`
	ProgressURL string          `json:"progress_url"`
	CompleteURL string          `json:"complete_url"`
}

type inspectTarget struct {
	Host        string             `json:"host"`
	Port        int                `json:"port"`
	Engine      string             `json:"engine"`
	Database    string             `json:"database,omitempty"`
	Credentials inspectCredentials `json:"credentials"`
}

type inspectCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HTTPDispatcher implements domain.CollectorDispatcher over plain HTTP. Each
// call is bounded by the configured timeout and never retried: a failed
// dispatch is recorded on the collector's row and retrying is a run-level
// decision.
type HTTPDispatcher struct {
	registry *Registry
	client   *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

var _ domain.CollectorDispatcher = (*HTTPDispatcher)(nil)

// NewHTTPDispatcher creates a dispatcher with an otel-instrumented transport.
// A non-positive timeout falls back to DefaultDispatchTimeout.
func NewHTTPDispatcher(registry *Registry, timeout time.Duration, log *logger.Logger, tracer trace.Tracer) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &HTTPDispatcher{
		registry: registry,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: log.With("component", "collector_dispatcher"),
		tracer: tracer,
	}
}

// Start asks the collector to begin sweeping for the scan.
func (d *HTTPDispatcher) Start(ctx context.Context, req domain.DispatchRequest) error {
	ctx, span := d.tracer.Start(ctx, "collector_dispatcher.start",
		trace.WithAttributes(
			attribute.String("scan_id", req.ScanID.String()),
			attribute.String("collector", req.Collector),
		))
	defer span.End()

	ep, err := d.registry.Lookup(req.Collector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown collector")
		return err
	}

	profile := req.Profile
	body := startRequest{
		ScanID:      req.ScanID.String(),
		ProgressURL: req.ProgressURL,
		CompleteURL: req.CompleteURL,
		Scope: scanScope{
			Subnets:    profile.Subnets,
			PortRanges: wirePortRanges(profile.PortRanges),
			Limits:     wireLimits(profile.Limits),
		},
	}

	if err := d.post(ctx, ep.BaseURL+"/scan", body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return fmt.Errorf("failed to dispatch collector %s: %w", req.Collector, err)
	}

	d.logger.Info(ctx, "collector dispatched",
		"scan_id", req.ScanID.String(), "collector", req.Collector)
	span.SetStatus(codes.Ok, "collector dispatched")
	return nil
}

// Stop best-effort asks the collector to abandon the scan.
func (d *HTTPDispatcher) Stop(ctx context.Context, collector string, scanID uuid.UUID) error {
	ctx, span := d.tracer.Start(ctx, "collector_dispatcher.stop",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.String("collector", collector),
		))
	defer span.End()

	ep, err := d.registry.Lookup(collector)
	if err != nil {
		span.RecordError(err)
		return err
	}

	url := fmt.Sprintf("%s/scan/%s/stop", ep.BaseURL, scanID)
	if err := d.post(ctx, url, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to stop collector %s: %w", collector, err)
	}
	return nil
}

func (d *HTTPDispatcher) post(ctx context.Context, url string, body any) error {
	return postJSON(ctx, d.client, url, body)
}

// HTTPInspectionDispatcher implements domain.InspectionDispatcher over HTTP.
// It is separate from HTTPDispatcher because its payload carries credentials
// and its failure semantics differ: a failed inspection dispatch fails the
// run, not one collector among many.
type HTTPInspectionDispatcher struct {
	endpoint Endpoint
	client   *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

var _ domain.InspectionDispatcher = (*HTTPInspectionDispatcher)(nil)

// NewHTTPInspectionDispatcher creates a dispatcher for the inspection
// collector at the given endpoint.
func NewHTTPInspectionDispatcher(endpoint Endpoint, timeout time.Duration, log *logger.Logger, tracer trace.Tracer) *HTTPInspectionDispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	endpoint.BaseURL = strings.TrimRight(endpoint.BaseURL, "/")
	return &HTTPInspectionDispatcher{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: log.With("component", "inspection_dispatcher"),
		tracer: tracer,
	}
}

// Inspect sends the full target batch in one dispatch call.
func (d *HTTPInspectionDispatcher) Inspect(
	ctx context.Context,
	scanID uuid.UUID,
	targets []domain.InspectionTarget,
	progressURL, completeURL string,
) error {
	ctx, span := d.tracer.Start(ctx, "inspection_dispatcher.inspect",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.Int("target_count", len(targets)),
		))
	defer span.End()

	body := inspectRequest{
		ScanID:      scanID.String(),
		Targets:     make([]inspectTarget, 0, len(targets)),
		ProgressURL: progressURL,
		CompleteURL: completeURL,
	}
	for _, t := range targets {
		body.Targets = append(body.Targets, inspectTarget{
			Host:     t.Host,
			Port:     t.Port,
			Engine:   t.Engine,
			Database: t.Database,
			Credentials: inspectCredentials{
				Username: t.Credentials.Username,
				Password: t.Credentials.Password,
			},
		})
	}

	if err := postJSON(ctx, d.client, d.endpoint.BaseURL+"/inspect", body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inspection dispatch failed")
		return fmt.Errorf("failed to dispatch inspection: %w", err)
	}

	d.logger.Info(ctx, "inspection dispatched",
		"scan_id", scanID.String(), "target_count", len(targets))
	span.SetStatus(codes.Ok, "inspection dispatched")
	return nil
}

// postJSON issues one POST and treats any non-2xx response as failure. The
// request body is never echoed into errors or logs.
func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded amount so the connection can be reused.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func wirePortRanges(ranges []domain.PortRange) []portRange {
	if len(ranges) == 0 {
		return nil
	}
	out := make([]portRange, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, portRange{Start: r.Start, End: r.End})
	}
	return out
}

func wireLimits(limits domain.ResourceLimits) *resourceLimits {
	if limits == (domain.ResourceLimits{}) {
		return nil
	}
	return &resourceLimits{
		MaxConcurrentProbes: limits.MaxConcurrentProbes,
		MaxBandwidthKbps:    limits.MaxBandwidthKbps,
		RequestsPerSecond:   limits.RequestsPerSecond,
	}
}
