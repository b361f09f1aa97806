// Package dispatcher implements the per-request state machine: snapshot the
// fleet, ask the selection strategy for a candidate, forward the request,
// and fail over to the next candidate on a retryable upstream failure.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"balancer/pkg/apperror"
	"balancer/pkg/audit"
	"balancer/pkg/config"
	"balancer/pkg/fleet"
	"balancer/pkg/logger"
	"balancer/pkg/metrics"
	"balancer/pkg/strategy"
	"balancer/pkg/telemetry"
)

// Mode selects which port of each upstream instance is contacted and
// whether the outbound client requires HTTP/2 prior knowledge.
type Mode string

const (
	// ModeREST targets an instance's REST port over plain HTTP/1.1 (or
	// HTTP/1.1-over-TLS).
	ModeREST Mode = "rest"
	// ModeGRPC targets an instance's gRPC port, requiring the outbound
	// client to speak HTTP/2 with prior knowledge rather than negotiate
	// via ALPN or upgrade.
	ModeGRPC Mode = "grpc"
)

// hopByHopHeaders are stripped from the response before relay, matching the
// sidecar's own skip-list: they are either set by the response writer
// itself or meaningless once the body has been fully buffered.
var hopByHopHeaders = []string{
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
}

// Request is a fully-buffered inbound request, decoded by a Frontend
// listener: streaming is not supported, the body has already been drained.
type Request struct {
	Method       string
	PathAndQuery string
	Header       http.Header
	Body         []byte
}

// Result is an upstream response to relay verbatim to the client.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Dispatcher is the central state machine described in spec §4.4. One
// Dispatcher is shared across every inbound request.
type Dispatcher struct {
	fleet      *fleet.Fleet
	selector   *strategy.Selector
	restClient *http.Client
	grpcClient *http.Client

	scheme      string
	connTimeout time.Duration
	maxRetries  *int // nil: unset, try every alive candidate exactly once

	metrics *metrics.Metrics
	audit   audit.Logger
}

// New constructs a Dispatcher. scheme is "http" or "https" and governs how
// outbound URLs to upstream instances are built — independent of whether
// the balancer's own frontend listeners terminate TLS.
func New(f *fleet.Fleet, selector *strategy.Selector, cfg *config.Config, m *metrics.Metrics, auditLogger audit.Logger, scheme string) *Dispatcher {
	if scheme == "" {
		scheme = "http"
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Dispatcher.InsecureSkipVerify} //nolint:gosec // opt-in via Dispatcher.InsecureSkipVerify, default false

	restClient := &http.Client{
		Timeout: cfg.ConnectionTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}

	h2Transport := &http2.Transport{
		TLSClientConfig: tlsConfig,
	}
	if scheme != "https" {
		// Cleartext HTTP/2 with prior knowledge: skip ALPN/upgrade
		// entirely and dial a plain TCP connection.
		h2Transport.AllowHTTP = true
		h2Transport.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	grpcClient := &http.Client{
		Timeout:   cfg.ConnectionTimeout,
		Transport: h2Transport,
	}

	return &Dispatcher{
		fleet:       f,
		selector:    selector,
		restClient:  restClient,
		grpcClient:  grpcClient,
		scheme:      scheme,
		connTimeout: cfg.ConnectionTimeout,
		maxRetries:  cfg.MaxRetries,
		metrics:     m,
		audit:       auditLogger,
	}
}

// Dispatch selects an alive instance, forwards the request, and fails over
// to the next candidate on a retryable failure, up to min(maxRetries+1,
// len(alive)) attempts — or, when maxRetries is unset, up to len(alive)
// attempts (every alive instance tried exactly once). The returned error,
// when non-nil, is always an *apperror.Error. A non-nil Result should be
// relayed to the client even when an error also accompanies it (an
// exhausted 5xx retry still carries the upstream's own response for relay).
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, mode Mode) (*Result, error) {
	requestID := req.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var timer *metrics.Timer
	if d.metrics != nil {
		timer = metrics.NewTimer(d.metrics.DispatchDuration, string(mode))
	}
	ctx, span := telemetry.StartDispatchSpan(ctx)
	defer span.End()

	candidates := d.fleet.Alive()
	if len(candidates) == 0 {
		d.recordOutcome(string(mode), "no_alive_upstream", timer, 0)
		return nil, apperror.NoAliveUpstream()
	}

	maxAttempts := len(candidates)
	if d.maxRetries != nil && *d.maxRetries+1 < maxAttempts {
		maxAttempts = *d.maxRetries + 1
	}

	tried := make(map[int]bool, len(candidates))
	attempts := 0
	var lastResult *Result
	var lastErr *apperror.Error

	for attempts < maxAttempts && len(candidates) > 0 {
		pos := d.selector.Select(candidates)
		if pos < 0 || pos >= len(candidates) {
			logger.Error("strategy returned out-of-range index", "strategy", d.selector.Name(), "pos", pos, "candidates", len(candidates))
			d.recordOutcome(string(mode), "internal", timer, attempts)
			return nil, apperror.New(apperror.CodeInternal, "selection strategy returned an out-of-range index")
		}

		actual := candidates[pos].Index
		if tried[actual] {
			candidates = removeAt(candidates, pos)
			continue
		}
		tried[actual] = true
		attempts++

		inst := d.fleet.At(actual)
		telemetry.SetAttributes(ctx, telemetry.DispatchAttributes(actual, inst.Addr(), string(mode), attempts)...)

		result, attemptErr := d.forwardOnce(ctx, inst, req, mode, requestID)
		lastResult, lastErr = result, attemptErr

		if attemptErr == nil {
			d.recordOutcome(string(mode), "success", timer, attempts-1)
			return result, nil
		}
		if !attemptErr.Retryable() {
			d.logExhausted(ctx, inst, requestID, attemptErr, false)
			d.recordOutcome(string(mode), "terminal_failure", timer, attempts-1)
			return result, attemptErr
		}

		candidates = removeAt(candidates, pos)
		if attempts >= maxAttempts {
			d.logExhausted(ctx, inst, requestID, attemptErr, true)
			d.recordOutcome(string(mode), "retries_exhausted", timer, attempts-1)
			return lastResult, lastErr
		}
		logger.WithInstance(inst.Addr()).Warn("dispatch attempt failed, retrying", "error", attemptErr, "attempt", attempts, "request_id", requestID)
	}

	d.recordOutcome(string(mode), "no_alive_upstream", timer, attempts)
	return nil, apperror.NoAliveUpstream()
}

// forwardOnce performs a single forward attempt to inst, incrementing and
// decrementing its in-flight counter across every exit path.
func (d *Dispatcher) forwardOnce(ctx context.Context, inst *fleet.Instance, req *Request, mode Mode, requestID string) (*Result, *apperror.Error) {
	inst.Acquire()
	defer inst.Release()
	if d.metrics != nil {
		d.metrics.SetInstanceInFlight(inst.Addr(), inst.InFlight())
	}

	client := d.restClient
	base := inst.RestURL(d.scheme)
	if mode == ModeGRPC {
		client = d.grpcClient
		base = inst.GRPCURL(d.scheme)
	}
	url := base + req.PathAndQuery

	attemptCtx, cancel := context.WithTimeout(ctx, d.connTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to build outbound request")
	}
	httpReq.Header = cloneHeadersForOutbound(req.Header)
	httpReq.Header.Set("X-Request-Id", requestID)

	resp, err := client.Do(httpReq)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, apperror.Wrap(err, apperror.CodeUpstreamTimeout, fmt.Sprintf("timed out contacting %s", inst.Addr())).WithStatus(http.StatusGatewayTimeout)
		}
		return nil, apperror.Wrap(err, apperror.CodeUpstreamTransportFailure, fmt.Sprintf("failed to reach %s", inst.Addr())).WithStatus(http.StatusBadGateway)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeUpstreamTransportFailure, fmt.Sprintf("failed to read response body from %s", inst.Addr())).WithStatus(http.StatusBadGateway)
	}

	result := &Result{
		Status: resp.StatusCode,
		Header: cloneHeadersForInbound(resp.Header),
		Body:   body,
	}

	if resp.StatusCode >= 500 {
		return result, apperror.New(apperror.CodeUpstreamServerError, fmt.Sprintf("upstream %s returned %d", inst.Addr(), resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	return result, nil
}

// cloneHeadersForOutbound copies inbound headers onto the outbound request,
// dropping Host so the HTTP client derives it from the upstream URL instead.
func cloneHeadersForOutbound(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if strings.EqualFold(name, "Host") {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// cloneHeadersForInbound copies the upstream response headers for relay,
// dropping the entries the response writer must set for itself.
func cloneHeadersForInbound(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		skip := false
		for _, hop := range hopByHopHeaders {
			if strings.EqualFold(name, hop) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func removeAt(s []fleet.Snapshot, i int) []fleet.Snapshot {
	out := make([]fleet.Snapshot, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

// recordOutcome stops timer (which also observes DispatchDuration) and
// records the request/retry counters for this dispatch.
func (d *Dispatcher) recordOutcome(protocol, outcome string, timer *metrics.Timer, retries int) {
	if d.metrics == nil {
		return
	}
	timer.ObserveDuration()
	d.metrics.DispatchRequestsTotal.WithLabelValues(protocol, outcome).Inc()
	if retries > 0 {
		d.metrics.DispatchRetriesTotal.WithLabelValues(protocol).Add(float64(retries))
	}
}

func (d *Dispatcher) logExhausted(ctx context.Context, inst *fleet.Instance, requestID string, cause *apperror.Error, retriesExhausted bool) {
	logger.WithInstance(inst.Addr()).Error("dispatch failed", "error", cause, "request_id", requestID, "retries_exhausted", retriesExhausted)
	telemetry.SetError(ctx, cause)
	if d.audit == nil {
		return
	}
	entry := audit.NewEntry().
		Service("balancer").
		Method("dispatcher.dispatch").
		Action(audit.ActionDispatch).
		Outcome(audit.OutcomeFailure).
		Resource("instance", inst.Addr()).
		RequestID(requestID).
		Error(string(cause.Code), cause.Error()).
		Build()
	if err := d.audit.Log(ctx, entry); err != nil {
		logger.Error("failed to write audit entry", "error", err)
	}
}
