// Package health implements the background prober that sweeps the fleet on
// a fixed interval and applies the hysteresis rule deciding when an
// instance transitions between alive and dead.
package health

import (
	"context"
	"net/http"
	"time"

	"balancer/pkg/audit"
	"balancer/pkg/fleet"
	"balancer/pkg/logger"
	"balancer/pkg/metrics"
	"balancer/pkg/telemetry"
)

// Prober periodically checks every instance in the fleet with a GET request
// against its REST root, updating each instance's liveness under that
// instance's own lock; no fleet-wide lock is held across a sweep, so a
// dispatch can see some instances already probed and others not yet. Only
// the REST port is probed; the gRPC port is never checked separately.
type Prober struct {
	fleet    *fleet.Fleet
	interval time.Duration
	client   *http.Client
	audit    audit.Logger
	metrics  *metrics.Metrics
	scheme   string
}

// New constructs a Prober. client is used for every probe request and
// should carry a per-request timeout appropriate to the fleet's connection
// timeout; auditLogger and m may be nil to disable their respective
// recording.
func New(f *fleet.Fleet, interval time.Duration, client *http.Client, auditLogger audit.Logger, m *metrics.Metrics, scheme string) *Prober {
	if scheme == "" {
		scheme = "http"
	}
	return &Prober{
		fleet:    f,
		interval: interval,
		client:   client,
		audit:    auditLogger,
		metrics:  m,
		scheme:   scheme,
	}
}

// Run blocks, sweeping the fleet every interval until ctx is canceled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes every instance in the fleet sequentially, under the same
// write-oriented ordering as the rest of the pipeline: each instance's
// liveness is updated independently and immediately, so a dispatch racing
// the sweep always observes a consistent per-instance state.
func (p *Prober) sweep(ctx context.Context) {
	for _, inst := range p.fleet.All() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.probe(ctx, inst)
	}
}

// probe issues a single health check against inst and applies the
// hysteresis rule: a 2xx response always marks the instance alive and
// refreshes its last-healthy instant; any other outcome (non-2xx response
// or transport error) only demotes the instance once the failure window
// exceeds its configured health-check time limit.
func (p *Prober) probe(ctx context.Context, inst *fleet.Instance) {
	ctx, span := telemetry.StartProbeSpan(ctx)
	defer span.End()

	now := time.Now()
	url := inst.RestURL(p.scheme) + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.recordFailure(ctx, inst, now, "request_build_failed", err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordFailure(ctx, inst, now, "transport_error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.recordSuccess(ctx, inst, now)
		return
	}

	p.recordFailure(ctx, inst, now, "non_2xx_response", nil)
}

func (p *Prober) recordSuccess(ctx context.Context, inst *fleet.Instance, now time.Time) {
	restored := inst.MarkAlive(now)
	if restored {
		logger.WithInstance(inst.Addr()).Info("instance health restored")
		p.logAudit(ctx, inst, "restored", nil)
	}
	if p.metrics != nil {
		p.metrics.RecordHealthCheck(inst.Addr(), "success")
		p.metrics.SetInstanceAlive(inst.Addr(), true)
	}
	telemetry.SetAttributes(ctx, telemetry.ProbeAttributes(inst.Addr(), "healthy")...)
}

func (p *Prober) recordFailure(ctx context.Context, inst *fleet.Instance, now time.Time, reason string, cause error) {
	lost := inst.MarkProbeFailure(now)
	if lost {
		logger.WithInstance(inst.Addr()).Warn("instance health lost", "reason", reason)
		p.logAudit(ctx, inst, "lost", cause)
	}
	if p.metrics != nil {
		p.metrics.RecordHealthCheck(inst.Addr(), "failure")
		if lost {
			p.metrics.SetInstanceAlive(inst.Addr(), false)
		}
	}
	telemetry.SetAttributes(ctx, telemetry.ProbeAttributes(inst.Addr(), "unhealthy")...)
	if cause != nil {
		telemetry.SetError(ctx, cause)
	}
}

func (p *Prober) logAudit(ctx context.Context, inst *fleet.Instance, transition string, cause error) {
	if p.audit == nil {
		return
	}
	b := audit.NewEntry().
		Service("balancer").
		Method("health.probe").
		Action(audit.ActionProbe).
		Resource("instance", inst.Addr()).
		Meta("transition", transition)

	if cause != nil {
		b = b.Outcome(audit.OutcomeFailure).Error("PROBE_FAILURE", cause.Error())
	} else {
		b = b.Outcome(audit.OutcomeSuccess)
	}

	if err := p.audit.Log(ctx, b.Build()); err != nil {
		logger.Error("failed to write audit entry", "error", err)
	}
}
