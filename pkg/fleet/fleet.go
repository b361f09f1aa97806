// Package fleet models the ordered set of upstream instances the balancer
// dispatches traffic to: addressing, per-instance in-flight accounting, and
// the liveness flag the health prober maintains.
package fleet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"balancer/pkg/config"
)

// Instance is one upstream endpoint. Its addressing is immutable after
// construction; in_flight is mutated atomically by the dispatcher; alive and
// lastHealthy are mutated only by the health prober, under the instance's own
// RWMutex (no fleet-wide lock is taken for these updates).
type Instance struct {
	BaseHost string
	RESTPort uint16
	GRPCPort uint16

	connTimeout          time.Duration
	healthCheckTimeLimit time.Duration

	inFlight atomic.Int64

	mu          sync.RWMutex
	alive       bool
	lastHealthy time.Time
}

// NewInstance constructs an Instance, optimistically alive, from an
// instance's configuration and the dispatcher-wide timeouts.
func NewInstance(cfg config.InstanceConfig, connTimeout, healthCheckTimeLimit time.Duration) *Instance {
	return &Instance{
		BaseHost:             cfg.BaseHost,
		RESTPort:             uint16(cfg.RestPort),
		GRPCPort:             uint16(cfg.GRPCPort),
		connTimeout:          connTimeout,
		healthCheckTimeLimit: healthCheckTimeLimit,
		alive:                true,
	}
}

// Addr is a human-readable identifier for the instance, used in logs,
// metrics labels, and audit entries.
func (i *Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.BaseHost, i.RESTPort)
}

// RestURL returns the instance's REST base URL, in the given scheme.
func (i *Instance) RestURL(scheme string) string {
	return fmt.Sprintf("%s://%s:%d", scheme, i.BaseHost, i.RESTPort)
}

// GRPCURL returns the instance's gRPC (HTTP/2) base URL, in the given scheme.
func (i *Instance) GRPCURL(scheme string) string {
	return fmt.Sprintf("%s://%s:%d", scheme, i.BaseHost, i.GRPCPort)
}

// ConnTimeout returns the instance's configured connection timeout.
func (i *Instance) ConnTimeout() time.Duration {
	return i.connTimeout
}

// IsAlive reports the instance's current liveness flag.
func (i *Instance) IsAlive() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.alive
}

// MarkAlive sets the instance alive and records the current time as its
// last-healthy instant. Returns true if this is a restoration (was
// previously dead).
func (i *Instance) MarkAlive(now time.Time) (restored bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	restored = !i.alive
	i.alive = true
	i.lastHealthy = now
	return restored
}

// MarkProbeFailure applies the hysteresis rule: a transient failure does not
// demote the instance unless the failure window exceeds
// healthCheckTimeLimit, or no success was ever recorded. Returns true if
// this call demotes a previously-alive instance ("lost").
func (i *Instance) MarkProbeFailure(now time.Time) (lost bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	exceeded := i.lastHealthy.IsZero() || now.Sub(i.lastHealthy) > i.healthCheckTimeLimit
	if !exceeded {
		return false
	}
	lost = i.alive
	i.alive = false
	return lost
}

// InFlight returns the instance's current in-flight request count.
func (i *Instance) InFlight() int64 {
	return i.inFlight.Load()
}

// Acquire increments the in-flight counter, returning the new value.
func (i *Instance) Acquire() int64 {
	return i.inFlight.Add(1)
}

// Release decrements the in-flight counter.
func (i *Instance) Release() {
	i.inFlight.Add(-1)
}

// Snapshot is an immutable value copy of an instance's selection-relevant
// state, taken at dispatch time under the fleet's read lock and released
// before any I/O.
type Snapshot struct {
	Index    int
	InFlight int64
	Alive    bool
}

// Fleet is the ordered, membership-immutable set of upstream instances.
type Fleet struct {
	mu        sync.RWMutex
	instances []*Instance
}

// New constructs a Fleet from the given instances. Membership is fixed for
// the lifetime of the Fleet; there is no runtime add/remove.
func New(instances []*Instance) *Fleet {
	return &Fleet{instances: instances}
}

// Len returns the number of instances in the fleet.
func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.instances)
}

// At returns the instance at the given index.
func (f *Fleet) At(idx int) *Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.instances[idx]
}

// All returns a copy of the instance slice, for the health prober's
// sequential sweep.
func (f *Fleet) All() []*Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Instance, len(f.instances))
	copy(out, f.instances)
	return out
}

// Alive returns a snapshot of every currently-alive instance, taken under
// the fleet's read lock and released before the caller performs any I/O.
func (f *Fleet) Alive() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(f.instances))
	for idx, inst := range f.instances {
		if inst.IsAlive() {
			snapshots = append(snapshots, Snapshot{
				Index:    idx,
				InFlight: inst.InFlight(),
				Alive:    true,
			})
		}
	}
	return snapshots
}

// AliveCount returns the number of currently-alive instances and the total
// fleet size, for the frontend health endpoint.
func (f *Fleet) AliveCount() (alive, total int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	total = len(f.instances)
	for _, inst := range f.instances {
		if inst.IsAlive() {
			alive++
		}
	}
	return alive, total
}
