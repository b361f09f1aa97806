// Package strategy implements the pluggable instance-selection algorithms
// the dispatcher consults on every attempt: round robin, random, and least
// connections.
package strategy

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"balancer/pkg/fleet"
)

// BalancingStrategy picks one snapshot, by index into the snapshot slice,
// from a set of currently-alive instance snapshots. Implementations are not
// required to handle an empty slice (RoundRobin and Random panic on one);
// the dispatcher never calls Select with zero alive snapshots.
type BalancingStrategy interface {
	// Select returns the index, within snapshots, of the chosen instance.
	Select(snapshots []fleet.Snapshot) int
	// Name identifies the strategy, for logging and metrics.
	Name() string
}

// RoundRobin cycles through alive snapshots using a shared cursor that is
// never reset when the alive set shrinks or grows; the cursor only ever
// advances, taken modulo the current alive count.
type RoundRobin struct {
	mu     sync.Mutex
	cursor uint64
}

// NewRoundRobin constructs a RoundRobin strategy with its cursor at zero.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select returns the next position in round-robin order.
func (r *RoundRobin) Select(snapshots []fleet.Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := int(r.cursor % uint64(len(snapshots)))
	r.cursor++
	return idx
}

// Name returns "round_robin".
func (r *RoundRobin) Name() string { return "round_robin" }

// Random selects uniformly at random among alive snapshots.
type Random struct{}

// NewRandom constructs a Random strategy.
func NewRandom() *Random {
	return &Random{}
}

// Select returns a uniformly random position among the snapshots.
func (r *Random) Select(snapshots []fleet.Snapshot) int {
	return rand.IntN(len(snapshots))
}

// Name returns "random".
func (r *Random) Name() string { return "random" }

// LeastConnections selects the alive instance with the fewest in-flight
// requests, breaking ties by the lowest snapshot position.
type LeastConnections struct{}

// NewLeastConnections constructs a LeastConnections strategy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Select returns the position of the snapshot with the minimum InFlight
// value, preferring the earliest position on ties.
func (l *LeastConnections) Select(snapshots []fleet.Snapshot) int {
	best := 0
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i].InFlight < snapshots[best].InFlight {
			best = i
		}
	}
	return best
}

// Name returns "least_connections".
func (l *LeastConnections) Name() string { return "least_connections" }

// Selector wraps a BalancingStrategy, serializing Select calls so that
// stateful strategies (round robin) stay consistent under concurrent
// dispatch.
type Selector struct {
	mu       sync.Mutex
	strategy BalancingStrategy
}

// NewSelector wraps the given strategy.
func NewSelector(strategy BalancingStrategy) *Selector {
	return &Selector{strategy: strategy}
}

// Select chooses an index into snapshots under the selector's lock.
// Callers must ensure snapshots is non-empty.
func (s *Selector) Select(snapshots []fleet.Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy.Select(snapshots)
}

// Name returns the wrapped strategy's name.
func (s *Selector) Name() string {
	return s.strategy.Name()
}

// New constructs the strategy named by name, failing closed on any
// unrecognized value rather than silently defaulting.
func New(name string) (BalancingStrategy, error) {
	switch strings.ToLower(name) {
	case "round_robin":
		return NewRoundRobin(), nil
	case "random":
		return NewRandom(), nil
	case "least_connections":
		return NewLeastConnections(), nil
	default:
		return nil, fmt.Errorf("strategy: unrecognized strategy %q", name)
	}
}
