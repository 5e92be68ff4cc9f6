// Package shutdown coordinates graceful drain of in-flight HTTP requests.
//
// A [Coordinator] moves through Running -> Draining -> Stopped, strictly in
// that order. New work is admitted only while Running; once draining starts
// the admission middleware turns requests away at the door with 503 so a
// request is never interrupted after its handler has begun. [Coordinator.Drain]
// waits for the in-flight count to reach zero, bounded by a timeout, and
// reports whether the drain completed cleanly.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/svcgate/internal/health"
	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// State is the coordinator lifecycle state. Transitions are monotonic.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrDrainTimeout reports a forced drain: the timeout elapsed with
// requests still in flight and the coordinator stopped anyway.
var ErrDrainTimeout = xerrors.New("drain timed out with requests in flight")

// Coordinator tracks in-flight requests and gates admission during shutdown.
// The zero value is not usable; construct with New.
type Coordinator struct {
	state    atomic.Int32
	inflight atomic.Int64

	mu   sync.Mutex
	idle chan struct{} // closed when inflight reaches zero while draining

	onState func(State) // optional, invoked outside locks on each transition
}

// New returns a Coordinator in the Running state. onState, if non-nil, is
// called once per state transition (including the initial Running) and is
// typically wired to the shutdown_state gauge.
func New(onState func(State)) *Coordinator {
	c := &Coordinator{
		idle:    make(chan struct{}),
		onState: onState,
	}
	if onState != nil {
		onState(StateRunning)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// InFlight returns the current admitted-request count.
func (c *Coordinator) InFlight() int64 { return c.inflight.Load() }

// Admit registers one unit of work if the coordinator is still Running.
// On success it returns a release func and true; release is idempotent, so
// calling it from a defer is safe even if the handler panics. During
// Draining or Stopped it returns (nil, false) and the caller must reject
// the request without running it.
func (c *Coordinator) Admit() (release func(), ok bool) {
	if State(c.state.Load()) != StateRunning {
		return nil, false
	}
	c.inflight.Add(1)

	// A drain may have slipped in between the state check and the
	// increment. Back out so a drain that already observed zero is not
	// left waiting on a request that was never admitted.
	if State(c.state.Load()) != StateRunning {
		if c.inflight.Add(-1) == 0 {
			c.signalIdle()
		}
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.inflight.Add(-1) == 0 && State(c.state.Load()) != StateRunning {
				c.signalIdle()
			}
		})
	}, true
}

func (c *Coordinator) signalIdle() {
	c.mu.Lock()
	select {
	case <-c.idle:
	default:
		close(c.idle)
	}
	c.mu.Unlock()
}

// TriggerDrain moves Running -> Draining. Calling it again, or after the
// coordinator has stopped, is a no-op.
func (c *Coordinator) TriggerDrain() {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	if c.inflight.Load() == 0 {
		c.signalIdle()
	}
	if c.onState != nil {
		c.onState(StateDraining)
	}
}

// Drain triggers the drain if it has not started and waits for in-flight
// work to finish, bounded by timeout (or ctx cancellation, whichever comes
// first). The coordinator always ends in Stopped; a bound that expires with
// work still in flight forces the transition and returns ErrDrainTimeout.
func (c *Coordinator) Drain(ctx context.Context, timeout time.Duration) error {
	c.TriggerDrain()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-c.idle:
	case <-timer.C:
		err = ErrDrainTimeout
	case <-ctx.Done():
		err = xerrors.Wrap(ctx.Err(), "drain interrupted")
	}

	if c.state.CompareAndSwap(int32(StateDraining), int32(StateStopped)) {
		if c.onState != nil {
			c.onState(StateStopped)
		}
	}
	return err
}

// ReadinessProbe fails as soon as the coordinator leaves Running, so load
// balancers stop routing new traffic ahead of the drain.
func (c *Coordinator) ReadinessProbe() health.CheckFunc {
	return func(context.Context) error {
		if s := c.State(); s != StateRunning {
			return xerrors.New(s.String())
		}
		return nil
	}
}
