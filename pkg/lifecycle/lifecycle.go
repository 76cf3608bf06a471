// Package lifecycle implements C9: the global state machine and the
// shared suspend/isolate blocking primitive every fiber checkpoints
// against (§4.9, §5 "Suspension points").
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/protei/bearerbox/internal/logger"
)

// State is the global lifecycle state (§4.9).
type State int32

const (
	Running State = iota
	Isolated
	Suspended
	ShuttingDown
	Dead
	Full
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Isolated:
		return "isolated"
	case Suspended:
		return "suspended"
	case ShuttingDown:
		return "shutdown"
	case Dead:
		return "dead"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// gate is the "suspended"/"isolated" list: a blocking checkpoint with no
// items of its own. Fibers call Wait at the top of each loop iteration;
// Block/Unblock are the admin-triggered producer add/remove (§4.9).
type gate struct {
	mu      sync.RWMutex
	blocked bool
	ch      chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) Block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blocked {
		g.blocked = true
		g.ch = make(chan struct{})
	}
}

func (g *gate) Unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		g.blocked = false
		close(g.ch)
	}
}

// Wait blocks the calling fiber while the gate is closed for business.
func (g *gate) Wait() {
	g.mu.RLock()
	ch := g.ch
	g.mu.RUnlock()
	<-ch
}

// Controller holds the global state plus the ingress/egress checkpoints
// every fiber consults (§5 "Cancellation", "Suspension points").
type Controller struct {
	state atomic.Int32

	ingress *gate // MO ingestion from SMSCs/UDP; blocked by isolate and suspend
	egress  *gate // MT delivery; blocked only by suspend

	log *logger.Logger
}

// New creates a Controller in the Running state.
func New() *Controller {
	return &Controller{
		ingress: newGate(),
		egress:  newGate(),
		log:     logger.Get().WithComponent("lifecycle"),
	}
}

func (c *Controller) State() State { return State(c.state.Load()) }

// CheckIngress is the checkpoint an MO-accepting fiber (SMSC receiver, BOX
// receiver before deliver_sms_to_queue) calls at the top of its loop.
func (c *Controller) CheckIngress() { c.ingress.Wait() }

// CheckEgress is the checkpoint an MT-delivering fiber (the router, a
// BOX sender) calls at the top of its loop.
func (c *Controller) CheckEgress() { c.egress.Wait() }

// Isolate stops ingress from SMSCs/UDP while leaving MT flowing.
func (c *Controller) Isolate() {
	c.state.Store(int32(Isolated))
	c.ingress.Block()
	c.egress.Unblock()
	c.log.Info("lifecycle: isolated")
}

// Suspend stops both ingress and egress.
func (c *Controller) Suspend() {
	c.state.Store(int32(Suspended))
	c.ingress.Block()
	c.egress.Block()
	c.log.Info("lifecycle: suspended")
}

// Resume leaves Isolated or Suspended and returns to Running.
func (c *Controller) Resume() {
	c.ingress.Unblock()
	c.egress.Unblock()
	c.state.Store(int32(Running))
	c.log.Info("lifecycle: resumed")
}

// SetFull / ClearFull record queue-pressure without altering the
// ingress/egress gates -- Full is advisory state surfaced to status(), not
// itself a blocking transition.
func (c *Controller) SetFull() {
	if c.state.CompareAndSwap(int32(Running), int32(Full)) {
		c.log.Warn("lifecycle: queue pressure, entering full")
	}
}

func (c *Controller) ClearFull() {
	c.state.CompareAndSwap(int32(Full), int32(Running))
}

// Shutdown begins the avalanche drain (§4.9): it flips state, unblocks
// both gates so draining fibers can reach their checkpoints and exit
// rather than hang, runs drain (expected to stop accepting new work and
// wait for every queue's producer count to reach zero), then marks Dead.
func (c *Controller) Shutdown(drain func()) {
	c.state.Store(int32(ShuttingDown))
	c.ingress.Unblock()
	c.egress.Unblock()
	c.log.Info("lifecycle: shutdown avalanche starting")
	if drain != nil {
		drain()
	}
	c.state.Store(int32(Dead))
	c.log.Info("lifecycle: dead")
}
