package smsc

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/numutil"
	"github.com/protei/bearerbox/pkg/queue"
)

// routerIdleSleep bounds how long the MT router fiber waits on an empty
// outgoing-sms queue before re-checking connection state even without a
// new push (§4.5, §9 open question: kept distinct from the 60s dispatcher
// timer in pkg/boxrouting).
const routerIdleSleep = 600 * time.Second

// Pool is C5: the ordered, RWLock-protected collection of SMSC
// connections plus the outbound MT router.
type Pool struct {
	mu    sync.RWMutex
	conns []Connection

	globalUnifiedPrefix *numutil.Table
	callbacks           Callbacks
	log                 *logger.Logger

	shuttingDown atomic.Bool
}

// NewPool creates an empty pool. globalUnifiedPrefix is applied to every
// MT receiver number before connection selection (§4.5 step 2).
func NewPool(globalUnifiedPrefix *numutil.Table, callbacks Callbacks) *Pool {
	return &Pool{
		globalUnifiedPrefix: globalUnifiedPrefix,
		callbacks:           callbacks,
		log:                 logger.Get().WithComponent("smsc.pool"),
	}
}

// AddConnection registers a newly created connection with the pool.
func (p *Pool) AddConnection(c Connection) {
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
}

// StopSmsc flips is-stopped on every connection whose id matches (there
// may be several connections sharing one id).
func (p *Pool) StopSmsc(id string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		if c.ID() == id {
			c.Stop()
		}
	}
}

// RestartSmsc removes every dead/matching connection for id and installs
// the replacement built by the caller from that id's config group.
func (p *Pool) RestartSmsc(id string, replacement Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.conns[:0]
	for _, c := range p.conns {
		if c.ID() == id {
			c.Shutdown(false)
			continue
		}
		kept = append(kept, c)
	}
	p.conns = append(kept, replacement)
}

// Resume flips is-stopped off on every connection.
func (p *Pool) Resume() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		c.Start()
	}
}

// Suspend flips is-stopped on every connection.
func (p *Pool) Suspend() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		c.Stop()
	}
}

// Shutdown begins a drain-and-die on every connection; the router fiber
// exits once the outgoing queue drains and every connection reaches DEAD.
func (p *Pool) Shutdown() {
	p.shuttingDown.Store(true)
	p.mu.RLock()
	conns := append([]Connection(nil), p.conns...)
	p.mu.RUnlock()
	for _, c := range conns {
		c.Shutdown(true)
	}
}

// Reap removes dead connections from the pool; only the lifecycle
// controller is expected to call this (§3.2: "Only the lifecycle
// controller may transition from dead (by removing the object)").
func (p *Pool) Reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.conns[:0]
	for _, c := range p.conns {
		if c.Status() != StatusDead {
			kept = append(kept, c)
		}
	}
	p.conns = kept
}

func (p *Pool) snapshot() []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Connection(nil), p.conns...)
}

// Usable classifies c's eligibility for msg: -1 unusable, 0 acceptable, 1
// preferred (§4.5).
func Usable(c Connection, msg *message.Message, normalizedReceiver string) int {
	if c.Status() == StatusDead {
		return -1
	}
	pol := c.Policy()
	local := pol.UnifiedPrefix.Normalize(normalizedReceiver)

	if !pol.AllowedSmscID.Empty() && !pol.AllowedSmscID.MatchesExact(msg.SmscID) {
		return -1
	}
	if !pol.DeniedSmscID.Empty() && pol.DeniedSmscID.MatchesExact(msg.SmscID) {
		return -1
	}

	hasAllowedPrefix := !pol.AllowedPrefix.Empty()
	if hasAllowedPrefix && !pol.AllowedPrefix.MatchesPrefix(local) {
		return -1
	}
	if !pol.DeniedPrefix.Empty() && pol.DeniedPrefix.MatchesPrefix(local) {
		return -1
	}

	if pol.PreferredSmscID.MatchesExact(msg.SmscID) || pol.PreferredPrefix.MatchesPrefix(local) {
		return 1
	}
	return 0
}

// Route selects a connection for msg and attempts delivery (§4.5). It
// returns 1 (sent), 0 (accepted-queued or silently dropped during
// shutdown), or -1 (caller must not destroy the message; nothing
// accepted it). outgoing is the global outgoing-sms queue used both to
// re-enqueue on transient "bad seen" conditions and by RunRouter as the
// fiber's own source.
func (p *Pool) Route(msg *message.Message, outgoing *queue.Queue) int {
	return p.routeExcluding(msg, outgoing, nil)
}

func (p *Pool) routeExcluding(msg *message.Message, outgoing *queue.Queue, excluded map[string]bool) int {
	if msg.Type != message.TypeSMS {
		return -1
	}

	receiver := p.globalUnifiedPrefix.Normalize(msg.Receiver)

	conns := p.snapshot()
	if len(conns) == 0 {
		return -1
	}

	start := rand.Intn(len(conns))
	var bestPreferred, bestOK Connection
	badSeen := false

	for i := 0; i < len(conns); i++ {
		c := conns[(start+i)%len(conns)]
		if excluded != nil && excluded[c.ID()] {
			continue
		}
		u := Usable(c, msg, receiver)
		if u == -1 {
			continue
		}
		if c.Status() != StatusActive {
			badSeen = true
			continue
		}
		switch u {
		case 1:
			if bestPreferred == nil || c.Queued() < bestPreferred.Queued() {
				bestPreferred = c
			}
		default:
			if bestOK == nil || c.Queued() < bestOK.Queued() {
				bestOK = c
			}
		}
	}

	var chosen Connection
	switch {
	case bestPreferred != nil:
		chosen = bestPreferred
	case bestOK != nil:
		chosen = bestOK
	case badSeen && !p.shuttingDown.Load():
		_ = outgoing.Push(msg)
		return 0
	default:
		if p.shuttingDown.Load() {
			msg.Destroy()
			return 0
		}
		p.log.Warn("route: no usable connection", "receiver", receiver)
		return -1
	}

	if err := chosen.Send(msg); err != nil {
		if excluded == nil {
			excluded = make(map[string]bool)
		}
		excluded[chosen.ID()] = true
		if len(excluded) >= len(conns) {
			return -1
		}
		return p.routeExcluding(msg, outgoing, excluded)
	}

	// Ownership of msg has transferred to chosen; the final on_sent /
	// on_send_failed callback destroys it once the send truly resolves.
	return 1
}

// RunRouter is the MT-router fiber (sms_router): it consumes outgoing,
// calls Route for each message, and surfaces a synthetic NACK when Route
// gives up outright.
func (p *Pool) RunRouter(outgoing *queue.Queue) {
	for {
		msg, ok, timedOut := outgoing.PopTimeout(routerIdleSleep)
		if timedOut {
			continue
		}
		if !ok {
			return
		}

		p.callbacks.CheckEgress()
		result := p.Route(msg, outgoing)
		if result == -1 && len(p.snapshot()) > 0 {
			p.callbacks.OnSendFailed(nil, msg, FailDiscarded, "DISCARDED")
		}
	}
}

// Reroute inspects conn's rerouting policy and, if it applies, flips msg's
// direction into an MT push bound for outgoing-sms (§4.5 "Rerouting").
// reroute-by-receiver is checked first (most specific), then
// reroute-to-smsc, then the generic reroute flag. Delivery reports are
// exempted unless reroute-dlr is set.
func Reroute(c Connection, msg *message.Message) bool {
	pol := c.Policy()
	isReport := msg.SMSType == message.SMSTypeReportMO || msg.SMSType == message.SMSTypeReportMT
	if isReport && !pol.RerouteDLR {
		return false
	}

	if len(pol.RerouteByReceiver) > 0 {
		if target, ok := longestReroutePatternMatch(pol.RerouteByReceiver, msg.Receiver); ok {
			msg.SMSType = message.SMSTypeMTPush
			msg.SmscID = target
			return true
		}
	}
	if pol.RerouteToSmscID != "" {
		msg.SMSType = message.SMSTypeMTPush
		msg.SmscID = pol.RerouteToSmscID
		return true
	}
	if pol.Reroute {
		msg.SMSType = message.SMSTypeMTPush
		return true
	}
	return false
}

func longestReroutePatternMatch(rules map[string]string, receiver string) (string, bool) {
	bestPattern, bestTarget, found := "", "", false
	for pattern, target := range rules {
		if pattern == receiver {
			return target, true
		}
		if len(pattern) > 0 && len(pattern) > len(bestPattern) && hasPrefix(receiver, pattern) {
			bestPattern, bestTarget, found = pattern, target, true
		}
	}
	return bestTarget, found
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
