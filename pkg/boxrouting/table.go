// Package boxrouting implements C7: the routing table mapping an outgoing
// MO (or MT reply) to a specific BOX connection, and the MO->BOX
// dispatcher fiber that drains the global incoming-sms queue (§4.7).
package boxrouting

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/boxconn"
	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/queue"
)

// dispatcherIdleSleep bounds how long the MO->BOX dispatcher fiber waits
// on an empty incoming-sms queue before re-checking BOX state even without
// a new push (§4.7, §9 open question: kept distinct from the 600s MT
// router timer in pkg/smsc).
const dispatcherIdleSleep = 60 * time.Second

type route struct {
	pattern string
	boxcID  string
}

// Table is the smsbox-by-id / smsbox-by-smsc / smsbox-by-receiver set of
// maps plus the live BOX connection list (§4.7).
type Table struct {
	mu    sync.RWMutex
	conns []*boxconn.Conn
	byID  map[string]*boxconn.Conn

	bySmsc     []route
	byReceiver []route

	log *logger.Logger
}

// New creates an empty routing table.
func New() *Table {
	return &Table{
		byID: make(map[string]*boxconn.Conn),
		log:  logger.Get().WithComponent("boxrouting"),
	}
}

// SetSmscRoutes installs the smsbox-by-smsc configuration: smsc-id pattern
// -> boxc-id. Call once at startup before boxes connect.
func (t *Table) SetSmscRoutes(rules map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySmsc = t.bySmsc[:0]
	for pattern, boxcID := range rules {
		t.bySmsc = append(t.bySmsc, route{pattern: pattern, boxcID: boxcID})
	}
}

// SetReceiverRoutes installs the smsbox-by-receiver configuration:
// receiver pattern -> boxc-id.
func (t *Table) SetReceiverRoutes(rules map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byReceiver = t.byReceiver[:0]
	for pattern, boxcID := range rules {
		t.byReceiver = append(t.byReceiver, route{pattern: pattern, boxcID: boxcID})
	}
}

// AddConn registers a newly accepted BOX connection in the live list.
func (t *Table) AddConn(c *boxconn.Conn) {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
}

// RemoveConn removes c from the live list and the boxc-id map.
func (t *Table) RemoveConn(c *boxconn.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.conns[:0]
	for _, existing := range t.conns {
		if existing != c {
			kept = append(kept, existing)
		}
	}
	t.conns = kept
	if c.BoxcID() != "" && t.byID[c.BoxcID()] == c {
		delete(t.byID, c.BoxcID())
	}
}

// RegisterID records the boxc-id a connection announced via identify.
func (t *Table) RegisterID(c *boxconn.Conn, boxcID string) {
	t.mu.Lock()
	t.byID[boxcID] = c
	t.mu.Unlock()
}

func (t *Table) lookupByID(id string) (*boxconn.Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	return c, ok
}

func (t *Table) snapshot() []*boxconn.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*boxconn.Conn(nil), t.conns...)
}

func lookupRoute(routes []route, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	bestLen := -1
	target := ""
	found := false
	for _, r := range routes {
		if strings.HasPrefix(key, r.pattern) && len(r.pattern) > bestLen {
			bestLen = len(r.pattern)
			target = r.boxcID
			found = true
		}
	}
	return target, found
}

// Route implements route_incoming_to_boxc (§4.7 steps 1-8): 1 delivered, 0
// parked on the global incoming-sms queue, -1 queue-full (nothing
// accepted msg; caller must not destroy it).
func (t *Table) Route(msg *message.Message, incomingSMS *queue.Queue) int {
	conns := t.snapshot()

	if len(conns) == 0 {
		return t.park(msg, incomingSMS)
	}

	if msg.BoxcID != "" {
		if c, ok := t.lookupByID(msg.BoxcID); ok {
			return deliver(c, msg)
		}
		return t.park(msg, incomingSMS)
	}

	if target, ok := lookupRoute(t.receiverRoutes(), msg.Receiver); ok {
		if c, ok2 := t.lookupByID(target); ok2 {
			return deliver(c, msg)
		}
		return t.park(msg, incomingSMS)
	}
	if target, ok := lookupRoute(t.smscRoutes(), msg.SmscID); ok {
		if c, ok2 := t.lookupByID(target); ok2 {
			return deliver(c, msg)
		}
		return t.park(msg, incomingSMS)
	}

	start := rand.Intn(len(conns))
	ordered := make([]*boxconn.Conn, 0, len(conns))
	for i := 0; i < len(conns); i++ {
		c := conns[(start+i)%len(conns)]
		if c.Routable() {
			ordered = append(ordered, c)
		}
	}
	if len(ordered) == 0 {
		return t.park(msg, incomingSMS)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Load() < ordered[j].Load() })

	anySeen := false
	for _, c := range ordered {
		if deliver(c, msg) == 1 {
			return 1
		}
		anySeen = true
	}
	if anySeen {
		return -1
	}
	return t.park(msg, incomingSMS)
}

func (t *Table) receiverRoutes() []route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byReceiver
}

func (t *Table) smscRoutes() []route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bySmsc
}

func deliver(c *boxconn.Conn, msg *message.Message) int {
	if err := c.Deliver(msg); err != nil {
		return -1
	}
	return 1
}

func (t *Table) park(msg *message.Message, incomingSMS *queue.Queue) int {
	if err := incomingSMS.Push(msg); err != nil {
		return -1
	}
	return 0
}

// RunDispatcher is the MO->BOX dispatcher fiber: it drains incomingSMS and
// retries Route, sleeping dispatcherIdleSleep (or until woken by a BOX
// state change) whenever the queue is empty.
func (t *Table) RunDispatcher(incomingSMS *queue.Queue) {
	for {
		msg, ok, timedOut := incomingSMS.PopTimeout(dispatcherIdleSleep)
		if timedOut {
			continue
		}
		if !ok {
			return
		}
		if t.Route(msg, incomingSMS) == -1 {
			t.log.Warn("dispatcher: dropping undeliverable message", "id", msg.ID)
			msg.Destroy()
		}
	}
}
