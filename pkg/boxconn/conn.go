// Package boxconn implements C6: the per-connection state machine for one
// inbound framed TCP connection to a front-end SMS-box or WAP-box (§3.3,
// §4.6).
package boxconn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/queue"
)

// Callbacks is the upward surface a Conn calls into the core. pkg/core
// implements this; boxconn never sees the core's concrete type, only this
// narrow contract (the same inversion pattern pkg/smsc uses for its own
// Callbacks).
type Callbacks interface {
	// OnSMS handles deliver_sms_to_queue: persist, route via the MT
	// router, and return the disposition for the ack sent back to the
	// box.
	OnSMS(c *Conn, msg *message.Message) message.NackCode
	// OnWDP enqueues a WAP datagram received from a WAP box.
	OnWDP(c *Conn, msg *message.Message)
	// OnAck persists the delivery disposition for an MT message the box
	// has just acknowledged.
	OnAck(c *Conn, smsID string, status message.NackCode)
	// OnIdentify registers boxcID in the BOX-by-id map.
	OnIdentify(c *Conn, boxcID string)
	// OnRoutableChanged wakes the MO->BOX dispatcher after c becomes
	// eligible for random routing (first identify or first MO).
	OnRoutableChanged(c *Conn)
	// OnDisconnect drains everything c was still holding (sent-table and
	// incoming queue) back onto the appropriate global queue, and
	// removes c from every routing index.
	OnDisconnect(c *Conn, unacked []*message.Message, unsent []*message.Message)
	// CheckEgress blocks while the core is suspended, gating MO/DLR
	// delivery to boxes the same way it gates MT delivery to SMSCs (§8).
	CheckEgress()
}

// Conn is one accepted BOX connection (§3.3).
type Conn struct {
	id         int64
	isWAP      bool
	clientIP   string
	connTime   time.Time
	maxPending int

	load     atomic.Int64
	alive    atomic.Bool
	routable atomic.Bool

	boxcIDMu sync.RWMutex
	boxcID   string

	incoming *queue.Queue // bearerbox -> box (MT destined for this box)

	sentMu    sync.Mutex
	sentTable map[string]*message.Message
	sentSem   *queue.Semaphore

	conn net.Conn
	cb   Callbacks
	log  *logger.Logger

	closeOnce sync.Once
}

// New wraps an accepted socket as a BOX connection and starts its receiver
// and sender fibers. id must be a monotonically assigned, process-unique
// number.
func New(id int64, conn net.Conn, isWAP bool, maxPending int, incomingQueueLen int, cb Callbacks) *Conn {
	c := &Conn{
		id:         id,
		isWAP:      isWAP,
		clientIP:   remoteIP(conn),
		connTime:   time.Now(),
		maxPending: maxPending,
		incoming:   queue.New(incomingQueueLen),
		sentTable:  make(map[string]*message.Message),
		sentSem:    queue.NewSemaphore(maxPending),
		conn:       conn,
		cb:         cb,
		log:        logger.Get().WithComponent(fmt.Sprintf("boxconn.%d", id)),
	}
	c.alive.Store(true)
	c.incoming.AddProducer()
	return c
}

func remoteIP(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (c *Conn) ID() int64     { return c.id }
func (c *Conn) IsWAP() bool   { return c.isWAP }
func (c *Conn) ClientIP() string { return c.clientIP }
func (c *Conn) Load() int64  { return c.load.Load() }
func (c *Conn) Alive() bool  { return c.alive.Load() }
func (c *Conn) Routable() bool { return c.routable.Load() }

func (c *Conn) BoxcID() string {
	c.boxcIDMu.RLock()
	defer c.boxcIDMu.RUnlock()
	return c.boxcID
}

func (c *Conn) setBoxcID(id string) {
	c.boxcIDMu.Lock()
	c.boxcID = id
	c.boxcIDMu.Unlock()
}

// QueueLen reports the current backlog of the per-BOX incoming queue, used
// by the routing table's load-based tie-break (§4.7).
func (c *Conn) QueueLen() int { return c.incoming.Len() }

// Deliver enqueues an MT message bound for this box (the routing table's
// job, §4.7). Returns queue.ErrFull if the per-BOX limit is exceeded.
func (c *Conn) Deliver(msg *message.Message) error {
	return c.incoming.Push(msg)
}

// markRoutable flips routable on first MO or first identify and wakes the
// MO->BOX dispatcher exactly once.
func (c *Conn) markRoutable() {
	if c.routable.CompareAndSwap(false, true) {
		c.cb.OnRoutableChanged(c)
	}
}

// Run blocks running the receiver loop on the calling goroutine and starts
// the sender loop on a new one; it returns once the connection has fully
// shut down (either side closed, or Shutdown was called).
func (c *Conn) Run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sendLoop()
	}()
	c.receiveLoop()
	c.Shutdown()
	<-done
}

func (c *Conn) receiveLoop() {
	for {
		msg, err := message.ReadFrame(c.conn)
		if err != nil {
			c.log.Info("receiver: connection closed", "err", err.Error())
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *message.Message) {
	switch msg.Type {
	case message.TypeSMS:
		nack := c.cb.OnSMS(c, msg)
		c.markRoutable()
		ack := &message.Message{
			Type:     message.TypeAck,
			ID:       msg.ID,
			Time:     msg.Time,
			AckID:    msg.ID,
			AckTime:  msg.Time,
			NackCode: nack,
		}
		if err := message.WriteFrame(c.conn, ack); err != nil {
			c.log.Warn("failed writing ack", "err", err.Error())
		}
	case message.TypeWDPDatagram:
		c.cb.OnWDP(c, msg)
		c.markRoutable()
	case message.TypeHeartbeat:
		c.load.Store(msg.QueueLoad)
	case message.TypeAck:
		c.handleAck(msg)
	case message.TypeAdmin:
		if msg.AdminCmd == message.AdminIdentify {
			c.setBoxcID(msg.AdminBoxcID)
			c.markRoutable()
			c.cb.OnIdentify(c, msg.AdminBoxcID)
		} else {
			c.log.Info("discarding unsupported admin command from box", "cmd", string(msg.AdminCmd))
		}
	default:
		c.log.Info("discarding unrecognized message type", "type", msg.Type.String())
	}
}

func (c *Conn) handleAck(ack *message.Message) {
	c.sentMu.Lock()
	original, ok := c.sentTable[ack.AckID]
	if ok {
		delete(c.sentTable, ack.AckID)
	}
	c.sentMu.Unlock()
	if !ok {
		c.log.Warn("ack for unknown id", "id", ack.AckID)
		return
	}
	c.sentSem.Up()
	c.cb.OnAck(c, original.ID, ack.NackCode)
	original.Destroy()
}

// sendLoop consumes the per-BOX incoming queue and writes frames to the
// socket. Flushing happens implicitly: each WriteFrame call writes the
// full frame before returning, so no application-level buffering can
// stall behind a slow reader building up unbounded backlog.
func (c *Conn) sendLoop() {
	for {
		msg, ok := c.incoming.Pop()
		if !ok {
			return
		}
		c.cb.CheckEgress()
		if msg.Type == message.TypeSMS {
			if err := c.trackSent(msg); err != nil {
				c.log.Warn("sender: dropping during shutdown", "err", err.Error())
				return
			}
		}
		if err := message.WriteFrame(c.conn, msg); err != nil {
			c.log.Warn("sender: write failed, connection lost", "err", err.Error())
			if msg.Type == message.TypeSMS {
				c.untrackSent(msg.ID)
				c.cb.OnDisconnect(c, nil, []*message.Message{msg})
			}
			return
		}
		if msg.Type != message.TypeSMS {
			msg.Destroy()
		}
	}
}

func (c *Conn) trackSent(msg *message.Message) error {
	c.sentSem.Down()
	if !c.alive.Load() {
		c.sentSem.Up()
		return fmt.Errorf("boxconn %d: connection is shutting down", c.id)
	}
	c.sentMu.Lock()
	c.sentTable[msg.ID] = msg
	c.sentMu.Unlock()
	return nil
}

func (c *Conn) untrackSent(id string) {
	c.sentMu.Lock()
	delete(c.sentTable, id)
	c.sentMu.Unlock()
	c.sentSem.Up()
}

// Shutdown tears the connection down: drains the sent-table and the
// per-BOX incoming queue back to the core for redelivery, closes the
// socket, and removes the connection from every routing index (via
// OnDisconnect, whose implementation owns the routing tables).
func (c *Conn) Shutdown() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.incoming.RemoveProducer()
		_ = c.conn.Close()

		c.sentMu.Lock()
		unacked := make([]*message.Message, 0, len(c.sentTable))
		for _, m := range c.sentTable {
			unacked = append(unacked, m)
		}
		c.sentTable = make(map[string]*message.Message)
		c.sentMu.Unlock()

		var unsent []*message.Message
		for {
			msg, ok := c.incoming.Pop()
			if !ok {
				break
			}
			unsent = append(unsent, msg)
		}

		if len(unacked) > 0 || len(unsent) > 0 {
			c.cb.OnDisconnect(c, unacked, unsent)
		} else {
			c.cb.OnDisconnect(c, nil, nil)
		}
	})
}
