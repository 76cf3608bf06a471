package smsc

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/queue"
)

// FakeConnection is a protocol-less stand-in back-end: it "sends" by
// immediately acking (or, at a configurable rate, failing) every message,
// the same role the original's smsc_fake.c plays -- a reference
// implementation that exercises the full Connection contract without a
// real wire protocol, and a harness for exercising the pool/router without
// a live SMSC.
type FakeConnection struct {
	BaseConnection

	callbacks Callbacks
	log       *logger.Logger
	sendQueue *queue.Queue
	failRate  float64 // 0..1, fraction of sends that fail
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewFakeConnection creates and starts a FakeConnection. It transitions to
// CONNECTING immediately, invokes OnReady once its goroutine is running,
// then OnConnected.
func NewFakeConnection(id, name string, policy Policy, failRate float64, cb Callbacks) *FakeConnection {
	c := &FakeConnection{
		BaseConnection: NewBaseConnection(id, name, policy),
		callbacks:      cb,
		log:            logger.Get().WithComponent("smsc." + id),
		sendQueue:      queue.New(-1),
		failRate:       failRate,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	c.sendQueue.AddProducer()
	go c.run()
	return c
}

func (c *FakeConnection) Send(msg *message.Message) error {
	if c.Status() == StatusDead {
		return fmt.Errorf("smsc %s: connection is dead", c.ID())
	}
	return c.sendQueue.Push(msg)
}

func (c *FakeConnection) Queued() int64 { return int64(c.sendQueue.Len()) }

// Shutdown begins draining (finishSending) or fails fast otherwise,
// eventually transitioning to DEAD.
func (c *FakeConnection) Shutdown(finishSending bool) {
	if !finishSending {
		close(c.stopCh)
	}
	// run() may be parked in sendQueue.Pop(); RemoveProducer is what wakes
	// it, regardless of finishSending. Without this, doneCh never closes.
	// When finishSending, run() keeps popping until the queue is empty.
	c.sendQueue.RemoveProducer()
	<-c.doneCh
	c.kill(KilledShutdown)
	c.callbacks.OnKilled(c)
}

func (c *FakeConnection) run() {
	defer close(c.doneCh)
	c.setStatus(StatusConnecting)
	c.callbacks.OnReady(c)
	c.setStatus(StatusActive)
	c.callbacks.OnConnected(c)

	for {
		msg, ok := c.sendQueue.Pop()
		if !ok {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.AddLoad(1)
		c.simulateSend(msg)
		c.AddLoad(-1)
	}
}

func (c *FakeConnection) simulateSend(msg *message.Message) {
	if c.failRate > 0 && rand.Float64() < c.failRate {
		c.IncFailed()
		c.callbacks.OnSendFailed(c, msg, FailDiscarded, "")
		return
	}
	c.IncSent()
	c.callbacks.OnSent(c, msg, fmt.Sprintf("ACK/%d", time.Now().UnixNano()))
}
