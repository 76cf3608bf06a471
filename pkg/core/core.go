// Package core implements C10: the Core type that owns every global
// queue and index, wires pkg/smsc and pkg/boxconn back into itself via
// their respective Callbacks contracts, and drives the lifecycle
// avalanche (§4.9, §9 "Core dispatch").
package core

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/protei/bearerbox/internal/config"
	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/alog"
	"github.com/protei/bearerbox/pkg/boxconn"
	"github.com/protei/bearerbox/pkg/boxrouting"
	"github.com/protei/bearerbox/pkg/dlr"
	"github.com/protei/bearerbox/pkg/lifecycle"
	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/numutil"
	"github.com/protei/bearerbox/pkg/queue"
	"github.com/protei/bearerbox/pkg/smsc"
	"github.com/protei/bearerbox/pkg/store"
)

// Core wires together every component named in the component map: the
// persistent store (C2), DLR index (C3), SMSC pool and router (C4/C5),
// BOX connections and routing table (C6/C7), the access-log formatter
// (C8), and the lifecycle controller (C9).
type Core struct {
	cfg *config.Config
	log *logger.Logger

	lifecycle *lifecycle.Controller
	store     *store.Store
	dlrIndex  *dlr.Index
	pool      *smsc.Pool
	boxTable  *boxrouting.Table
	alogFmt   *alog.Formatter
	accessLog func(line string)

	globalUnifiedPrefix *numutil.Table

	incomingSMS *queue.Queue
	outgoingSMS *queue.Queue

	nextBoxConnID atomic.Int64

	smsListener net.Listener
	wapListener net.Listener
}

// New constructs a Core from configuration. It does not yet accept
// connections or start fibers; call Start for that.
func New(cfg *config.Config, accessLogSink func(line string)) (*Core, error) {
	st, err := store.Open(cfg.Store.Path, cfg.Store.DumpInterval, cfg.Store.AckBacklogThreshold)
	if err != nil {
		return nil, fmt.Errorf("core: open store: %w", err)
	}

	c := &Core{
		cfg:                 cfg,
		log:                 logger.Get().WithComponent("core"),
		lifecycle:           lifecycle.New(),
		store:               st,
		dlrIndex:            dlr.New(),
		boxTable:            boxrouting.New(),
		alogFmt:             alog.New(cfg.AccessLog.Template),
		accessLog:           accessLogSink,
		globalUnifiedPrefix: numutil.ParseTable(cfg.GlobalUnifiedPrefix),
		incomingSMS:         queue.New(cfg.BoxConn.MaxIncomingSmsQLen),
		outgoingSMS:         queue.New(-1),
	}
	c.pool = smsc.NewPool(c.globalUnifiedPrefix, c)
	c.boxTable.SetReceiverRoutes(cfg.SmsboxByReceiver)
	c.boxTable.SetSmscRoutes(cfg.SmsboxBySmsc)

	c.incomingSMS.AddProducer()
	c.outgoingSMS.AddProducer()

	return c, nil
}

func parseReroutePairs(spec string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

func policyFromConfig(g config.SmscConfig) smsc.Policy {
	return smsc.Policy{
		AllowedSmscID:     numutil.ParsePatternSet(g.AllowedSmscID),
		DeniedSmscID:      numutil.ParsePatternSet(g.DeniedSmscID),
		PreferredSmscID:   numutil.ParsePatternSet(g.PreferredSmscID),
		AllowedPrefix:     numutil.ParsePatternSet(g.AllowedPrefix),
		DeniedPrefix:      numutil.ParsePatternSet(g.DeniedPrefix),
		PreferredPrefix:   numutil.ParsePatternSet(g.PreferredPrefix),
		UnifiedPrefix:     numutil.ParseTable(g.UnifiedPrefix),
		Reroute:           g.Reroute,
		RerouteToSmscID:   g.RerouteToSmscID,
		RerouteByReceiver: parseReroutePairs(g.RerouteByReceiver),
		RerouteDLR:        g.RerouteDLR,
		ThroughputPerSec:  g.ThroughputPerSec,
		ReconnectDelay:    g.ReconnectDelay,
	}
}

// Start loads the persistent store, restoring survivors onto the
// appropriate global queue, connects every configured SMSC, starts the
// global fibers, and begins accepting BOX connections.
func (c *Core) Start() error {
	if _, err := c.store.Load(c.restoreSurvivor); err != nil {
		c.log.Error("core: store load failed, continuing with an empty store", err)
	}

	for _, g := range c.cfg.SmscGroups {
		conn := smsc.NewFakeConnection(g.ID, g.Name, policyFromConfig(g), g.FakeFailRate, c)
		c.pool.AddConnection(conn)
	}

	go c.pool.RunRouter(c.outgoingSMS)
	go c.boxTable.RunDispatcher(c.incomingSMS)

	if c.cfg.BoxConn.SmsListenAddr != "" {
		ln, err := net.Listen("tcp", c.cfg.BoxConn.SmsListenAddr)
		if err != nil {
			return fmt.Errorf("core: listen sms: %w", err)
		}
		c.smsListener = ln
		go c.acceptLoop(ln, false)
	}
	if c.cfg.BoxConn.WapListenAddr != "" {
		ln, err := net.Listen("tcp", c.cfg.BoxConn.WapListenAddr)
		if err != nil {
			return fmt.Errorf("core: listen wap: %w", err)
		}
		c.wapListener = ln
		go c.acceptLoop(ln, true)
	}

	return nil
}

func (c *Core) restoreSurvivor(msg *message.Message, q store.Queue) {
	switch q {
	case store.QueueIncomingSMS:
		_ = c.incomingSMS.Push(msg)
	case store.QueueOutgoingSMS:
		_ = c.outgoingSMS.Push(msg)
	}
}

func (c *Core) acceptLoop(ln net.Listener, isWAP bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.log.Info("accept loop exiting", "err", err.Error())
			return
		}
		id := c.nextBoxConnID.Add(1)
		bc := boxconn.New(id, conn, isWAP, c.cfg.BoxConn.MaxPending, c.cfg.BoxConn.MaxPerBoxIncomingLen, c)
		c.boxTable.AddConn(bc)
		go bc.Run()
	}
}

// --- smsc.Callbacks ---

func (c *Core) OnReady(conn smsc.Connection)     { c.log.Info("smsc ready", "id", conn.ID()) }
func (c *Core) OnConnected(conn smsc.Connection) { c.log.Info("smsc connected", "id", conn.ID()) }

func (c *Core) OnKilled(conn smsc.Connection) {
	c.log.Warn("smsc killed", "id", conn.ID(), "why", conn.WhyKilled())
}

func (c *Core) OnReceived(conn smsc.Connection, msg *message.Message) smsc.ReceiveResult {
	c.lifecycle.CheckIngress()

	if msg.SMSType == "" {
		msg.SMSType = message.SMSTypeMO
	}
	msg.Sender = numutil.NormalizeMO(msg.Sender, conn.Policy().UnifiedPrefix, c.globalUnifiedPrefix)

	if smsc.Reroute(conn, msg) {
		if err := c.outgoingSMS.Push(msg); err != nil {
			return smsc.ReceiveQueueFull
		}
		return smsc.ReceiveAccepted
	}

	if err := c.store.Save(msg); err != nil {
		c.log.Error("core: persist failed, continuing in memory-only mode", err)
	}

	if r := c.boxTable.Route(msg, c.incomingSMS); r == -1 {
		c.logAccess("REJECTED", msg)
		return smsc.ReceiveQueueFull
	}
	c.logAccess("MO", msg)
	return smsc.ReceiveAccepted
}

func (c *Core) OnSent(conn smsc.Connection, msg *message.Message, reply string) {
	c.registerDLRIfRequested(conn, msg, reply)
	c.logAccess("ACK/"+reply, msg)
	if err := c.store.SaveAck(msg, message.NackSuccess); err != nil {
		c.log.Error("core: saving ack failed", err)
	}
	msg.Destroy()
}

func (c *Core) OnSendFailed(conn smsc.Connection, msg *message.Message, reason smsc.FailReason, reply string) {
	status := message.NackFailed
	if reason == smsc.FailTemporarily || reason == smsc.FailQueueFull {
		status = message.NackFailedTmp
	}
	c.logAccess("NACK/"+string(reason), msg)
	if err := c.store.SaveAck(msg, status); err != nil {
		c.log.Error("core: saving nack failed", err)
	}
	if msg.DLRMask != 0 && msg.DLRUrl != "" {
		if report, ok := c.dlrIndex.Find(smscIDOf(conn), fmt.Sprintf("%d", msg.Time), msg.Receiver, dlr.EventSmscFail); ok {
			_ = c.boxTable.Route(report, c.incomingSMS)
		}
	}
	msg.Destroy()
}

func (c *Core) OnDeliveryReport(conn smsc.Connection, smscTS, destination string, event uint8) {
	report, ok := c.dlrIndex.Find(smscIDOf(conn), smscTS, destination, event)
	if !ok {
		return
	}
	if c.boxTable.Route(report, c.incomingSMS) == -1 {
		report.Destroy()
	}
}

func smscIDOf(conn smsc.Connection) string {
	if conn == nil {
		return ""
	}
	return conn.ID()
}

func (c *Core) registerDLRIfRequested(conn smsc.Connection, msg *message.Message, reply string) {
	if msg.DLRMask == 0 || msg.DLRUrl == "" {
		return
	}
	c.dlrIndex.Add(smscIDOf(conn), fmt.Sprintf("%d", msg.Time), msg.Receiver, msg.Service, msg.DLRUrl, msg.DLRMask)
	if msg.DLRMask&dlr.EventSmscSuccess != 0 {
		if report, ok := c.dlrIndex.Find(smscIDOf(conn), fmt.Sprintf("%d", msg.Time), msg.Receiver, dlr.EventSmscSuccess); ok {
			_ = c.boxTable.Route(report, c.incomingSMS)
		}
	}
}

func (c *Core) logAccess(tag string, msg *message.Message) {
	if c.accessLog == nil {
		return
	}
	c.accessLog(c.alogFmt.Format(tag, msg))
}

// --- boxconn.Callbacks ---

func (c *Core) OnSMS(bc *boxconn.Conn, msg *message.Message) message.NackCode {
	c.lifecycle.CheckIngress()

	if msg.SMSType == "" {
		msg.SMSType = message.SMSTypeMO
	}
	if err := c.store.Save(msg); err != nil {
		c.log.Error("core: persist failed, continuing in memory-only mode", err)
		return message.NackFailedTmp
	}
	c.lifecycle.CheckEgress()
	switch c.pool.Route(msg, c.outgoingSMS) {
	case 1:
		c.logAccess("MT", msg)
		return message.NackSuccess
	case 0:
		c.logAccess("BUFFERED", msg)
		return message.NackBuffered
	default:
		c.logAccess("REJECTED", msg)
		return message.NackFailed
	}
}

func (c *Core) OnWDP(bc *boxconn.Conn, msg *message.Message) {
	c.lifecycle.CheckIngress()
	_ = c.outgoingSMS.Push(msg)
}

func (c *Core) OnAck(bc *boxconn.Conn, smsID string, status message.NackCode) {
	ack := &message.Message{Type: message.TypeAck, AckID: smsID, NackCode: status}
	if err := c.store.Save(ack); err != nil {
		c.log.Error("core: saving box ack failed", err)
	}
}

func (c *Core) OnIdentify(bc *boxconn.Conn, boxcID string) {
	c.boxTable.RegisterID(bc, boxcID)
}

func (c *Core) OnRoutableChanged(bc *boxconn.Conn) {
	// Wake the MO->BOX dispatcher so it re-evaluates parked incoming-sms
	// against the newly eligible box immediately instead of waiting out
	// the idle interval.
	c.incomingSMS.Wake()
}

func (c *Core) OnDisconnect(bc *boxconn.Conn, unacked, unsent []*message.Message) {
	c.boxTable.RemoveConn(bc)
	for _, msg := range unacked {
		_ = c.incomingSMS.Push(msg)
	}
	for _, msg := range unsent {
		_ = c.incomingSMS.Push(msg)
	}
}

// --- admin-facing operations (§6.1), delegated to from pkg/admin ---

// CheckEgress implements both smsc.Callbacks and boxconn.Callbacks: it
// blocks the calling dispatch fiber while the core is suspended, so
// suspend() halts MT-to-SMSC and MO/DLR-to-box delivery alongside the
// ingress paths already gated by CheckIngress (§8).
func (c *Core) CheckEgress() { c.lifecycle.CheckEgress() }

func (c *Core) Isolate()                { c.lifecycle.Isolate() }
func (c *Core) Suspend()                { c.lifecycle.Suspend() }
func (c *Core) Resume()                 { c.lifecycle.Resume() }
func (c *Core) FlushDLR()               { c.dlrIndex.Flush() }
func (c *Core) StopSmsc(id string)      { c.pool.StopSmsc(id) }
func (c *Core) State() lifecycle.State  { return c.lifecycle.State() }

func (c *Core) RestartSmsc(id string) error {
	var group *config.SmscConfig
	for i := range c.cfg.SmscGroups {
		if c.cfg.SmscGroups[i].ID == id {
			group = &c.cfg.SmscGroups[i]
			break
		}
	}
	if group == nil {
		return fmt.Errorf("core: unknown smsc id %q", id)
	}
	replacement := smsc.NewFakeConnection(group.ID, group.Name, policyFromConfig(*group), group.FakeFailRate, c)
	c.pool.RestartSmsc(id, replacement)
	return nil
}

// Status renders a human-readable snapshot of the store's live set,
// matching the status(format) admin call (§6.1). SMSC and BOX
// connection-level detail is not included.
func (c *Core) Status(format string) string {
	return c.store.Status(format)
}

// Shutdown begins the avalanche drain described in §4.9: the SMSC pool
// drains its outbound queue, the BOX listeners stop accepting, the store
// compacts a final snapshot, then the store itself is closed.
func (c *Core) Shutdown() {
	c.lifecycle.Shutdown(func() {
		if c.smsListener != nil {
			_ = c.smsListener.Close()
		}
		if c.wapListener != nil {
			_ = c.wapListener.Close()
		}
		c.pool.Shutdown()
		c.outgoingSMS.RemoveProducer()
		c.incomingSMS.RemoveProducer()
		deadline := time.Now().Add(10 * time.Second)
		for c.outgoingSMS.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		c.store.Dump()
		c.store.Shutdown()
	})
}
