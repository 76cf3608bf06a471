// Package smsc implements C4 (the polymorphic SMSC connection handle) and
// C5 (the pool of such connections plus the outbound MT router), §3.2 and
// §4.4-§4.5.
package smsc

import (
	"sync/atomic"
	"time"

	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/numutil"
)

// Status is the SMSC connection state set of §3.2.
type Status int32

const (
	StatusUnknown Status = iota
	StatusActive
	StatusActiveRecvOnly
	StatusConnecting
	StatusReconnecting
	StatusDisconnected
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusActiveRecvOnly:
		return "active-recv-only"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// WhyKilled records why a dead connection died.
type WhyKilled int32

const (
	Alive WhyKilled = iota
	KilledShutdown
	KilledWrongPassword
	KilledCannotConnect
)

// FailReason is the reason argument of on_send_failed (§6.3).
type FailReason string

const (
	FailShutdown     FailReason = "shutdown"
	FailTemporarily  FailReason = "temporarily"
	FailRejected     FailReason = "rejected"
	FailMalformed    FailReason = "malformed"
	FailDiscarded    FailReason = "discarded"
	FailQueueFull    FailReason = "qfull"
)

// ReceiveResult is the return value of OnReceived (§6.3).
type ReceiveResult int

const (
	ReceiveAccepted       ReceiveResult = 0
	ReceiveQueueFull      ReceiveResult = -1
	ReceiveRejectedPolicy ReceiveResult = 1
)

// Callbacks is the upward surface a back-end calls into the core (§6.3).
// pkg/core implements this interface; back-ends only ever see it through
// this narrow contract, never the core's concrete type.
type Callbacks interface {
	OnReady(c Connection)
	OnConnected(c Connection)
	OnKilled(c Connection)
	OnReceived(c Connection, msg *message.Message) ReceiveResult
	OnSent(c Connection, msg *message.Message, reply string)
	OnSendFailed(c Connection, msg *message.Message, reason FailReason, reply string)
	// OnDeliveryReport is called by a back-end that received an
	// asynchronous delivery notification (e.g. an SMPP deliver_sm DLR),
	// keyed by the (smsc-id, smsc-timestamp, destination) triple the
	// original submission was registered under (§3.5).
	OnDeliveryReport(c Connection, smscTS, destination string, event uint8)

	// CheckEgress blocks while the core is suspended, gating MT delivery
	// the same way CheckIngress gates MO/MT submission (§8).
	CheckEgress()
}

// Policy bundles the routing policy fields every connection carries
// (§3.2): allow/deny/prefer lists for both SMSC-id hints and receiver
// prefixes, unified-prefix normalization, and rerouting rules.
type Policy struct {
	AllowedSmscID   *numutil.PatternSet
	DeniedSmscID    *numutil.PatternSet
	PreferredSmscID *numutil.PatternSet
	AllowedPrefix   *numutil.PatternSet
	DeniedPrefix    *numutil.PatternSet
	PreferredPrefix *numutil.PatternSet
	UnifiedPrefix   *numutil.Table

	Reroute           bool
	RerouteToSmscID   string
	RerouteByReceiver map[string]string // destination-pattern -> target smsc-id
	RerouteDLR        bool

	ThroughputPerSec int           // 0 means uncapped
	ReconnectDelay   time.Duration
}

// ConnectionInfo is the admin-facing snapshot returned by Info().
type ConnectionInfo struct {
	ID           string
	Name         string
	Status       Status
	WhyKilled    WhyKilled
	IsStopped    bool
	Received     int64
	Sent         int64
	Failed       int64
	Load         int64
	ConnectTime  time.Time
	Queued       int64
}

// Connection is the uniform contract every SMSC protocol back-end
// implements (§4.4). The routing core treats every back-end
// polymorphically through this interface.
type Connection interface {
	ID() string
	Name() string
	Status() Status
	WhyKilled() WhyKilled
	Policy() Policy

	// Send enqueues msg for sending. Non-blocking; returns immediately.
	// The caller retains no ownership of msg after a successful call.
	Send(msg *message.Message) error

	// Queued returns the current sender-side backlog, the load metric.
	Queued() int64

	Stop()
	Start()
	IsStopped() bool

	// Shutdown begins draining (finishSending) or fails fast otherwise,
	// eventually transitioning through SHUTDOWN to DEAD.
	Shutdown(finishSending bool)

	Info() ConnectionInfo
}

// BaseConnection holds the fields and bookkeeping common to every
// back-end, so concrete protocol implementations only need to supply
// their wire encode/decode and embed this type (mirrors the original's
// struct-of-function-pointers-plus-void-star pattern, made explicit as Go
// embedding instead).
type BaseConnection struct {
	id     string
	name   string
	policy Policy

	status      atomic.Int32
	whyKilled   atomic.Int32
	isStopped   atomic.Bool
	received    atomic.Int64
	sent        atomic.Int64
	failed      atomic.Int64
	load        atomic.Int64
	connectTime time.Time
}

// NewBaseConnection initializes the common fields; concrete back-ends
// call this from their own constructor.
func NewBaseConnection(id, name string, policy Policy) BaseConnection {
	bc := BaseConnection{id: id, name: name, policy: policy}
	bc.status.Store(int32(StatusConnecting))
	bc.connectTime = time.Now()
	return bc
}

func (b *BaseConnection) ID() string       { return b.id }
func (b *BaseConnection) Name() string     { return b.name }
func (b *BaseConnection) Policy() Policy   { return b.policy }
func (b *BaseConnection) Status() Status   { return Status(b.status.Load()) }
func (b *BaseConnection) WhyKilled() WhyKilled { return WhyKilled(b.whyKilled.Load()) }
func (b *BaseConnection) IsStopped() bool  { return b.isStopped.Load() }

func (b *BaseConnection) setStatus(s Status) { b.status.Store(int32(s)) }
func (b *BaseConnection) kill(why WhyKilled) {
	b.whyKilled.Store(int32(why))
	b.setStatus(StatusDead)
}

func (b *BaseConnection) Stop()  { b.isStopped.Store(true) }
func (b *BaseConnection) Start() { b.isStopped.Store(false) }

// AddLoad adjusts the load counter, clamped at zero (§3.2: "Load is
// monotonically updated by send ... must never go negative").
func (b *BaseConnection) AddLoad(delta int64) {
	for {
		cur := b.load.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if b.load.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (b *BaseConnection) Load() int64 { return b.load.Load() }

func (b *BaseConnection) IncReceived() { b.received.Add(1) }
func (b *BaseConnection) IncSent()     { b.sent.Add(1) }
func (b *BaseConnection) IncFailed()   { b.failed.Add(1) }

func (b *BaseConnection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:          b.id,
		Name:        b.name,
		Status:      b.Status(),
		WhyKilled:   b.WhyKilled(),
		IsStopped:   b.IsStopped(),
		Received:    b.received.Load(),
		Sent:        b.sent.Load(),
		Failed:      b.failed.Load(),
		Load:        b.load.Load(),
		ConnectTime: b.connectTime,
	}
}

// ConsolidateSplit implements the §4.4 split-message rollup: decrement
// parts-left and, once it reaches zero, report whether the parent should
// now emit a single on-sent/on-send-failed using the worst-status-wins
// priority order.
func ConsolidateSplit(parent *message.Message, childStatus message.SplitStatus) (done bool, final message.SplitStatus) {
	if parent.Split == nil {
		return true, childStatus
	}
	parent.Split.RollupCode = parent.Split.RollupCode.Worse(childStatus)
	parent.Split.PartsLeft--
	if parent.Split.PartsLeft <= 0 {
		return true, parent.Split.RollupCode
	}
	return false, parent.Split.RollupCode
}
