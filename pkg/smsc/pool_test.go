package smsc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/protei/bearerbox/pkg/message"
	"github.com/protei/bearerbox/pkg/numutil"
	"github.com/protei/bearerbox/pkg/queue"
)

// testConn is a minimal, synchronous Connection double used to pin down
// Route's and Usable's decision logic without FakeConnection's background
// goroutine.
type testConn struct {
	id     string
	status Status
	policy Policy
	load   int64

	mu   sync.Mutex
	sent []*message.Message
	fail bool
}

func (c *testConn) ID() string           { return c.id }
func (c *testConn) Name() string         { return c.id }
func (c *testConn) Status() Status       { return c.status }
func (c *testConn) WhyKilled() WhyKilled { return Alive }
func (c *testConn) Policy() Policy       { return c.policy }
func (c *testConn) Load() int64          { return c.load }
func (c *testConn) Queued() int64        { return c.load }
func (c *testConn) Stop()                {}
func (c *testConn) Start()               {}
func (c *testConn) IsStopped() bool      { return false }
func (c *testConn) Shutdown(bool)        {}
func (c *testConn) Info() ConnectionInfo { return ConnectionInfo{ID: c.id, Status: c.status} }

func (c *testConn) Send(msg *message.Message) error {
	if c.fail {
		return fmt.Errorf("testConn %s: forced failure", c.id)
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func noopPolicy() Policy {
	return Policy{
		AllowedSmscID:   numutil.ParsePatternSet(""),
		DeniedSmscID:    numutil.ParsePatternSet(""),
		PreferredSmscID: numutil.ParsePatternSet(""),
		AllowedPrefix:   numutil.ParsePatternSet(""),
		DeniedPrefix:    numutil.ParsePatternSet(""),
		PreferredPrefix: numutil.ParsePatternSet(""),
		UnifiedPrefix:   numutil.ParseTable(""),
	}
}

type nullCallbacks struct {
	failed []string
}

func (n *nullCallbacks) OnReady(Connection)     {}
func (n *nullCallbacks) OnConnected(Connection) {}
func (n *nullCallbacks) OnKilled(Connection)    {}
func (n *nullCallbacks) OnReceived(Connection, *message.Message) ReceiveResult {
	return ReceiveAccepted
}
func (n *nullCallbacks) OnSent(Connection, *message.Message, string) {}
func (n *nullCallbacks) OnSendFailed(c Connection, msg *message.Message, reason FailReason, reply string) {
	n.failed = append(n.failed, string(reason))
}
func (n *nullCallbacks) OnDeliveryReport(c Connection, smscTS, destination string, event uint8) {}
func (n *nullCallbacks) CheckEgress()                                                          {}

func TestRouteReturnsTriState(t *testing.T) {
	cb := &nullCallbacks{}
	pool := NewPool(numutil.ParseTable(""), cb)
	outgoing := queue.New(-1)

	if r := pool.Route(&message.Message{Type: message.TypeSMS, Receiver: "123"}, outgoing); r != -1 {
		t.Fatalf("empty pool: expected -1, got %d", r)
	}

	ok := &testConn{id: "a", status: StatusActive, policy: noopPolicy()}
	pool.AddConnection(ok)
	if r := pool.Route(&message.Message{Type: message.TypeSMS, Receiver: "123"}, outgoing); r != 1 {
		t.Fatalf("expected 1 (sent), got %d", r)
	}

	pending := NewPool(numutil.ParseTable(""), cb)
	pending.AddConnection(&testConn{id: "b", status: StatusConnecting, policy: noopPolicy()})
	if r := pending.Route(&message.Message{Type: message.TypeSMS, Receiver: "123"}, outgoing); r != 0 {
		t.Fatalf("only a non-active connection: expected 0 (re-queued), got %d", r)
	}
	if outgoing.Len() != 1 {
		t.Fatalf("expected the message re-queued on outgoing, len=%d", outgoing.Len())
	}
}

func TestDeniedSmscIDAlwaysUnusable(t *testing.T) {
	pol := noopPolicy()
	pol.DeniedSmscID = numutil.ParsePatternSet("blocked")
	c := &testConn{id: "c1", status: StatusActive, policy: pol}

	msg := &message.Message{Type: message.TypeSMS, SmscID: "blocked"}
	if u := Usable(c, msg, "123"); u != -1 {
		t.Fatalf("expected -1 for denied smsc-id, got %d", u)
	}

	msg2 := &message.Message{Type: message.TypeSMS, SmscID: "allowed"}
	if u := Usable(c, msg2, "123"); u == -1 {
		t.Fatal("non-matching smsc-id must not be blocked by denied-smsc-id")
	}
}

func TestPreferredWithMinLoadIsChosen(t *testing.T) {
	cb := &nullCallbacks{}
	pool := NewPool(numutil.ParseTable(""), cb)
	outgoing := queue.New(-1)

	prefPol := noopPolicy()
	prefPol.PreferredPrefix = numutil.ParsePatternSet("555")

	heavy := &testConn{id: "heavy", status: StatusActive, policy: prefPol, load: 10}
	light := &testConn{id: "light", status: StatusActive, policy: prefPol, load: 1}
	plain := &testConn{id: "plain", status: StatusActive, policy: noopPolicy(), load: 0}

	pool.AddConnection(heavy)
	pool.AddConnection(light)
	pool.AddConnection(plain)

	msg := &message.Message{Type: message.TypeSMS, Receiver: "555123"}
	if r := pool.Route(msg, outgoing); r != 1 {
		t.Fatalf("expected send to succeed, got %d", r)
	}
	light.mu.Lock()
	defer light.mu.Unlock()
	if len(light.sent) != 1 {
		t.Fatalf("expected the lower-load preferred connection to receive the message, light.sent=%v heavy.sent=%v plain.sent=%v",
			light.sent, heavy.sent, plain.sent)
	}
}

func TestAllowedPrefixExcludesNonMatching(t *testing.T) {
	pol := noopPolicy()
	pol.AllowedPrefix = numutil.ParsePatternSet("49")
	c := &testConn{id: "c1", status: StatusActive, policy: pol}

	if u := Usable(c, &message.Message{Type: message.TypeSMS}, "49123"); u == -1 {
		t.Fatal("matching allowed-prefix must not be rejected")
	}
	if u := Usable(c, &message.Message{Type: message.TypeSMS}, "44123"); u != -1 {
		t.Fatalf("non-matching allowed-prefix must be rejected, got %d", u)
	}
}

func TestDeadConnectionNeverUsable(t *testing.T) {
	c := &testConn{id: "c1", status: StatusDead, policy: noopPolicy()}
	if u := Usable(c, &message.Message{Type: message.TypeSMS}, "123"); u != -1 {
		t.Fatalf("dead connection must always be unusable, got %d", u)
	}
}

func TestRouteRetriesOnImmediateSendRejection(t *testing.T) {
	cb := &nullCallbacks{}
	pool := NewPool(numutil.ParseTable(""), cb)
	outgoing := queue.New(-1)

	bad := &testConn{id: "bad", status: StatusActive, policy: noopPolicy(), fail: true}
	good := &testConn{id: "good", status: StatusActive, policy: noopPolicy()}
	pool.AddConnection(bad)
	pool.AddConnection(good)

	msg := &message.Message{Type: message.TypeSMS, Receiver: "1"}
	if r := pool.Route(msg, outgoing); r != 1 {
		t.Fatalf("expected eventual success after retry, got %d", r)
	}
	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.sent) != 1 {
		t.Fatal("expected the surviving connection to receive the retried message")
	}
}

func TestRerouteByReceiverPrefersLongestMatch(t *testing.T) {
	pol := noopPolicy()
	pol.RerouteByReceiver = map[string]string{
		"49":    "generic-de",
		"49170": "vodafone-de",
	}
	c := &testConn{id: "c1", status: StatusActive, policy: pol}

	msg := &message.Message{Type: message.TypeSMS, Receiver: "49170123", SMSType: message.SMSTypeMO}
	if !Reroute(c, msg) {
		t.Fatal("expected reroute-by-receiver to apply")
	}
	if msg.SmscID != "vodafone-de" {
		t.Fatalf("expected longest-prefix match to win, got %q", msg.SmscID)
	}
}

func TestRerouteDLRSuppressedByDefault(t *testing.T) {
	pol := noopPolicy()
	pol.Reroute = true
	c := &testConn{id: "c1", status: StatusActive, policy: pol}

	msg := &message.Message{Type: message.TypeSMS, SMSType: message.SMSTypeReportMO}
	if Reroute(c, msg) {
		t.Fatal("delivery reports must not be rerouted unless reroute-dlr is set")
	}

	pol.RerouteDLR = true
	c.policy = pol
	if !Reroute(c, msg) {
		t.Fatal("expected reroute once reroute-dlr is set")
	}
}
