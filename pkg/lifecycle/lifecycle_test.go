package lifecycle

import (
	"testing"
	"time"
)

func TestIsolateBlocksIngressNotEgress(t *testing.T) {
	c := New()
	c.Isolate()

	egressDone := make(chan struct{})
	go func() {
		c.CheckEgress()
		close(egressDone)
	}()
	select {
	case <-egressDone:
	case <-time.After(time.Second):
		t.Fatal("egress should not block while isolated")
	}

	ingressDone := make(chan struct{})
	go func() {
		c.CheckIngress()
		close(ingressDone)
	}()
	select {
	case <-ingressDone:
		t.Fatal("ingress should block while isolated")
	case <-time.After(30 * time.Millisecond):
	}

	c.Resume()
	select {
	case <-ingressDone:
	case <-time.After(time.Second):
		t.Fatal("ingress should unblock after resume")
	}
}

func TestSuspendBlocksBoth(t *testing.T) {
	c := New()
	c.Suspend()

	for _, check := range []func(){c.CheckIngress, c.CheckEgress} {
		done := make(chan struct{})
		go func(fn func()) {
			fn()
			close(done)
		}(check)
		select {
		case <-done:
			t.Fatal("expected suspend to block both ingress and egress")
		case <-time.After(30 * time.Millisecond):
		}
	}

	c.Resume()
	if c.State() != Running {
		t.Fatalf("expected Running after resume, got %s", c.State())
	}
}

func TestShutdownRunsDrainAndReachesDead(t *testing.T) {
	c := New()
	c.Suspend()

	drained := false
	c.Shutdown(func() { drained = true })

	if !drained {
		t.Fatal("expected drain callback to run")
	}
	if c.State() != Dead {
		t.Fatalf("expected Dead after shutdown, got %s", c.State())
	}
}

func TestFullIsAdvisoryOnlyFromRunning(t *testing.T) {
	c := New()
	c.SetFull()
	if c.State() != Full {
		t.Fatalf("expected Full, got %s", c.State())
	}
	c.ClearFull()
	if c.State() != Running {
		t.Fatalf("expected Running after clear, got %s", c.State())
	}

	c.Isolate()
	c.SetFull()
	if c.State() != Isolated {
		t.Fatal("SetFull must not override a non-Running state")
	}
}
