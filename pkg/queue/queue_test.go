package queue

import (
	"testing"
	"time"

	"github.com/protei/bearerbox/pkg/message"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(-1)
	a := &message.Message{ID: "a"}
	b := &message.Message{ID: "b"}
	_ = q.Push(a)
	_ = q.Push(b)

	got, ok := q.Pop()
	if !ok || got.ID != "a" {
		t.Fatalf("expected a first, got %+v ok=%v", got, ok)
	}
	got, ok = q.Pop()
	if !ok || got.ID != "b" {
		t.Fatalf("expected b second, got %+v ok=%v", got, ok)
	}
}

func TestPushOverCapacityReturnsErrFull(t *testing.T) {
	q := New(1)
	if err := q.Push(&message.Message{}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := q.Push(&message.Message{}); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestProducerTerminationYieldsNilOnceDrained(t *testing.T) {
	q := New(-1)
	q.AddProducer()
	_ = q.Push(&message.Message{ID: "only"})
	q.RemoveProducer()

	_, ok := q.Pop()
	if !ok {
		t.Fatal("expected the queued item before end-of-stream")
	}
	_, ok = q.Pop()
	if ok {
		t.Fatal("expected end-of-stream once producers hit zero and queue is empty")
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(-1)
	q.AddProducer()
	done := make(chan *message.Message, 1)
	go func() {
		msg, ok := q.Pop()
		if ok {
			done <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Pop returned before any push")
	default:
	}

	_ = q.Push(&message.Message{ID: "x"})
	select {
	case msg := <-done:
		if msg.ID != "x" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on push")
	}
}

func TestPopTimeoutExpiresWhenIdle(t *testing.T) {
	q := New(-1)
	q.AddProducer()
	start := time.Now()
	_, ok, timedOut := q.PopTimeout(30 * time.Millisecond)
	if ok || !timedOut {
		t.Fatalf("expected timeout, got ok=%v timedOut=%v", ok, timedOut)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}
}

func TestPopTimeoutWakesOnExplicitWake(t *testing.T) {
	q := New(-1)
	q.AddProducer()
	result := make(chan bool, 1)
	go func() {
		_, _, timedOut := q.PopTimeout(5 * time.Second)
		result <- timedOut
	}()
	time.Sleep(20 * time.Millisecond)
	q.Wake()
	select {
	case timedOut := <-result:
		if timedOut {
			t.Fatal("Wake should prevent a timeout classification")
		}
	case <-time.After(time.Second):
		t.Fatal("PopTimeout did not wake on Wake()")
	}
}

func TestSemaphoreBlocksAtCapacity(t *testing.T) {
	s := NewSemaphore(1)
	if !s.TryDown() {
		t.Fatal("expected first down to succeed")
	}
	if s.TryDown() {
		t.Fatal("expected second down to fail at capacity")
	}
	s.Up()
	if !s.TryDown() {
		t.Fatal("expected down to succeed after up")
	}
}
