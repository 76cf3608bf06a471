package dlr

import "testing"

func TestAddFindTerminalRemoves(t *testing.T) {
	idx := New()
	idx.Add("smsc1", "1700000000", "+491761234567", "mysvc", "http://x/?s=%s", EventSmscSuccess|EventDeliveredSuccess)

	msg, ok := idx.Find("smsc1", "1700000000", "+491761234567", EventDeliveredSuccess)
	if !ok {
		t.Fatal("expected a match")
	}
	if msg.Sender != "+491761234567" || msg.Receiver != "000" {
		t.Fatalf("unexpected synthesized message: %+v", msg)
	}
	if idx.Len() != 0 {
		t.Fatalf("terminal match should remove the entry, len=%d", idx.Len())
	}
}

func TestBufferedKeptUntilTerminal(t *testing.T) {
	idx := New()
	idx.Add("smsc1", "42", "+491", "svc", "http://x", EventBuffered|EventDeliveredSuccess)

	if _, ok := idx.Find("smsc1", "42", "+491", EventBuffered); !ok {
		t.Fatal("expected buffered match")
	}
	if idx.Len() != 1 {
		t.Fatal("buffered event must not remove the entry when mask requests buffered+terminal")
	}

	if _, ok := idx.Find("smsc1", "42", "+491", EventDeliveredSuccess); !ok {
		t.Fatal("expected terminal match")
	}
	if idx.Len() != 0 {
		t.Fatal("terminal event must remove the entry")
	}
}

func TestFindMissReturnsFalse(t *testing.T) {
	idx := New()
	if _, ok := idx.Find("none", "0", "x", EventFail); ok {
		t.Fatal("expected no match on empty index")
	}
}

func TestFlushDropsAll(t *testing.T) {
	idx := New()
	idx.Add("s", "1", "d", "svc", "url", EventFail)
	idx.Flush()
	if idx.Len() != 0 {
		t.Fatal("flush must drop all entries")
	}
}
