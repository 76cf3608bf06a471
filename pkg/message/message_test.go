package message

import (
	"bytes"
	"testing"
)

func sampleSMS() *Message {
	return &Message{
		Type:         TypeSMS,
		ID:           "11111111-1111-1111-1111-111111111111",
		Time:         1700000000,
		Sender:       "1000",
		Receiver:     "+4915112345",
		MsgData:      []byte("hi"),
		Coding:       CodingDefault7Bit,
		MessageClass: MessageClassUndef,
		SMSType:      SMSTypeMO,
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	m := sampleSMS()
	body, err := Pack(m)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := Unpack(body)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.ID != m.ID || got.Sender != m.Sender || got.Receiver != m.Receiver || !bytes.Equal(got.MsgData, m.MsgData) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestWriteReadFrame(t *testing.T) {
	m := sampleSMS()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, m); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Receiver != m.Receiver {
		t.Fatalf("frame round-trip mismatch: got %q want %q", got.Receiver, m.Receiver)
	}
}

func TestValidateUDHRequires8BitOrUCS2(t *testing.T) {
	m := sampleSMS()
	m.UDHData = []byte{0x01, 0x02}
	m.Coding = CodingDefault7Bit
	if err := m.Validate(); err == nil {
		t.Fatal("expected validation error for UDH with 7-bit coding")
	}
	m.Coding = Coding8Bit
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateDLRMaskAndURLTogether(t *testing.T) {
	m := sampleSMS()
	m.DLRUrl = "http://example/"
	if err := m.Validate(); err == nil {
		t.Fatal("expected error: dlr-url without dlr-mask")
	}
	m.DLRMask = 1
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestDuplicateIsDeepCopy(t *testing.T) {
	m := sampleSMS()
	dup := Duplicate(m)
	dup.MsgData[0] = 'X'
	if m.MsgData[0] == 'X' {
		t.Fatal("duplicate shares underlying array with original")
	}
	dup.Destroy()
	m.Destroy()
}

func TestDestroyTwicePanics(t *testing.T) {
	m := sampleSMS()
	m.Destroy()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double destroy")
		}
	}()
	m.Destroy()
}

func TestSplitStatusWorseOrdering(t *testing.T) {
	if SplitSuccess.Worse(SplitMalformed) != SplitMalformed {
		t.Fatal("malformed must win over success")
	}
	if SplitRejected.Worse(SplitOtherFailure) != SplitRejected {
		t.Fatal("rejected must win over other failure")
	}
}
