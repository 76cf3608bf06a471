package alog

import (
	"strings"
	"testing"

	"github.com/protei/bearerbox/pkg/message"
)

func sampleMsg() *message.Message {
	return &message.Message{
		Type:     message.TypeSMS,
		ID:       "uuid-1",
		Time:     1700000000,
		SmscID:   "smsc-a",
		Sender:   "1000",
		Receiver: "+4915112345",
		MsgData:  []byte("keyword arg1 arg2 arg3"),
		Service:  "weather",
		Account:  "acct-1",
		Billing:  "bill-1",
		Coding:   message.CodingDefault7Bit,
	}
}

func TestUnknownCodePassesThroughLiterally(t *testing.T) {
	f := New("[%l] %Z literal")
	out := f.Format("SEND", sampleMsg())
	if !strings.Contains(out, "%Z literal") {
		t.Fatalf("expected unknown code to pass through literally, got %q", out)
	}
}

func TestLiteralPercent(t *testing.T) {
	f := New("100%%")
	out := f.Format("", sampleMsg())
	if out != "100%" {
		t.Fatalf("expected 100%%, got %q", out)
	}
}

func TestKeywordAndWordWalk(t *testing.T) {
	f := New("%k|%s|%s|%r")
	out := f.Format("", sampleMsg())
	if out != "keyword|arg1|arg2|arg3" {
		t.Fatalf("unexpected word walk: %q", out)
	}
}

func TestBinaryPayloadHexEncoded(t *testing.T) {
	msg := sampleMsg()
	msg.Coding = message.Coding8Bit
	msg.MsgData = []byte{0x00, 0x01, 0xFF}
	f := New("%b")
	out := f.Format("", msg)
	if out != "0001ff" {
		t.Fatalf("expected hex-encoded body, got %q", out)
	}
}

func TestSqueezedSpacesForPercentA(t *testing.T) {
	msg := sampleMsg()
	msg.MsgData = []byte("a    b   c")
	f := New("%a")
	out := f.Format("", msg)
	if out != "a b c" {
		t.Fatalf("expected squeezed spaces, got %q", out)
	}
}

func TestDefaultTemplateRendersCoreFields(t *testing.T) {
	f := New("")
	out := f.Format("SEND", sampleMsg())
	for _, want := range []string{"SMSC:smsc-a", "SVC:weather", "ACT:acct-1", "1000 -> +4915112345", "id:uuid-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected default template to contain %q, got %q", want, out)
		}
	}
}
