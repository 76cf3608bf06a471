// Package alog implements C8: the access-log line formatter (§4.8, §6.5).
// A Formatter renders one access-log line per message using either the
// built-in default template or a user-supplied one with %-escape codes.
package alog

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/protei/bearerbox/pkg/message"
)

// DefaultTemplate is the built-in bracket-separated line used when no
// access-log-format is configured (§6.5).
const DefaultTemplate = `%t [%l] SMSC:%i SVC:%n ACT:%A BILL:%B %p -> %P flags:%m/%c/%M/%C/%d udh:%u/%U "%a" id:%I`

// Formatter renders access-log lines according to a %-escape template.
type Formatter struct {
	template string
}

// New creates a Formatter. An empty template falls back to DefaultTemplate.
func New(template string) *Formatter {
	if template == "" {
		template = DefaultTemplate
	}
	return &Formatter{template: template}
}

// Format renders one line. logLine is the caller-supplied static text
// substituted for %l (typically "SEND", "REJECTED", "DLR", etc).
func (f *Formatter) Format(logLine string, msg *message.Message) string {
	var b strings.Builder
	body := bodyText(msg)
	words := strings.Fields(body)
	// %k always yields the first word (the keyword); %s/%S/%r walk the
	// remaining words via a shared advancing pointer, per the "keyword
	// plus argument words" shape of a sendsms-style body.
	wordIdx := 1

	runes := []rune(f.template)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' || i == len(runes)-1 {
			b.WriteRune(runes[i])
			continue
		}
		i++
		switch runes[i] {
		case 'l':
			b.WriteString(logLine)
		case 'i':
			b.WriteString(msg.SmscID)
		case 'n':
			b.WriteString(msg.Service)
		case 'A':
			b.WriteString(msg.Account)
		case 'B':
			b.WriteString(msg.Billing)
		case 'p':
			b.WriteString(msg.Sender)
		case 'P':
			b.WriteString(msg.Receiver)
		case 'm':
			b.WriteString(strconv.Itoa(msg.MessageClass))
		case 'c':
			b.WriteString(strconv.Itoa(int(msg.Coding)))
		case 'M':
			b.WriteString(boolDigit(msg.MWI))
		case 'C':
			b.WriteString(boolDigit(msg.Compress))
		case 'd':
			b.WriteString(strconv.Itoa(int(msg.DLRMask)))
		case 'a':
			b.WriteString(strings.Join(strings.Fields(body), " "))
		case 'u':
			b.WriteString(hex.EncodeToString(msg.UDHData))
		case 'U':
			b.WriteString(strconv.Itoa(len(msg.UDHData)))
		case 'k':
			if len(words) > 0 {
				b.WriteString(words[0])
			}
		case 's':
			if wordIdx < len(words) {
				b.WriteString(words[wordIdx])
				wordIdx++
			}
		case 'S':
			if wordIdx < len(words) {
				b.WriteString(strings.ReplaceAll(words[wordIdx], "*", "~"))
				wordIdx++
			}
		case 'r':
			if wordIdx < len(words) {
				b.WriteString(strings.Join(words[wordIdx:], "+"))
			}
		case 'b':
			b.WriteString(body)
		case 'L':
			b.WriteString(strconv.Itoa(len(body)))
		case 't':
			b.WriteString(time.Unix(msg.Time, 0).UTC().Format("2006-01-02 15:04:05"))
		case 'T':
			b.WriteString(strconv.FormatInt(msg.Time, 10))
		case 'I':
			b.WriteString(msg.ID)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}

// bodyText hex-encodes binary and UCS-2 payloads before any %b/%a/%k/%s
// substitution (§4.8); 7-bit and undefined coding pass through as text.
func bodyText(msg *message.Message) string {
	if msg.Coding == message.Coding8Bit || msg.Coding == message.CodingUCS2 {
		return hex.EncodeToString(msg.MsgData)
	}
	return string(msg.MsgData)
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
