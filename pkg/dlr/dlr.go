// Package dlr implements C3: the delivery-report index correlating
// SMSC-assigned (smsc-id, smsc-timestamp, destination) triples back to the
// original submission so that asynchronous delivery reports can be turned
// into synthesized MO-path messages.
package dlr

import (
	"hash/fnv"
	"sync"

	"github.com/protei/bearerbox/pkg/message"
)

// Event bit values, matching dlr.h's mask layout (see SPEC_FULL.md).
const (
	EventDeliveredSuccess uint8 = 0x01
	EventFail             uint8 = 0x02
	EventBuffered          uint8 = 0x04
	EventSmscSuccess       uint8 = 0x08
	EventSmscFail          uint8 = 0x10
)

// entry is a pending DLR descriptor (§3.5).
type entry struct {
	originalService string
	originalDLRUrl  string
	mask            uint8
	originalSender  string
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Index is the striped-lock DLR index. The zero value is not usable; use
// New.
type Index struct {
	shards [shardCount]*shard
}

// New creates an empty DLR index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return idx
}

func key(smscID, smscTS, destination string) string {
	return smscID + "\x00" + smscTS + "\x00" + destination
}

func (idx *Index) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return idx.shards[h.Sum32()%shardCount]
}

// Add registers a pending DLR descriptor for later correlation.
func (idx *Index) Add(smscID, smscTS, destination, service, dlrURL string, mask uint8) {
	k := key(smscID, smscTS, destination)
	s := idx.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = &entry{
		originalService: service,
		originalDLRUrl:  dlrURL,
		mask:            mask,
		originalSender:  destination,
	}
}

// Find looks up a pending DLR descriptor by (smsc-id, smsc-ts,
// destination) and, if found, synthesizes a report message for the given
// event. The entry is removed on any terminal match; it is retained if the
// mask requested buffered+terminal reporting and the observed event is the
// non-terminal "buffered" notification (§3.5).
func (idx *Index) Find(smscID, smscTS, destination string, event uint8) (*message.Message, bool) {
	k := key(smscID, smscTS, destination)
	s := idx.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}

	report := &message.Message{
		Type:     message.TypeSMS,
		Sender:   e.originalSender,
		Receiver: "000",
		MsgData:  []byte(e.originalDLRUrl),
		Service:  e.originalService,
		DLRMask:  event,
		SMSType:  message.SMSTypeReportMO,
	}

	if e.mask&EventBuffered != 0 && event == EventBuffered {
		return report, true
	}
	delete(s.entries, k)
	return report, true
}

// Flush drops every pending entry, implementing the admin flush_dlr()
// call of §6.1.
func (idx *Index) Flush() {
	for _, s := range idx.shards {
		s.mu.Lock()
		s.entries = make(map[string]*entry)
		s.mu.Unlock()
	}
}

// Len returns the number of pending entries, for status reporting.
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
