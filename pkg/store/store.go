// Package store implements C2: the append-only, URL-encoded persistent log
// of in-flight MT/MO messages and their ACK/NACK outcomes, with periodic
// compaction and crash recovery (§3.4, §4.2, §6.4).
package store

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/protei/bearerbox/internal/logger"
	"github.com/protei/bearerbox/pkg/message"
)

// Queue identifies which global queue a restored survivor belongs on.
type Queue int

const (
	QueueIncomingSMS Queue = iota
	QueueOutgoingSMS
)

// ReceiveFunc is invoked once per survivor during Load, classified by its
// sms-type: mo -> QueueIncomingSMS, mt-push|mt-reply -> QueueOutgoingSMS.
type ReceiveFunc func(msg *message.Message, q Queue)

const (
	defaultDumpInterval = 10 * time.Second
	defaultAckThreshold = 100
)

type liveKey struct {
	Time int64
	ID   string
}

// Store is the persistent store handle. The zero value is not usable; use
// Open.
type Store struct {
	path         string
	dumpInterval time.Duration
	ackThreshold int
	log          *logger.Logger

	fileMu sync.Mutex
	file   *os.File

	liveMu       sync.Mutex
	live         map[liveKey]*message.Message
	ackSinceLast int
	lastCompact  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   bool
}

// Open creates or opens the store file at path and starts the compactor
// fiber. dumpInterval and ackThreshold use defaults (10s / 100 acks) when
// zero.
func Open(path string, dumpInterval time.Duration, ackThreshold int) (*Store, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("store: empty path")
	}
	if dumpInterval <= 0 {
		dumpInterval = defaultDumpInterval
	}
	if ackThreshold <= 0 {
		ackThreshold = defaultAckThreshold
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{
		path:         path,
		dumpInterval: dumpInterval,
		ackThreshold: ackThreshold,
		log:          logger.Get().WithComponent("store"),
		file:         f,
		live:         make(map[liveKey]*message.Message),
		lastCompact:  time.Now(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	go s.compactorLoop()
	return s, nil
}

// Save assigns an id/submission-time to an SMS lacking them, duplicates it
// into the live set, and appends it to the file. For any type other than
// SMS or Ack the call is a no-op success.
func (s *Store) Save(msg *message.Message) error {
	if msg.Type != message.TypeSMS && msg.Type != message.TypeAck {
		return nil
	}

	if msg.Type == message.TypeSMS {
		if msg.ID == "" {
			msg.ID = newID()
		}
		if msg.Time == 0 {
			msg.Time = time.Now().Unix()
		}
		s.liveMu.Lock()
		s.live[liveKey{msg.Time, msg.ID}] = message.Duplicate(msg)
		s.liveMu.Unlock()
	}

	if err := s.appendLine(msg); err != nil {
		if msg.Type == message.TypeSMS {
			s.liveMu.Lock()
			delete(s.live, liveKey{msg.Time, msg.ID})
			s.liveMu.Unlock()
		}
		return err
	}

	if msg.Type == message.TypeAck {
		s.liveMu.Lock()
		delete(s.live, liveKey{msg.AckTime, msg.AckID})
		s.ackSinceLast++
		shouldCompact := s.ackSinceLast >= s.ackThreshold
		s.liveMu.Unlock()
		if shouldCompact {
			s.compactOnce()
		}
	}

	return nil
}

// SaveAck constructs an ACK record for sms and persists it; this is what
// eventually lets compaction discard the paired SMS.
func (s *Store) SaveAck(sms *message.Message, status message.NackCode) error {
	ack := &message.Message{
		Type:     message.TypeAck,
		AckID:    sms.ID,
		AckTime:  sms.Time,
		NackCode: status,
	}
	return s.Save(ack)
}

func (s *Store) appendLine(msg *message.Message) error {
	body, err := message.Pack(msg)
	if err != nil {
		return fmt.Errorf("store: pack: %w", err)
	}
	line := url.QueryEscape(string(body)) + "\n"

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	if _, err := s.file.WriteString(line); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return s.file.Sync()
}

// Load opens the store file (falling back to .new then .bak), restores
// survivors, emits them through cb, and rewrites the file with only those
// survivors. It returns which filename was actually used.
func (s *Store) Load(cb ReceiveFunc) (string, error) {
	candidates := []string{s.path, s.path + ".new", s.path + ".bak"}

	var (
		f    *os.File
		used string
		err  error
	)
	for _, c := range candidates {
		f, err = os.Open(c)
		if err == nil {
			used = c
			break
		}
	}
	if f == nil {
		return "", fmt.Errorf("store: no readable store file among %v: %w", candidates, err)
	}
	defer f.Close()

	smsByKey := make(map[liveKey]*message.Message)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), message.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		decoded, err := url.QueryUnescape(line)
		if err != nil {
			s.log.Warn("store: discarding malformed line (url-decode)", "error", err.Error())
			continue
		}
		msg, err := message.Unpack([]byte(decoded))
		if err != nil {
			s.log.Warn("store: discarding malformed line (unpack)", "error", err.Error())
			continue
		}
		switch msg.Type {
		case message.TypeSMS:
			smsByKey[liveKey{msg.Time, msg.ID}] = msg
		case message.TypeAck:
			delete(smsByKey, liveKey{msg.AckTime, msg.AckID})
		}
	}
	if err := scanner.Err(); err != nil {
		return used, fmt.Errorf("store: scan: %w", err)
	}

	s.liveMu.Lock()
	s.live = make(map[liveKey]*message.Message, len(smsByKey))
	for k, m := range smsByKey {
		s.live[k] = m
	}
	s.liveMu.Unlock()

	for _, m := range smsByKey {
		q := QueueOutgoingSMS
		if m.SMSType == message.SMSTypeMO {
			q = QueueIncomingSMS
		}
		cb(message.Duplicate(m), q)
	}

	if err := s.rewriteFromLive(); err != nil {
		return used, err
	}
	return used, nil
}

// Dump forces a compaction immediately.
func (s *Store) Dump() {
	s.compactOnce()
}

// Messages returns the count of live (un-ACKed) SMS records.
func (s *Store) Messages() int {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return len(s.live)
}

// Status renders a human-readable dump of the live set.
func (s *Store) Status(format string) string {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if format == "xml" {
		out := "<store>"
		for _, m := range s.live {
			out += fmt.Sprintf("<message id=%q sender=%q receiver=%q/>", m.ID, m.Sender, m.Receiver)
		}
		return out + "</store>"
	}
	out := fmt.Sprintf("store: %d live messages\n", len(s.live))
	for _, m := range s.live {
		out += m.Dump() + "\n"
	}
	return out
}

// Shutdown stops accepting new saves and waits for the compactor to drain
// and write a final snapshot.
func (s *Store) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh

	s.fileMu.Lock()
	s.closed = true
	_ = s.file.Close()
	s.fileMu.Unlock()
}

func (s *Store) compactorLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.compactOnce()
			return
		case <-ticker.C:
			s.liveMu.Lock()
			ackSeen := s.ackSinceLast > 0
			elapsed := time.Since(s.lastCompact)
			due := (ackSeen && elapsed > s.dumpInterval) || s.ackSinceLast >= s.ackThreshold
			s.liveMu.Unlock()
			if due {
				s.compactOnce()
			}
		}
	}
}

// compactOnce writes the live set to <path>.new, renames the existing
// canonical file to <path>.bak (ignoring "does not exist" on the very
// first run), then renames <path>.new into place. On failure it logs and
// leaves the in-memory live set, which remains authoritative, untouched;
// the next scheduled interval retries.
func (s *Store) compactOnce() {
	if err := s.rewriteFromLive(); err != nil {
		s.log.Error("store: compaction failed, retrying next interval", err)
		return
	}
	s.liveMu.Lock()
	s.ackSinceLast = 0
	s.lastCompact = time.Now()
	s.liveMu.Unlock()
}

func (s *Store) rewriteFromLive() error {
	newPath := s.path + ".new"
	bakPath := s.path + ".bak"

	nf, err := os.OpenFile(newPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", newPath, err)
	}

	s.liveMu.Lock()
	snapshot := make([]*message.Message, 0, len(s.live))
	for _, m := range s.live {
		snapshot = append(snapshot, m)
	}
	s.liveMu.Unlock()

	w := bufio.NewWriter(nf)
	for _, m := range snapshot {
		body, err := message.Pack(m)
		if err != nil {
			nf.Close()
			return fmt.Errorf("store: pack during compaction: %w", err)
		}
		if _, err := w.WriteString(url.QueryEscape(string(body)) + "\n"); err != nil {
			nf.Close()
			return fmt.Errorf("store: write during compaction: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		nf.Close()
		return fmt.Errorf("store: flush during compaction: %w", err)
	}
	if err := nf.Sync(); err != nil {
		nf.Close()
		return fmt.Errorf("store: sync during compaction: %w", err)
	}
	nf.Close()

	if err := os.Rename(s.path, bakPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: rename to bak: %w", err)
	}
	if err := os.Rename(newPath, s.path); err != nil {
		return fmt.Errorf("store: rename new to canonical: %w", err)
	}

	s.fileMu.Lock()
	if !s.closed {
		_ = s.file.Close()
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			s.file = f
		}
	}
	s.fileMu.Unlock()

	return nil
}

var idCounter struct {
	sync.Mutex
	n int64
}

// newID generates a process-unique identifier. A real deployment would use
// a UUID library; the store only requires uniqueness and stability across
// the (time, id) compaction key, which a counter seeded at process start
// satisfies just as well.
func newID() string {
	idCounter.Lock()
	idCounter.n++
	n := idCounter.n
	idCounter.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}
