package queue

// Semaphore is a counting semaphore bounding a BOX connection's in-flight
// unacked MT count at smsbox-max-pending (§3.3, §5 "Shared-resource
// policy").
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with capacity n.
func NewSemaphore(n int) *Semaphore {
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Down blocks until a slot is available.
func (s *Semaphore) Down() { s.ch <- struct{}{} }

// TryDown attempts to acquire a slot without blocking.
func (s *Semaphore) TryDown() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Up releases a slot.
func (s *Semaphore) Up() { <-s.ch }

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int { return len(s.ch) }
