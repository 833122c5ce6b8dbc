package audio

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned by [RingBuffer.PopWithTimeout] when no block
	// arrived within the timeout.
	ErrTimeout = errors.New("audio: ring buffer pop timed out")

	// ErrClosed is returned by [RingBuffer.PopWithTimeout] once the buffer has
	// been closed and fully drained.
	ErrClosed = errors.New("audio: ring buffer closed")

	// ErrBufferOverflow marks an eviction of unread audio. It is advisory:
	// the pipeline keeps running.
	ErrBufferOverflow = errors.New("audio: ring buffer overflow")
)

// RingStats is a point-in-time view of a [RingBuffer].
type RingStats struct {
	Len       int    `json:"len"`
	Cap       int    `json:"cap"`
	Overflows uint64 `json:"overflows"`
	Gaps      uint64 `json:"gaps"`
	Pushed    uint64 `json:"pushed"`
}

// Occupancy returns Len/Cap in [0, 1].
func (s RingStats) Occupancy() float64 {
	if s.Cap == 0 {
		return 0
	}
	return float64(s.Len) / float64(s.Cap)
}

// DefaultSlotBytes is the preallocated size of each ring slot. It holds a
// 20 ms block of 48 kHz stereo float32 audio with room to spare; larger
// blocks grow their slot once.
const DefaultSlotBytes = 16 << 10

// Slot states. Only the producer moves a slot from free to full and from
// full to free (eviction); only the consumer moves it from full to reading
// and back to free.
const (
	slotFree uint32 = iota
	slotFull
	slotReading
)

type ringSlot struct {
	state atomic.Uint32
	pos   uint64
	buf   []byte
	n     int
	blk   AudioBlock // metadata only, Data is nil
}

// RingBuffer is a bounded single-producer/single-consumer queue of
// [AudioBlock] values. Push never blocks, locks or allocates: it copies the
// block into a preallocated slot, and when the buffer is full the oldest
// unread block is evicted and the overflow counter increments. The consumer
// waits in [RingBuffer.PopWithTimeout].
//
// Positions are monotonic counters. The unread window is
// [max(head, tail-cap), tail); slot states arbitrate the one slot both sides
// may want at the same time.
type RingBuffer struct {
	slots  []ringSlot
	tail   atomic.Uint64 // next position to write, producer-owned
	head   atomic.Uint64 // next position to read, consumer-owned
	closed atomic.Bool

	notify chan struct{}

	overflows atomic.Uint64
	gaps      atomic.Uint64
	pushed    atomic.Uint64

	// Consumer-only state. spare is swapped into the slot that was just
	// read, so the returned Data stays valid until the next pop.
	spare   []byte
	lastSeq uint64

	// OnGap, if set, is called from the consumer goroutine when a sequence
	// gap is detected. expected is the sequence number that was skipped to.
	OnGap func(expected, got uint64)
}

// NewRingBuffer creates a ring buffer holding at most capacity blocks.
// A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	r := &RingBuffer{
		slots:  make([]ringSlot, capacity),
		notify: make(chan struct{}, 1),
		spare:  make([]byte, DefaultSlotBytes),
	}
	for i := range r.slots {
		r.slots[i].buf = make([]byte, DefaultSlotBytes)
	}
	return r
}

// CapacityFor returns the number of blocks of blockDur needed to hold span of
// audio, rounded up.
func CapacityFor(span, blockDur time.Duration) int {
	if blockDur <= 0 {
		return 1
	}
	n := int((span + blockDur - 1) / blockDur)
	if n < 1 {
		n = 1
	}
	return n
}

// Push copies b into the buffer. It returns false if the buffer was full and
// a block had to be discarded, or if the buffer is closed. b.Data is not
// retained. Push must only be called from one goroutine at a time.
func (r *RingBuffer) Push(b AudioBlock) bool {
	if r.closed.Load() {
		return false
	}
	t := r.tail.Load()
	s := &r.slots[t%uint64(len(r.slots))]

	ok := true
	switch s.state.Load() {
	case slotFull:
		if s.state.CompareAndSwap(slotFull, slotFree) {
			r.overflows.Add(1)
			ok = false
			break
		}
		fallthrough
	case slotReading:
		// The consumer is copying the oldest block out of this slot; the
		// incoming block is the one discarded.
		r.overflows.Add(1)
		return false
	}

	if cap(s.buf) < len(b.Data) {
		s.buf = make([]byte, len(b.Data))
	}
	s.n = copy(s.buf[:cap(s.buf)], b.Data)
	s.pos = t
	s.blk = b
	s.blk.Data = nil
	s.state.Store(slotFull)
	r.tail.Store(t + 1)

	r.pushed.Add(1)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return ok
}

// PopWithTimeout returns the oldest block, waiting up to d for one to arrive.
// It returns [ErrTimeout] if the wait expired and [ErrClosed] once the buffer
// is closed and empty. Blocks remaining at Close are still returned. The
// returned Data is only valid until the next call.
func (r *RingBuffer) PopWithTimeout(d time.Duration) (AudioBlock, error) {
	var timer *time.Timer
	for {
		if b, ok, closed := r.tryPop(); ok {
			if timer != nil {
				timer.Stop()
			}
			r.checkSeq(b.Seq)
			return b, nil
		} else if closed {
			if timer != nil {
				timer.Stop()
			}
			return AudioBlock{}, ErrClosed
		}

		if timer == nil {
			timer = time.NewTimer(d)
		}
		select {
		case <-r.notify:
		case <-timer.C:
			// One last look in case a push raced the timer.
			if b, ok, _ := r.tryPop(); ok {
				r.checkSeq(b.Seq)
				return b, nil
			}
			return AudioBlock{}, ErrTimeout
		}
	}
}

func (r *RingBuffer) tryPop() (b AudioBlock, ok, closed bool) {
	n := uint64(len(r.slots))
	h := r.head.Load()
	for {
		closed = r.closed.Load()
		t := r.tail.Load()
		if t > n && h < t-n {
			h = t - n
		}
		if h >= t {
			r.head.Store(h)
			return AudioBlock{}, false, closed
		}

		s := &r.slots[h%n]
		if !s.state.CompareAndSwap(slotFull, slotReading) {
			// Evicted by the producer.
			h++
			continue
		}
		if s.pos != h {
			// Evicted and already rewritten with a newer block.
			s.state.Store(slotFull)
			h++
			continue
		}

		b = s.blk
		b.Data = s.buf[:s.n]
		s.buf, r.spare = r.spare, s.buf
		s.state.Store(slotFree)
		r.head.Store(h + 1)
		return b, true, false
	}
}

// checkSeq records gaps in the per-channel sequence. Gaps are expected after
// an overflow and are never fatal.
func (r *RingBuffer) checkSeq(seq uint64) {
	if seq == 0 {
		return
	}
	if r.lastSeq != 0 && seq != r.lastSeq+1 {
		r.gaps.Add(1)
		if r.OnGap != nil {
			r.OnGap(r.lastSeq+1, seq)
		}
	}
	r.lastSeq = seq
}

// Close marks the buffer closed. Further pushes are rejected; the consumer
// keeps receiving the blocks that are still buffered. Close the buffer after
// the producer has stopped. Safe to call more than once.
func (r *RingBuffer) Close() {
	r.closed.Store(true)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of unread blocks.
func (r *RingBuffer) Len() int {
	t, h := r.tail.Load(), r.head.Load()
	if h >= t {
		return 0
	}
	return int(min(t-h, uint64(len(r.slots))))
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int { return len(r.slots) }

// Overflows returns the number of evicted blocks.
func (r *RingBuffer) Overflows() uint64 { return r.overflows.Load() }

// Stats returns a snapshot of the buffer counters.
func (r *RingBuffer) Stats() RingStats {
	return RingStats{
		Len:       r.Len(),
		Cap:       r.Cap(),
		Overflows: r.overflows.Load(),
		Gaps:      r.gaps.Load(),
		Pushed:    r.pushed.Load(),
	}
}
