package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Recv once the stream is closed and the receiver has
// consumed everything still buffered for it.
var ErrClosed = errors.New("broadcast stream closed")

// StreamStats is a point-in-time copy of a stream's counters.
type StreamStats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
	Capacity    int
}

// Stream is a fixed-size ring buffer with many independent readers. Publish
// never blocks: when a reader falls more than capacity messages behind, the
// oldest unread messages are overwritten and counted as dropped for it.
type Stream[T any] struct {
	mu        sync.Mutex
	buf       []T
	head      uint64 // sequence of the next publish
	receivers map[*Receiver[T]]struct{}
	notify    chan struct{}
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
	onDrop    func(n uint64)
}

// NewStream creates a stream that buffers up to capacity messages per reader.
// onDrop, when not nil, is called with the number of messages a publish
// overwrote before some reader consumed them.
func NewStream[T any](capacity int, onDrop func(n uint64)) *Stream[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Stream[T]{
		buf:       make([]T, capacity),
		receivers: make(map[*Receiver[T]]struct{}),
		notify:    make(chan struct{}),
		onDrop:    onDrop,
	}
}

// Publish appends v and wakes all waiting readers.
func (s *Stream[T]) Publish(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	capacity := uint64(len(s.buf))
	var lost uint64
	if s.head >= capacity {
		overwritten := s.head - capacity
		for r := range s.receivers {
			if r.next <= overwritten {
				r.next = overwritten + 1
				r.dropped++
				lost++
			}
		}
	}

	s.buf[s.head%capacity] = v
	s.head++
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	s.published.Add(1)
	if lost > 0 {
		s.dropped.Add(lost)
		if s.onDrop != nil {
			s.onDrop(lost)
		}
	}
	return true
}

// Subscribe attaches a new reader that sees messages published from now on.
func (s *Stream[T]) Subscribe() *Receiver[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Receiver[T]{stream: s, next: s.head}
	if !s.closed {
		s.receivers[r] = struct{}{}
	}
	return r
}

// Close ends the stream. Readers drain what is buffered for them, then get ErrClosed.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

func (s *Stream[T]) Stats() StreamStats {
	s.mu.Lock()
	subscribers := len(s.receivers)
	s.mu.Unlock()
	return StreamStats{
		Published:   s.published.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: subscribers,
		Capacity:    len(s.buf),
	}
}

// Receiver is one independently paced reader of a Stream.
type Receiver[T any] struct {
	stream   *Stream[T]
	next     uint64
	dropped  uint64
	detached bool
}

// Recv returns the next message for this reader, waiting until one is
// published, ctx is done or the stream is closed.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	s := r.stream
	for {
		s.mu.Lock()
		if r.detached {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if r.next < s.head {
			v := s.buf[r.next%uint64(len(s.buf))]
			r.next++
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// TryRecv returns the next buffered message without waiting.
func (r *Receiver[T]) TryRecv() (T, bool) {
	var zero T
	s := r.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.detached || r.next >= s.head {
		return zero, false
	}
	v := s.buf[r.next%uint64(len(s.buf))]
	r.next++
	return v, true
}

// Dropped reports how many messages this reader lost to overwrites.
func (r *Receiver[T]) Dropped() uint64 {
	r.stream.mu.Lock()
	defer r.stream.mu.Unlock()
	return r.dropped
}

// Lag reports how many messages are buffered and unread.
func (r *Receiver[T]) Lag() int {
	r.stream.mu.Lock()
	defer r.stream.mu.Unlock()
	if r.detached {
		return 0
	}
	return int(r.stream.head - r.next)
}

// Close detaches the reader. It is safe to call more than once.
func (r *Receiver[T]) Close() {
	s := r.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.detached {
		return
	}
	r.detached = true
	delete(s.receivers, r)
	if !s.closed {
		// wake a Recv blocked on this reader
		close(s.notify)
		s.notify = make(chan struct{})
	}
}
