package gateway

import "sync"

// outQueue is a bounded frame queue with a single reader. A push onto a full
// queue evicts the oldest frame.
type outQueue struct {
	mu     sync.Mutex
	frames chan []byte
}

func newOutQueue(size int) *outQueue {
	if size <= 0 {
		size = 1
	}
	return &outQueue{frames: make(chan []byte, size)}
}

// push enqueues frame and reports whether an older frame was evicted.
func (q *outQueue) push(frame []byte) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.frames <- frame:
			return evicted
		default:
		}
		select {
		case <-q.frames:
			evicted = true
		default:
		}
	}
}

func (q *outQueue) len() int { return len(q.frames) }
