package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStreamDeliversInOrderToEveryReceiver(t *testing.T) {
	s := NewStream[int](16, nil)
	a := s.Subscribe()
	b := s.Subscribe()

	for i := 0; i < 10; i++ {
		s.Publish(i)
	}

	ctx := context.Background()
	for _, r := range []*Receiver[int]{a, b} {
		for i := 0; i < 10; i++ {
			v, err := r.Recv(ctx)
			if err != nil {
				t.Fatalf("recv: %v", err)
			}
			if v != i {
				t.Fatalf("expected %d, got %d", i, v)
			}
		}
	}
}

func TestStreamLateSubscriberSeesOnlyNewMessages(t *testing.T) {
	s := NewStream[int](4, nil)
	s.Publish(1)
	r := s.Subscribe()
	s.Publish(2)

	v, ok := r.TryRecv()
	if !ok || v != 2 {
		t.Fatalf("expected 2, got %v %v", v, ok)
	}
	if _, ok := r.TryRecv(); ok {
		t.Fatalf("expected no more messages")
	}
}

func TestStreamSlowReaderDropsOldest(t *testing.T) {
	var reported atomic.Uint64
	s := NewStream[int](3, func(n uint64) { reported.Add(n) })
	slow := s.Subscribe()
	fast := s.Subscribe()

	for i := 0; i < 5; i++ {
		s.Publish(i)
		if v, ok := fast.TryRecv(); !ok || v != i {
			t.Fatalf("fast reader: expected %d, got %v %v", i, v, ok)
		}
	}

	var got []int
	for {
		v, ok := slow.TryRecv()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if slow.Dropped() != 2 || fast.Dropped() != 0 {
		t.Fatalf("unexpected per-reader drops: slow=%d fast=%d", slow.Dropped(), fast.Dropped())
	}
	if stats := s.Stats(); stats.Dropped != 2 || stats.Published != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if reported.Load() != 2 {
		t.Fatalf("expected drop callback total 2, got %d", reported.Load())
	}
}

func TestStreamPublishNeverBlocks(t *testing.T) {
	s := NewStream[int](1, nil)
	_ = s.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle reader")
	}
}

func TestStreamRecvWaitsForPublish(t *testing.T) {
	s := NewStream[string](4, nil)
	r := s.Subscribe()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Publish("hello")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.Recv(ctx)
	if err != nil || v != "hello" {
		t.Fatalf("unexpected recv: %q %v", v, err)
	}
}

func TestStreamRecvHonoursContext(t *testing.T) {
	s := NewStream[int](4, nil)
	r := s.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStreamCloseDrainsThenEnds(t *testing.T) {
	s := NewStream[int](4, nil)
	r := s.Subscribe()
	s.Publish(7)
	s.Close()

	if s.Publish(8) {
		t.Fatalf("publish after close should fail")
	}
	ctx := context.Background()
	if v, err := r.Recv(ctx); err != nil || v != 7 {
		t.Fatalf("expected buffered 7, got %v %v", v, err)
	}
	if _, err := r.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReceiverCloseDetaches(t *testing.T) {
	s := NewStream[int](2, nil)
	r := s.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()
	r.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv not woken by Close")
	}
	if got := s.Stats().Subscribers; got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}

func TestStreamConcurrentPublishersKeepPerPublisherOrder(t *testing.T) {
	s := NewStream[[2]int](4096, nil)
	r := s.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Publish([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for n := 0; n < 2000; n++ {
		v, ok := r.TryRecv()
		if !ok {
			t.Fatalf("missing message %d", n)
		}
		if v[1] != last[v[0]]+1 {
			t.Fatalf("publisher %d out of order: %d after %d", v[0], v[1], last[v[0]])
		}
		last[v[0]] = v[1]
	}
}
