package stream

import (
	"context"
	"sync"
)

// queueSub is an unbounded, ordered message queue drained into a channel by a single
// pump goroutine. Producers never block on a slow reader.
type queueSub struct {
	mu     sync.Mutex
	queue  []*Msg
	err    error
	notify chan struct{}
	out    chan *Msg
	done   chan struct{}
	once   sync.Once

	onStop func()
}

func newQueueSub(ctx context.Context, onStop func()) *queueSub {
	s := &queueSub{
		notify: make(chan struct{}, 1),
		out:    make(chan *Msg),
		done:   make(chan struct{}),
		onStop: onStop,
	}
	go s.pump(ctx)
	return s
}

// Messages implements Subscription
func (s *queueSub) Messages() <-chan *Msg {
	return s.out
}

// Err implements Subscription
func (s *queueSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop implements Subscription
func (s *queueSub) Stop() error {
	s.terminate(nil)
	return nil
}

func (s *queueSub) push(msgs ...*Msg) {
	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// terminate ends the subscription; the first call wins
func (s *queueSub) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *queueSub) pump(ctx context.Context) {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.terminate(nil)
				return
			}
		}

		head := *s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if uint64(len(s.queue)) > head.NumPending {
			head.NumPending = uint64(len(s.queue))
		}
		s.mu.Unlock()

		select {
		case s.out <- &head:
		case <-s.done:
			return
		case <-ctx.Done():
			s.terminate(nil)
			return
		}
	}
}
