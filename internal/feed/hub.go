package feed

import "sync"

// Hub fans snapshots out to live subscribers, keyed by channel.
// Delivery per subscriber is coalescing: a slow consumer skips
// intermediate snapshots and always receives the most recent one,
// never an older snapshot after a newer one.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription[T]]bool
}

func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[*Subscription[T]]bool)}
}

// Subscription is one listener on one channel. Read snapshots from C;
// it is closed after Cancel.
type Subscription[T any] struct {
	C <-chan T

	hub     *Hub[T]
	channel string

	mu      sync.Mutex
	pending *T
	notify  chan struct{}
	out     chan T
	done    chan struct{}
	cancel  sync.Once
}

func (h *Hub[T]) Subscribe(channel string) *Subscription[T] {
	s := &Subscription[T]{
		hub:     h,
		channel: channel,
		notify:  make(chan struct{}, 1),
		out:     make(chan T),
		done:    make(chan struct{}),
	}
	s.C = s.out
	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Subscription[T]]bool)
		h.subs[channel] = set
	}
	set[s] = true
	h.mu.Unlock()
	go s.deliver()
	return s
}

// Publish offers a snapshot to every subscriber of the channel. It
// never blocks on slow consumers.
func (h *Hub[T]) Publish(channel string, v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[channel] {
		s.offer(v)
	}
}

// Cancel detaches the subscription and closes C. Safe to call at any
// time, from any goroutine, more than once.
func (s *Subscription[T]) Cancel() {
	s.cancel.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.channel)
			}
		}
		s.hub.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	s.pending = &v
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// deliver moves pending snapshots to the consumer one at a time. A
// snapshot published while the consumer is blocked overwrites the
// pending slot, which is what coalesces the stream.
func (s *Subscription[T]) deliver() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.mu.Lock()
		v := s.pending
		s.pending = nil
		s.mu.Unlock()
		if v == nil {
			continue
		}
		select {
		case s.out <- *v:
		case <-s.done:
			return
		}
	}
}
