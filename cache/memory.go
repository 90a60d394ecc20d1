package cache

import (
	"context"
	"sync"
	"time"
)

type memSub struct {
	ch       chan *Message
	channels []string
}

// memory keeps everything behind one mutex. Expired keys are dropped on read
// and by a periodic sweep.
type memory struct {
	mu      sync.RWMutex
	keys    map[string]memEntry
	sets    map[string]map[string]struct{}
	subs    map[string]map[*memSub]struct{}
	buf     int
	closed  bool
	stop    chan struct{}
	stopped sync.Once
}

type memEntry struct {
	value    string
	deadline time.Time // zero means no expiry
}

func (e memEntry) live(now time.Time) bool {
	return e.deadline.IsZero() || now.Before(e.deadline)
}

func newMemory(sweep time.Duration, buf int) *memory {
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	m := &memory{
		keys: make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
		subs: make(map[string]map[*memSub]struct{}),
		buf:  buf,
		stop: make(chan struct{}),
	}
	go m.sweepLoop(sweep)
	return m
}

func (m *memory) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			m.mu.Lock()
			for k, e := range m.keys {
				if !e.live(now) {
					delete(m.keys, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := memEntry{value: value}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.keys[key] = e
	return nil
}

func (m *memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.keys[key]
	return ok && e.live(time.Now()), nil
}

func (m *memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	for _, v := range members {
		set[v] = struct{}{}
	}
	return nil
}

func (m *memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set := m.sets[key]
	for _, v := range members {
		delete(set, v)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.sets[key])), nil
}

// Publish drops the payload for any subscriber whose buffer is full. The read
// lock is held across the sends so an unsubscribe cannot close a channel
// underneath them.
func (m *memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	msg := &Message{Channel: channel, Payload: payload}
	for s := range m.subs[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (m *memory) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	if len(channels) == 0 {
		return nil, nil, errNoChannels
	}
	s := &memSub{ch: make(chan *Message, m.buf), channels: channels}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}
	for _, c := range channels {
		if m.subs[c] == nil {
			m.subs[c] = make(map[*memSub]struct{})
		}
		m.subs[c][s] = struct{}{}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			m.mu.Lock()
			m.unsubscribeLocked(s)
			m.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return s.ch, cancel, nil
}

// unsubscribeLocked is a no-op for a subscription already dropped by Close.
func (m *memory) unsubscribeLocked(s *memSub) {
	removed := false
	for _, c := range s.channels {
		if _, ok := m.subs[c][s]; !ok {
			continue
		}
		removed = true
		delete(m.subs[c], s)
		if len(m.subs[c]) == 0 {
			delete(m.subs, c)
		}
	}
	if removed {
		close(s.ch)
	}
}

// Close ends every subscription and rejects further calls.
func (m *memory) Close() error {
	m.stopped.Do(func() {
		close(m.stop)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		seen := make(map[*memSub]struct{})
		for _, subs := range m.subs {
			for s := range subs {
				seen[s] = struct{}{}
			}
		}
		for s := range seen {
			m.unsubscribeLocked(s)
		}
	})
	return nil
}
