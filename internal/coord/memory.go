package coord

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// Memory is an in-process Coordinator for unit tests and single-instance
// development. Pub/sub deliveries are buffered; a subscriber that stops
// draining loses messages rather than blocking publishers.
type Memory struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	hashes map[string]map[string]string
	closed bool
}

// NewMemory creates an empty in-process coordinator.
func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[*memorySubscription]struct{}),
		hashes: make(map[string]map[string]string),
	}
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		if !sub.pattern.MatchString(channel) {
			continue
		}
		select {
		case sub.out <- Message{Channel: channel, Payload: payload}:
		default:
			// Drop if the subscriber is lagging.
		}
	}
	return nil
}

func (m *Memory) PSubscribe(_ context.Context, pattern string) (Subscription, error) {
	sub := &memorySubscription{
		parent:  m,
		pattern: globToRegexp(pattern),
		out:     make(chan Message, 256),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// globToRegexp translates a Redis channel glob. Unlike path matching, * and ?
// match any character, so channel segments may contain slashes. Character
// classes are not supported; nothing here subscribes with one.
func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func (m *Memory) HashSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		m.hashes[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		close(sub.out)
		delete(m.subs, sub)
	}
	return nil
}

type memorySubscription struct {
	parent  *Memory
	pattern *regexp.Regexp
	out     chan Message
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		if _, ok := s.parent.subs[s]; ok {
			delete(s.parent.subs, s)
			close(s.out)
		}
		s.parent.mu.Unlock()
	})
	return nil
}
