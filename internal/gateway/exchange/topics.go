package exchange

import (
	"sort"
	"sync"
)

// TopicSet makes Subscribe/Unsubscribe idempotent.
type TopicSet struct {
	mu     sync.Mutex
	topics map[string]Topic
}

func NewTopicSet() *TopicSet {
	return &TopicSet{topics: make(map[string]Topic)}
}

// Add reports whether the topic was new.
func (s *TopicSet) Add(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[t.Key()]; ok {
		return false
	}
	s.topics[t.Key()] = t
	return true
}

// Remove reports whether the topic was present.
func (s *TopicSet) Remove(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[t.Key()]; !ok {
		return false
	}
	delete(s.topics, t.Key())
	return true
}

func (s *TopicSet) Has(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[t.Key()]
	return ok
}

func (s *TopicSet) List() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (s *TopicSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}
