package router

import (
	"sort"
	"sync"

	"quoteflow/models"
)

// topicRegistry reference-counts frontend interest per topic.
type topicRegistry struct {
	mu     sync.RWMutex
	counts map[models.Topic]int
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{counts: make(map[models.Topic]int)}
}

func (t *topicRegistry) add(topic models.Topic) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[topic]++
	return t.counts[topic]
}

func (t *topicRegistry) remove(topic models.Topic) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[topic]
	if !ok {
		return 0, false
	}
	n--
	if n <= 0 {
		delete(t.counts, topic)
		return 0, true
	}
	t.counts[topic] = n
	return n, true
}

func (t *topicRegistry) count(topic models.Topic) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[topic]
}

func (t *topicRegistry) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.counts)
}

func (t *topicRegistry) list() []models.Topic {
	t.mu.RLock()
	out := make([]models.Topic, 0, len(t.counts))
	for topic := range t.counts {
		out = append(out, topic)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
