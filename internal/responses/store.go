// Package responses holds the per-task answer store. Historical data keys
// answers inconsistently (canonical "sectionID-questionID", but also
// legacy shapes like "q-<id>" or the bare question id), so reads tolerate
// every shape while writes only ever produce canonical keys.
package responses

import (
	"strings"

	"checkline/internal/domain"
)

// Item is one stored answer; input order is significant for the legacy
// fallback rule.
type Item struct {
	Key   string
	Value domain.Response
}

// Store maps response keys to recorded answers for a single task.
// It is not safe for concurrent use; the session event loop is the only
// writer.
type Store struct {
	order  []string
	values map[string]domain.Response
	// byQuestion memoizes the legacy fallback scan per question id so the
	// scan happens at most once per load instead of once per lookup.
	// An empty string records a miss.
	byQuestion map[string]string
}

func NewStore() *Store {
	return &Store{
		values:     map[string]domain.Response{},
		byQuestion: map[string]string{},
	}
}

// Load builds a store from persisted items, preserving their input order.
func Load(items []Item) *Store {
	s := NewStore()
	for _, it := range items {
		s.put(it.Key, it.Value)
	}
	return s
}

// CanonicalKey is the key format all new writes use.
func CanonicalKey(sectionID, questionID string) string {
	if sectionID == "" {
		return questionID
	}
	return sectionID + "-" + questionID
}

// Set records an answer under the canonical key. Legacy keys are never
// rewritten; they are only tolerated at read time.
func (s *Store) Set(sectionID, questionID string, v domain.Response) {
	s.put(CanonicalKey(sectionID, questionID), v)
}

func (s *Store) put(key string, v domain.Response) {
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
		// A memoized miss may now be stale if the new key contains that
		// question id; drop only those entries.
		for qid, hit := range s.byQuestion {
			if hit == "" && strings.Contains(key, qid) {
				delete(s.byQuestion, qid)
			}
		}
	}
	s.values[key] = v
}

// Get resolves an answer for a question: canonical key first, then the
// legacy fallback: the first stored key, in input order, containing the
// question id as a substring.
func (s *Store) Get(sectionID, questionID string) (domain.Response, bool) {
	if v, ok := s.values[CanonicalKey(sectionID, questionID)]; ok {
		return v, true
	}
	return s.GetByQuestion(questionID)
}

// GetByQuestion resolves an answer by question id alone, used for
// pre-inspection questions and legacy data with no section scope.
func (s *Store) GetByQuestion(questionID string) (domain.Response, bool) {
	if questionID == "" {
		return domain.Response{}, false
	}
	if v, ok := s.values[questionID]; ok {
		return v, true
	}
	if key, seen := s.byQuestion[questionID]; seen {
		if key == "" {
			return domain.Response{}, false
		}
		return s.values[key], true
	}
	for _, key := range s.order {
		if strings.Contains(key, questionID) {
			s.byQuestion[questionID] = key
			return s.values[key], true
		}
	}
	s.byQuestion[questionID] = ""
	return domain.Response{}, false
}

// SetKey records an answer under an already-formed key, preserving its
// shape. Used when merging server-side data that may carry legacy keys.
func (s *Store) SetKey(key string, v domain.Response) {
	s.put(key, v)
}

// HasKey reports whether the exact key is present.
func (s *Store) HasKey(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Has reports whether a question has any recorded answer.
func (s *Store) Has(sectionID, questionID string) bool {
	_, ok := s.Get(sectionID, questionID)
	return ok
}

func (s *Store) Len() int { return len(s.order) }

// Items returns all stored answers in input order.
func (s *Store) Items() []Item {
	out := make([]Item, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, Item{Key: k, Value: s.values[k]})
	}
	return out
}

// Snapshot returns the flattened key/answer map carried on the task.
func (s *Store) Snapshot() map[string]domain.Response {
	out := make(map[string]domain.Response, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
