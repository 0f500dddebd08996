package registry

import "github.com/opshelm/skillbus/models"

// subscriptions is one topic's subscriber set: insertion order kept,
// structural duplicates rejected. Owned by the Registry; never accessed
// outside its lock.
type subscriptions struct {
	subscribers []models.Subscriber
}

// add returns false when a structurally equal subscriber is already present.
func (s *subscriptions) add(subscriber models.Subscriber) bool {
	for _, existing := range s.subscribers {
		if existing.Equal(subscriber) {
			return false
		}
	}
	s.subscribers = append(s.subscribers, subscriber)
	return true
}

// remove returns false when no structurally equal subscriber is present.
func (s *subscriptions) remove(subscriber models.Subscriber) bool {
	for i, existing := range s.subscribers {
		if existing.Equal(subscriber) {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns a copy safe to iterate without the registry lock.
func (s *subscriptions) snapshot() []models.Subscriber {
	out := make([]models.Subscriber, len(s.subscribers))
	copy(out, s.subscribers)
	return out
}
