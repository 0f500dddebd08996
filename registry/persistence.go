package registry

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/opshelm/skillbus/models"
	"github.com/opshelm/skillbus/store"
)

// name of the table used for the local storage database
const LocalStorageTable = "skillbus"

const subscriptionsKey = "subscriptions"

// Load reads the persisted subscription records and populates the
// registry. An absent or empty blob is a clean start. A malformed blob,
// or any record missing a field, fails the whole load: the registry is
// left empty rather than partially populated. Call before the HTTP
// server starts accepting.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	blob, err := r.store.Get(LocalStorageTable, subscriptionsKey)
	if err != nil {
		if store.IsErrKeyNotFound(err) {
			r.logger.Debug("no persisted subscriptions")
			return nil
		}
		return errors.Wrap(err, "reading persisted subscriptions")
	}
	if blob == "" {
		return nil
	}

	var records []models.SubscriptionRecord
	if err := json.Unmarshal([]byte(blob), &records); err != nil {
		return errors.Wrap(err, "parsing persisted subscriptions")
	}

	loaded := make(map[string]*subscriptions)
	for _, record := range records {
		if record.ID == "" || record.Endpoint == "" || record.Path == "" {
			return errors.Errorf("malformed subscription record: id=%q endpoint=%q path=%q", record.ID, record.Endpoint, record.Path)
		}
		subs, ok := loaded[record.ID]
		if !ok {
			subs = &subscriptions{}
			loaded[record.ID] = subs
		}
		subs.add(models.Subscriber{Endpoint: record.Endpoint, Path: record.Path})
	}

	// Persisted topics become subscribable immediately, even before any
	// handler registration after a restart.
	for topic, subs := range loaded {
		if existing, ok := r.subscriptions[topic]; ok {
			for _, subscriber := range subs.subscribers {
				existing.add(subscriber)
			}
			continue
		}
		r.subscriptions[topic] = subs
	}

	r.logger.Info("subscriptions loaded", "records", len(records), "topics", len(loaded))
	return nil
}

// saveLocked rewrites the full persisted form from the current registry
// state: one JSON array, one put. Caller holds the registry lock.
func (r *Registry) saveLocked() error {
	records := make([]models.SubscriptionRecord, 0)
	for topic, subs := range r.subscriptions {
		for _, subscriber := range subs.subscribers {
			records = append(records, models.SubscriptionRecord{
				ID:       topic,
				Endpoint: subscriber.Endpoint,
				Path:     subscriber.Path,
			})
		}
	}

	blob, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "serializing subscriptions")
	}
	if err := r.store.Put(LocalStorageTable, subscriptionsKey, string(blob)); err != nil {
		return errors.Wrap(err, "writing subscriptions")
	}
	r.logger.Debug("subscriptions persisted", "records", len(records))
	return nil
}
