package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/opshelm/skillbus/models"
	"github.com/opshelm/skillbus/store"
)

var (
	// ErrUnknownTopic is returned for operations against a topic that was
	// never registered and has no persisted subscriptions.
	ErrUnknownTopic = errors.New("unknown topic")
)

// Handlers is the per-topic handler triple. Any member may be nil.
type Handlers struct {
	Subscribe       models.RequestHandler
	RequestBuilder  models.PublishRequestBuilder
	ResponseHandler models.PublishResponseHandler
}

// Registry is the authoritative mapping of topics to subscriber sets and
// per-topic handlers. All mutation and read paths share one exclusive
// lock; subscription churn is low relative to delivery, so the coarse
// lock is cheaper than anything cleverer. Persistence rewrites happen
// synchronously inside the lock; the store is local and never calls back
// into the registry.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	store  store.Store

	subscriptions     map[string]*subscriptions
	subscribeHandlers map[string]models.RequestHandler
	requestBuilders   map[string]models.PublishRequestBuilder
	responseHandlers  map[string]models.PublishResponseHandler
}

func New(logger *slog.Logger, st store.Store) *Registry {
	return &Registry{
		logger:            logger.WithGroup("registry"),
		store:             st,
		subscriptions:     make(map[string]*subscriptions),
		subscribeHandlers: make(map[string]models.RequestHandler),
		requestBuilders:   make(map[string]models.PublishRequestBuilder),
		responseHandlers:  make(map[string]models.PublishResponseHandler),
	}
}

// RegisterTopic declares a publishable topic. Re-registration replaces
// whichever handlers are non-nil (last write wins) and never clears
// existing subscribers.
func (r *Registry) RegisterTopic(topic string, subscribe models.RequestHandler, builder models.PublishRequestBuilder, response models.PublishResponseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subscribe != nil {
		r.subscribeHandlers[topic] = subscribe
	}
	if builder != nil {
		r.requestBuilders[topic] = builder
	}
	if response != nil {
		r.responseHandlers[topic] = response
	}
	if _, ok := r.subscriptions[topic]; !ok {
		r.subscriptions[topic] = &subscriptions{}
	}
	r.logger.Debug("topic registered", "topic", topic)
}

// AddSubscription attaches a subscriber to a registered topic. A
// structurally equal subscriber that is already present is a no-op
// (added=false, nil error) and does not touch storage. An actual
// insertion triggers a full persistence rewrite before the lock is
// released.
func (r *Registry) AddSubscription(topic string, subscriber models.Subscriber) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscriptions[topic]
	if !ok {
		return false, ErrUnknownTopic
	}
	if !subs.add(subscriber) {
		r.logger.Debug("subscriber already present", "topic", topic, "endpoint", subscriber.Endpoint, "path", subscriber.Path)
		return false, nil
	}

	r.logger.Debug("subscriber added", "topic", topic, "endpoint", subscriber.Endpoint, "path", subscriber.Path)
	if err := r.saveLocked(); err != nil {
		r.logger.Error("failed to persist subscriptions after add", "topic", topic, "error", err)
	}
	return true, nil
}

// RemoveSubscription detaches a subscriber. Removing a subscriber that
// is not present is a no-op (removed=false, nil error).
func (r *Registry) RemoveSubscription(topic string, subscriber models.Subscriber) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscriptions[topic]
	if !ok {
		return false, ErrUnknownTopic
	}
	if !subs.remove(subscriber) {
		r.logger.Debug("subscriber not present", "topic", topic, "endpoint", subscriber.Endpoint, "path", subscriber.Path)
		return false, nil
	}

	r.logger.Debug("subscriber removed", "topic", topic, "endpoint", subscriber.Endpoint, "path", subscriber.Path)
	if err := r.saveLocked(); err != nil {
		r.logger.Error("failed to persist subscriptions after remove", "topic", topic, "error", err)
	}
	return true, nil
}

// Subscribers returns a snapshot copy of a topic's subscriber set, so
// callers can iterate while issuing blocking network calls without
// holding the registry lock. An unknown topic yields nil.
func (r *Registry) Subscribers(topic string) []models.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscriptions[topic]
	if !ok {
		return nil
	}
	return subs.snapshot()
}

// Snapshot returns a topic's subscriber copy together with its handler
// triple in one lock acquisition, for the publish path.
func (r *Registry) Snapshot(topic string) ([]models.Subscriber, Handlers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscriptions[topic]
	if !ok {
		return nil, Handlers{}, ErrUnknownTopic
	}
	return subs.snapshot(), r.handlersLocked(topic), nil
}

// Handlers returns the handler triple for a topic. All members are nil
// for an unknown topic.
func (r *Registry) Handlers(topic string) Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlersLocked(topic)
}

func (r *Registry) handlersLocked(topic string) Handlers {
	return Handlers{
		Subscribe:       r.subscribeHandlers[topic],
		RequestBuilder:  r.requestBuilders[topic],
		ResponseHandler: r.responseHandlers[topic],
	}
}

// HasTopic reports whether a topic is subscribable.
func (r *Registry) HasTopic(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscriptions[topic]
	return ok
}

// Counts returns the number of topics and total subscribers, for the
// status surface.
func (r *Registry) Counts() (topics int, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics = len(r.subscriptions)
	for _, subs := range r.subscriptions {
		subscribers += len(subs.subscribers)
	}
	return topics, subscribers
}
